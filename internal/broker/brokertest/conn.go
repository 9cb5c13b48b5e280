package brokertest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// Conn is a connection to the in-memory broker
type Conn struct {
	broker      *Broker
	id          int
	name        string
	open        bool
	channels    map[uint16]*Chan
	shutdownFns []func(broker.ShutdownSignal)
	blocked     []func(broker.Blocking)
	closeSig    *broker.ShutdownSignal
}

// ID returns the 1-based dial order of the connection
func (c *Conn) ID() int {
	return c.id
}

// Name returns the client-provided connection name
func (c *Conn) Name() string {
	return c.name
}

// OpenChannels returns the numbers of the channels open on this connection
func (c *Conn) OpenChannels() []uint16 {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	var numbers []uint16
	for n, ch := range c.channels {
		if ch.open {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// Channel returns the open channel with the given number
func (c *Conn) Channel(number uint16) (*Chan, bool) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	ch, ok := c.channels[number]
	if !ok || !ch.open {
		return nil, false
	}
	return ch, true
}

func (c *Conn) OpenChannel(number uint16) (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !c.open {
		return nil, ErrConnectionClosed
	}
	if err := b.failure(OpChannelOpen, strconv.Itoa(int(number))); err != nil {
		return nil, err
	}
	if existing, ok := c.channels[number]; ok && existing.open {
		return nil, &amqp.Error{Code: amqp.ChannelError, Reason: fmt.Sprintf("channel %d already open", number)}
	}

	ch := &Chan{conn: c, number: number, open: true}
	c.channels[number] = ch
	b.record(OpChannelOpen, strconv.Itoa(int(number)))
	return ch, nil
}

func (c *Conn) NotifyShutdown(fn func(broker.ShutdownSignal)) {
	c.broker.mu.Lock()
	if c.closeSig != nil {
		sig := *c.closeSig
		c.broker.mu.Unlock()
		go fn(sig)
		return
	}
	c.shutdownFns = append(c.shutdownFns, fn)
	c.broker.mu.Unlock()
}

func (c *Conn) NotifyBlocked(fn func(broker.Blocking)) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.blocked = append(c.blocked, fn)
}

func (c *Conn) Close(timeout time.Duration) error {
	c.shutdown(broker.ShutdownSignal{
		Code:                 broker.ReplySuccess,
		Reason:               "closed by application",
		ApplicationInitiated: true,
	})
	return nil
}

func (c *Conn) Abort() {
	_ = c.Close(0)
}

func (c *Conn) IsOpen() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.open
}

func (c *Conn) ServerProperties() amqp.Table {
	return amqp.Table{"product": "brokertest", "version": "0.9.1"}
}

// shutdown closes the connection and fires the shutdown listeners on a
// separate goroutine, the way a real client reports connection loss.
func (c *Conn) shutdown(sig broker.ShutdownSignal) {
	b := c.broker
	b.mu.Lock()
	if !c.open {
		b.mu.Unlock()
		return
	}
	c.open = false
	c.closeSig = &sig
	for _, ch := range c.channels {
		ch.open = false
	}
	for tag, cs := range b.consumers {
		if cs.channel.conn == c {
			delete(b.consumers, tag)
		}
	}
	for name, q := range b.queues {
		if q.owner == c && q.spec.Exclusive {
			b.deleteQueueLocked(name)
		}
	}
	listeners := append(([]func(broker.ShutdownSignal))(nil), c.shutdownFns...)
	b.mu.Unlock()

	go func() {
		for _, fn := range listeners {
			fn(sig)
		}
	}()
}

// Chan is a channel on a Conn
type Chan struct {
	conn   *Conn
	number uint16
	open   bool
	qos    [2]int
}

// QosSettings returns the last prefetch count and size applied to the channel
func (ch *Chan) QosSettings() (prefetchCount, prefetchSize int) {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.qos[0], ch.qos[1]
}

func (ch *Chan) Number() uint16 {
	return ch.number
}

// begin locks the broker and checks the channel is usable
func (ch *Chan) begin(op, name string) (*Broker, error) {
	b := ch.conn.broker
	b.mu.Lock()
	if !ch.open || !ch.conn.open {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if err := b.failure(op, name); err != nil {
		err = ch.closeLocked(err)
		b.mu.Unlock()
		return nil, err
	}
	return b, nil
}

// closeLocked closes the channel the way a broker does after a channel
// error and returns err. Must be called with the broker lock held.
func (ch *Chan) closeLocked(err error) error {
	ch.open = false
	for tag, cs := range ch.conn.broker.consumers {
		if cs.channel == ch {
			delete(ch.conn.broker.consumers, tag)
		}
	}
	return err
}

func (ch *Chan) ExchangeDeclare(spec broker.ExchangeSpec) error {
	b, err := ch.begin(OpExchangeDeclare, spec.Name)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	b.exchanges[spec.Name] = spec
	b.record(OpExchangeDeclare, spec.Name)
	return nil
}

func (ch *Chan) ExchangeDelete(name string, ifUnused bool) error {
	b, err := ch.begin(OpExchangeDelete, name)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if _, ok := b.exchanges[name]; !ok {
		return ch.closeLocked(ErrNotFound)
	}
	delete(b.exchanges, name)
	b.removeBindings(func(bd Binding) bool {
		return bd.Source == name || (bd.Exchange && bd.Destination == name)
	})
	b.record(OpExchangeDelete, name)
	return nil
}

func (ch *Chan) ExchangeBind(destination, key, source string, args amqp.Table) error {
	b, err := ch.begin(OpExchangeBind, destination)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if _, ok := b.exchanges[source]; !ok {
		return ch.closeLocked(ErrNotFound)
	}
	if _, ok := b.exchanges[destination]; !ok {
		return ch.closeLocked(ErrNotFound)
	}
	b.addBinding(Binding{Exchange: true, Source: source, Destination: destination, RoutingKey: key, Arguments: args})
	b.record(OpExchangeBind, destination)
	return nil
}

func (ch *Chan) ExchangeUnbind(destination, key, source string, args amqp.Table) error {
	b, err := ch.begin(OpExchangeUnbind, destination)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	target := Binding{Exchange: true, Source: source, Destination: destination, RoutingKey: key, Arguments: args}
	b.removeBindings(func(bd Binding) bool { return sameBinding(bd, target) })
	b.record(OpExchangeUnbind, destination)
	return nil
}

func (ch *Chan) QueueDeclare(spec broker.QueueSpec) (amqp.Queue, error) {
	b, err := ch.begin(OpQueueDeclare, spec.Name)
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()

	if spec.Name == "" {
		spec.Name = b.nextName("amq.gen")
	}
	consumers := 0
	for _, cs := range b.consumers {
		if cs.queue == spec.Name {
			consumers++
		}
	}
	b.queues[spec.Name] = &queueState{spec: spec, owner: ch.conn}
	b.record(OpQueueDeclare, spec.Name)
	return amqp.Queue{Name: spec.Name, Consumers: consumers}, nil
}

func (ch *Chan) QueueDelete(name string, ifUnused, ifEmpty bool) (int, error) {
	b, err := ch.begin(OpQueueDelete, name)
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		return 0, ch.closeLocked(ErrNotFound)
	}
	b.deleteQueueLocked(name)
	b.record(OpQueueDelete, name)
	return 0, nil
}

func (ch *Chan) QueueBind(queue, key, exchange string, args amqp.Table) error {
	b, err := ch.begin(OpQueueBind, queue)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if _, ok := b.queues[queue]; !ok {
		return ch.closeLocked(ErrNotFound)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.closeLocked(ErrNotFound)
	}
	b.addBinding(Binding{Source: exchange, Destination: queue, RoutingKey: key, Arguments: args})
	b.record(OpQueueBind, queue)
	return nil
}

func (ch *Chan) QueueUnbind(queue, key, exchange string, args amqp.Table) error {
	b, err := ch.begin(OpQueueUnbind, queue)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	target := Binding{Source: exchange, Destination: queue, RoutingKey: key, Arguments: args}
	b.removeBindings(func(bd Binding) bool { return sameBinding(bd, target) })
	b.record(OpQueueUnbind, queue)
	return nil
}

func (ch *Chan) QueuePurge(name string) (int, error) {
	b, err := ch.begin(OpQueuePurge, name)
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		return 0, ch.closeLocked(ErrNotFound)
	}
	b.record(OpQueuePurge, name)
	return 0, nil
}

func (ch *Chan) Consume(spec broker.ConsumeSpec, consumer *broker.Consumer) (string, error) {
	b, err := ch.begin(OpBasicConsume, spec.Queue)
	if err != nil {
		return "", err
	}

	if _, ok := b.queues[spec.Queue]; !ok {
		err := ch.closeLocked(ErrNotFound)
		b.mu.Unlock()
		return "", err
	}
	tag := spec.Tag
	if tag == "" {
		tag = b.nextName("amq.ctag")
	}
	if _, ok := b.consumers[tag]; ok {
		err := ch.closeLocked(&amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag " + tag, Server: true})
		b.mu.Unlock()
		return "", err
	}
	b.consumers[tag] = &consumerState{queue: spec.Queue, spec: spec, consumer: consumer, channel: ch}
	b.record(OpBasicConsume, spec.Queue)
	b.mu.Unlock()

	consumer.HandleConsumeOk(tag)
	return tag, nil
}

func (ch *Chan) Cancel(tag string) error {
	b, err := ch.begin(OpBasicCancel, tag)
	if err != nil {
		return err
	}

	cs, ok := b.consumers[tag]
	delete(b.consumers, tag)
	b.record(OpBasicCancel, tag)
	b.mu.Unlock()

	if ok {
		cs.consumer.HandleCancelOk(tag)
	}
	return nil
}

func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	b, err := ch.begin(OpBasicQos, strconv.Itoa(int(ch.number)))
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	ch.qos = [2]int{prefetchCount, prefetchSize}
	b.record(OpBasicQos, strconv.Itoa(int(ch.number)))
	return nil
}

func (ch *Chan) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b, err := ch.begin("basic.publish", exchange)
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return ErrNotFound
	}
	return ctx.Err()
}

func (ch *Chan) Ack(deliveryTag uint64, multiple bool) error {
	return nil
}

func (ch *Chan) Nack(deliveryTag uint64, multiple, requeue bool) error {
	return nil
}

func (ch *Chan) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ch.open {
		return amqp.ErrClosed
	}
	_ = ch.closeLocked(nil)
	return nil
}

func (ch *Chan) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return !ch.open || !ch.conn.open
}

func (b *Broker) addBinding(bd Binding) {
	for _, existing := range b.bindings {
		if sameBinding(existing, bd) {
			return
		}
	}
	b.bindings = append(b.bindings, bd)
}
