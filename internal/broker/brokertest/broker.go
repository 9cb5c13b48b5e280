// Package brokertest provides an in-memory broker implementing the broker
// capability interfaces, for exercising connection recovery without a
// running RabbitMQ node.
//
// The broker keeps exchanges, queues, bindings and consumers in memory,
// can simulate network failures, and can be told to fail individual
// operations. Like a real broker, a failed operation or a missing entity
// closes the channel it was issued on. Publishing to a missing exchange
// only returns ErrNotFound.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-recovery/internal/broker"
)

var (
	// ErrDialRefused is returned by the dialer while dial failures are armed
	ErrDialRefused = errors.New("brokertest: connection refused")
	// ErrNotFound mirrors a 404 channel error
	ErrNotFound = &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND", Server: true}
	// ErrConnectionClosed is returned by operations on a dropped connection
	ErrConnectionClosed = errors.New("brokertest: connection closed")
)

// Operation names used by Fail and Calls
const (
	OpChannelOpen     = "channel.open"
	OpExchangeDeclare = "exchange.declare"
	OpExchangeDelete  = "exchange.delete"
	OpExchangeBind    = "exchange.bind"
	OpExchangeUnbind  = "exchange.unbind"
	OpQueueDeclare    = "queue.declare"
	OpQueueDelete     = "queue.delete"
	OpQueueBind       = "queue.bind"
	OpQueueUnbind     = "queue.unbind"
	OpQueuePurge      = "queue.purge"
	OpBasicConsume    = "basic.consume"
	OpBasicCancel     = "basic.cancel"
	OpBasicQos        = "basic.qos"
)

// Binding is a binding as seen by the broker
type Binding struct {
	Exchange    bool // destination is an exchange
	Source      string
	Destination string
	RoutingKey  string
	Arguments   amqp.Table
}

type queueState struct {
	spec  broker.QueueSpec
	owner *Conn
}

type consumerState struct {
	queue    string
	spec     broker.ConsumeSpec
	consumer *broker.Consumer
	channel  *Chan
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]broker.ExchangeSpec
	queues    map[string]*queueState
	bindings  []Binding
	consumers map[string]*consumerState
	conns     []*Conn
	calls     []string
	failures  map[string]error
	generated int

	dialFailures int
	dialAttempts int
	dialConfigs  []broker.DialConfig
	dialHook     func(attempt int)
}

// New creates an empty broker with the predefined exchanges in place
func New() *Broker {
	b := &Broker{
		exchanges: make(map[string]broker.ExchangeSpec),
		queues:    make(map[string]*queueState),
		consumers: make(map[string]*consumerState),
		failures:  make(map[string]error),
	}
	for name, kind := range map[string]string{
		"":            amqp.ExchangeDirect,
		"amq.direct":  amqp.ExchangeDirect,
		"amq.fanout":  amqp.ExchangeFanout,
		"amq.topic":   amqp.ExchangeTopic,
		"amq.headers": amqp.ExchangeHeaders,
	} {
		b.exchanges[name] = broker.ExchangeSpec{Name: name, Type: kind, Durable: true}
	}
	return b
}

// Dialer returns a dialer opening connections to this broker
func (b *Broker) Dialer() broker.Dialer {
	return broker.DialerFunc(b.dial)
}

func (b *Broker) dial(ctx context.Context, cfg broker.DialConfig) (broker.Connection, error) {
	b.mu.Lock()
	b.dialAttempts++
	attempt := b.dialAttempts
	b.dialConfigs = append(b.dialConfigs, cfg)
	hook := b.dialHook
	b.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialFailures != 0 {
		if b.dialFailures > 0 {
			b.dialFailures--
		}
		return nil, ErrDialRefused
	}

	conn := &Conn{
		broker:   b,
		id:       len(b.conns) + 1,
		name:     cfg.ConnectionName,
		open:     true,
		channels: make(map[uint16]*Chan),
	}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDials makes the next n dial attempts fail. A negative n fails every
// attempt until FailDials(0) is called.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFailures = n
}

// OnDial installs a hook called at the start of every dial attempt
func (b *Broker) OnDial(hook func(attempt int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialHook = hook
}

// DialAttempts returns how many times the dialer was called
func (b *Broker) DialAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dialAttempts
}

// DialConfigs returns the configs every dial was called with
func (b *Broker) DialConfigs() []broker.DialConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.DialConfig(nil), b.dialConfigs...)
}

// Fail makes every future op on name return err. A nil err clears it.
// Names are exchange or queue names, consumer queues, or channel numbers
// formatted with %d for OpChannelOpen.
func (b *Broker) Fail(op, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := op + " " + name
	if err == nil {
		delete(b.failures, key)
		return
	}
	b.failures[key] = err
}

// Calls returns every successful operation in the order the broker saw
// them, formatted as "<op> <name>".
func (b *Broker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// ResetCalls clears the call log
func (b *Broker) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Connections returns every connection ever dialled, oldest first
func (b *Broker) Connections() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// Current returns the most recently dialled connection
func (b *Broker) Current() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// DropConnections simulates a network failure on every open connection.
// Exclusive queues and all consumers of the dropped connections disappear.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	var dropped []*Conn
	for _, c := range b.conns {
		if c.open {
			dropped = append(dropped, c)
		}
	}
	b.mu.Unlock()

	for _, c := range dropped {
		c.shutdown(broker.ShutdownSignal{
			Code:   amqp.ConnectionForced,
			Reason: "connection reset by peer",
			Cause:  errors.New("brokertest: network failure"),
		})
	}
}

// Block sends connection.blocked to every open connection
func (b *Broker) Block(reason string) {
	b.notifyBlocked(broker.Blocking{Active: true, Reason: reason})
}

// Unblock sends connection.unblocked to every open connection
func (b *Broker) Unblock() {
	b.notifyBlocked(broker.Blocking{Active: false})
}

func (b *Broker) notifyBlocked(blocking broker.Blocking) {
	b.mu.Lock()
	var listeners []func(broker.Blocking)
	for _, c := range b.conns {
		if c.open {
			listeners = append(listeners, c.blocked...)
		}
	}
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(blocking)
	}
}

// HasExchange reports whether the exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Exchange returns the declared exchange
func (b *Broker) Exchange(name string) (broker.ExchangeSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queue returns the declared queue
func (b *Broker) Queue(name string) (broker.QueueSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return broker.QueueSpec{}, false
	}
	return q.spec, true
}

// Bindings returns a copy of every binding
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

// HasBinding reports whether a binding from source to destination with
// the routing key exists
func (b *Broker) HasBinding(source, destination, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.Source == source && bd.Destination == destination && bd.RoutingKey == key {
			return true
		}
	}
	return false
}

// ConsumerQueue returns the queue a consumer tag is attached to
func (b *Broker) ConsumerQueue(tag string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.consumers[tag]
	if !ok {
		return "", false
	}
	return cs.queue, true
}

// ConsumerCount returns the number of live consumers
func (b *Broker) ConsumerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// Deliver hands body to the first consumer of queue and reports whether
// one was found
func (b *Broker) Deliver(queue string, body []byte) bool {
	b.mu.Lock()
	var target *consumerState
	var tag string
	for t, cs := range b.consumers {
		if cs.queue == queue {
			target, tag = cs, t
			break
		}
	}
	b.mu.Unlock()

	if target == nil {
		return false
	}
	target.consumer.HandleDelivery(tag, amqp.Delivery{
		ConsumerTag: tag,
		RoutingKey:  queue,
		Body:        body,
		Timestamp:   time.Now(),
	})
	return true
}

// failure and record must be called with b.mu held
func (b *Broker) failure(op, name string) error {
	return b.failures[op+" "+name]
}

func (b *Broker) record(op, name string) {
	b.calls = append(b.calls, op+" "+name)
}

func (b *Broker) nextName(prefix string) string {
	b.generated++
	return fmt.Sprintf("%s-%d", prefix, b.generated)
}

func (b *Broker) removeBindings(match func(Binding) bool) {
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if !match(bd) {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
}

func (b *Broker) deleteQueueLocked(name string) {
	delete(b.queues, name)
	b.removeBindings(func(bd Binding) bool {
		return !bd.Exchange && bd.Destination == name
	})
	for tag, cs := range b.consumers {
		if cs.queue == name {
			delete(b.consumers, tag)
		}
	}
}

func sameBinding(a, b Binding) bool {
	return a.Exchange == b.Exchange &&
		a.Source == b.Source &&
		a.Destination == b.Destination &&
		a.RoutingKey == b.RoutingKey &&
		reflect.DeepEqual(normalize(a.Arguments), normalize(b.Arguments))
}

func normalize(t amqp.Table) amqp.Table {
	if len(t) == 0 {
		return nil
	}
	return t
}
