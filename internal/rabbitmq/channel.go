package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
	"github.com/glimte/mmate-recovery/internal/topology"
)

type qosSettings struct {
	prefetchCount int
	prefetchSize  int
	global        bool
}

// Channel is a stable handle over a physical channel. Declarations made
// through it are recorded so they can be replayed after a reconnect, and
// the physical channel is swapped under it when the connection recovers.
type Channel struct {
	number uint16
	conn   *Connection
	logger *zap.Logger

	mu       sync.RWMutex
	delegate broker.Channel
	closed   bool
	broken   error
	qos      *qosSettings
	hooks    []ChannelRecoveryHandler
}

func newChannel(conn *Connection, number uint16, raw broker.Channel) *Channel {
	return &Channel{
		number:   number,
		conn:     conn,
		logger:   conn.logger.With(zap.Uint16("channel", number)),
		delegate: raw,
	}
}

// Number returns the channel number. It stays the same across recoveries.
func (ch *Channel) Number() uint16 {
	return ch.number
}

// Delegate returns the current physical channel
func (ch *Channel) Delegate() (broker.Channel, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.closed {
		return nil, topology.ErrOwnerClosed
	}
	if ch.broken != nil {
		return nil, ch.broken
	}
	return ch.delegate, nil
}

// IsOpen reports whether the handle is open and its physical channel is
// usable
func (ch *Channel) IsOpen() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return !ch.closed && ch.broken == nil && !ch.delegate.IsClosed()
}

// OnRecovery registers a hook run after the connection recovered, once
// this channel has been reopened
func (ch *Channel) OnRecovery(fn ChannelRecoveryHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.hooks = append(ch.hooks, fn)
}

func (ch *Channel) current() (broker.Channel, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.closed {
		return nil, ErrChannelClosed
	}
	return ch.delegate, nil
}

func (ch *Channel) store() *topology.Store {
	return ch.conn.store
}

// ExchangeDeclare declares an exchange and records it
func (ch *Channel) ExchangeDeclare(spec broker.ExchangeSpec) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.ExchangeDeclare(spec); err != nil {
		return topologyError(topology.KindExchange, spec.Name, "declare", err)
	}
	ch.store().RecordExchange(ch, spec)
	return nil
}

// ExchangeDelete deletes an exchange and forgets it together with its
// bindings
func (ch *Channel) ExchangeDelete(name string, ifUnused bool) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.ExchangeDelete(name, ifUnused); err != nil {
		return topologyError(topology.KindExchange, name, "delete", err)
	}
	ch.store().DeleteRecordedExchange(name)
	return nil
}

// ExchangeBind binds destination to source and records the binding
func (ch *Channel) ExchangeBind(destination, key, source string, args amqp.Table) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.ExchangeBind(destination, key, source, args); err != nil {
		return topologyError(topology.KindBinding, source+" -> "+destination, "bind", err)
	}
	ch.store().RecordExchangeBinding(ch, destination, key, source, args)
	return nil
}

// ExchangeUnbind removes an exchange-to-exchange binding
func (ch *Channel) ExchangeUnbind(destination, key, source string, args amqp.Table) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.ExchangeUnbind(destination, key, source, args); err != nil {
		return topologyError(topology.KindBinding, source+" -> "+destination, "unbind", err)
	}
	ch.store().DeleteRecordedExchangeBinding(destination, key, source, args)
	return nil
}

// QueueDeclare declares a queue and records it. An empty name asks the
// broker for a generated one, which is renamed on every recovery.
func (ch *Channel) QueueDeclare(spec broker.QueueSpec) (amqp.Queue, error) {
	raw, err := ch.current()
	if err != nil {
		return amqp.Queue{}, err
	}
	q, err := raw.QueueDeclare(spec)
	if err != nil {
		return amqp.Queue{}, topologyError(topology.KindQueue, spec.Name, "declare", err)
	}
	ch.store().RecordQueue(ch, q.Name, spec, spec.Name == "")
	return q, nil
}

// QueueDelete deletes a queue and forgets it with its bindings and
// consumers
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty bool) (int, error) {
	raw, err := ch.current()
	if err != nil {
		return 0, err
	}
	n, err := raw.QueueDelete(name, ifUnused, ifEmpty)
	if err != nil {
		return 0, topologyError(topology.KindQueue, name, "delete", err)
	}
	ch.store().DeleteRecordedQueue(name)
	return n, nil
}

// QueueBind binds a queue to an exchange and records the binding
func (ch *Channel) QueueBind(queue, key, exchange string, args amqp.Table) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.QueueBind(queue, key, exchange, args); err != nil {
		return topologyError(topology.KindBinding, exchange+" -> "+queue, "bind", err)
	}
	ch.store().RecordQueueBinding(ch, queue, key, exchange, args)
	return nil
}

// QueueUnbind removes a queue binding
func (ch *Channel) QueueUnbind(queue, key, exchange string, args amqp.Table) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.QueueUnbind(queue, key, exchange, args); err != nil {
		return topologyError(topology.KindBinding, exchange+" -> "+queue, "unbind", err)
	}
	ch.store().DeleteRecordedQueueBinding(queue, key, exchange, args)
	return nil
}

// QueuePurge removes every ready message from a queue
func (ch *Channel) QueuePurge(name string) (int, error) {
	raw, err := ch.current()
	if err != nil {
		return 0, err
	}
	n, err := raw.QueuePurge(name)
	if err != nil {
		return 0, topologyError(topology.KindQueue, name, "purge", err)
	}
	return n, nil
}

// Consume starts a consumer and records it. The returned tag is the one
// the consumer has now; it may change when the connection recovers, which
// is reported to the connection's consumer recovery listeners.
func (ch *Channel) Consume(spec broker.ConsumeSpec, consumer *broker.Consumer) (string, error) {
	raw, err := ch.current()
	if err != nil {
		return "", err
	}
	tag, err := raw.Consume(spec, consumer)
	if err != nil {
		return "", &ConsumerError{
			Queue:       spec.Queue,
			ConsumerTag: spec.Tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	ch.store().RecordConsumer(ch, tag, spec, consumer)
	ch.logger.Debug("consumer started",
		zap.String("queue", spec.Queue),
		zap.String("consumer_tag", tag))
	return tag, nil
}

// Cancel stops a consumer and forgets it
func (ch *Channel) Cancel(tag string) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	recorded, _ := ch.store().DeleteRecordedConsumer(tag)
	if err := raw.Cancel(tag); err != nil {
		return &ConsumerError{
			Queue:       recorded.Queue,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// Qos sets the prefetch limits. They are applied again after recovery.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.Qos(prefetchCount, prefetchSize, global); err != nil {
		return &ChannelError{Op: "qos", Number: ch.number, Err: err, Timestamp: time.Now()}
	}

	ch.mu.Lock()
	ch.qos = &qosSettings{prefetchCount: prefetchCount, prefetchSize: prefetchSize, global: global}
	ch.mu.Unlock()
	return nil
}

// Publish sends a message. Publishes are not buffered while the
// connection is recovering; they fail and may be retried by the caller.
func (ch *Channel) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	if err := raw.Publish(ctx, exchange, key, mandatory, immediate, msg); err != nil {
		return &ChannelError{Op: "publish", Number: ch.number, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Ack acknowledges a delivery received on the current physical channel
func (ch *Channel) Ack(deliveryTag uint64, multiple bool) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	return raw.Ack(deliveryTag, multiple)
}

// Nack rejects a delivery received on the current physical channel
func (ch *Channel) Nack(deliveryTag uint64, multiple, requeue bool) error {
	raw, err := ch.current()
	if err != nil {
		return err
	}
	return raw.Nack(deliveryTag, multiple, requeue)
}

// Close closes the channel. Its consumers are forgotten; exchanges,
// queues and bindings declared on it are still recovered.
func (ch *Channel) Close() error {
	ch.mu.RLock()
	closed := ch.closed
	ch.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	ch.conn.unregisterChannel(ch)
	return ch.markClosed(true)
}

// markClosed closes the handle. The physical channel is only closed when
// closeDelegate is set and it is still open.
func (ch *Channel) markClosed(closeDelegate bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	raw := ch.delegate
	ch.mu.Unlock()

	if tags := ch.store().DeleteConsumersOf(ch); len(tags) > 0 {
		ch.logger.Debug("forgot consumers of closed channel", zap.Strings("consumer_tags", tags))
	}

	if !closeDelegate || raw.IsClosed() {
		return nil
	}
	if err := raw.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close", Number: ch.number, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// recover reopens the channel on conn with the same number and applies
// the last prefetch settings
func (ch *Channel) recover(conn broker.Connection) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}

	raw, err := conn.OpenChannel(ch.number)
	if err != nil {
		ch.broken = err
		return err
	}
	if q := ch.qos; q != nil {
		if err := raw.Qos(q.prefetchCount, q.prefetchSize, q.global); err != nil {
			_ = raw.Close()
			ch.broken = fmt.Errorf("reapply qos: %w", err)
			return ch.broken
		}
	}

	ch.delegate = raw
	ch.broken = nil
	ch.logger.Debug("channel recovered")
	return nil
}

func (ch *Channel) notifyRecovered() {
	ch.mu.RLock()
	hooks := append([]ChannelRecoveryHandler(nil), ch.hooks...)
	ch.mu.RUnlock()

	for _, fn := range hooks {
		if err := safeCall(func() { fn(ch) }); err != nil {
			ch.logger.Error("channel recovery hook failed", zap.Error(err))
		}
	}
}
