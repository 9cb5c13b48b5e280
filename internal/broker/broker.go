package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens physical connections to a broker
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, cfg DialConfig) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, cfg DialConfig) (Connection, error) {
	return f(ctx, cfg)
}

// Executor runs consumer callbacks. A nil Executor runs them on the
// delivery goroutine of the consumer.
type Executor interface {
	Go(fn func())
}

// DialConfig is passed through to the underlying connect call
type DialConfig struct {
	Addresses      []string
	ConnectionName string
	Executor       Executor
}

// Connection is a single physical broker connection
type Connection interface {
	// OpenChannel opens a channel identified by number.
	OpenChannel(number uint16) (Channel, error)
	// NotifyShutdown registers fn to be called once, on the broker client's
	// goroutine, when the connection goes away.
	NotifyShutdown(fn func(ShutdownSignal))
	// NotifyBlocked registers fn to receive connection.blocked and
	// connection.unblocked notifications.
	NotifyBlocked(fn func(Blocking))
	Close(timeout time.Duration) error
	Abort()
	IsOpen() bool
	ServerProperties() amqp.Table
}

// Channel is a single AMQP channel on a physical connection
type Channel interface {
	Number() uint16

	ExchangeDeclare(spec ExchangeSpec) error
	ExchangeDelete(name string, ifUnused bool) error
	ExchangeBind(destination, key, source string, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, args amqp.Table) error

	QueueDeclare(spec QueueSpec) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty bool) (int, error)
	QueueBind(queue, key, exchange string, args amqp.Table) error
	QueueUnbind(queue, key, exchange string, args amqp.Table) error
	QueuePurge(name string) (int, error)

	// Consume starts a consumer and returns the tag it was registered
	// under. An empty tag in spec asks for a generated one.
	Consume(spec ConsumeSpec, consumer *Consumer) (string, error)
	Cancel(tag string) error

	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(deliveryTag uint64, multiple bool) error
	Nack(deliveryTag uint64, multiple, requeue bool) error

	Close() error
	IsClosed() bool
}

// ExchangeSpec holds the parameters of exchange.declare
type ExchangeSpec struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueSpec holds the parameters of queue.declare
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  amqp.Table
}

// ConsumeSpec holds the parameters of basic.consume
type ConsumeSpec struct {
	Queue     string
	Tag       string
	AutoAck   bool
	Exclusive bool
	Arguments amqp.Table
}

// Blocking is a connection.blocked / connection.unblocked notification
type Blocking struct {
	Active bool
	Reason string
}

// ShutdownSignal describes why a connection or channel went away
type ShutdownSignal struct {
	Code   int
	Reason string
	// ApplicationInitiated is set when the closure was requested by
	// this client rather than caused by the network or the broker.
	ApplicationInitiated bool
	Cause                error
}

func (s ShutdownSignal) String() string {
	initiator := "network"
	if s.ApplicationInitiated {
		initiator = "application"
	}
	if s.Cause != nil {
		return fmt.Sprintf("shutdown (%s): %d %s: %v", initiator, s.Code, s.Reason, s.Cause)
	}
	return fmt.Sprintf("shutdown (%s): %d %s", initiator, s.Code, s.Reason)
}

// ReplySuccess is the reply code of a clean connection.close
const ReplySuccess = 200

// ShutdownFromError builds a ShutdownSignal from an *amqp.Error delivered on
// a NotifyClose channel. A nil error means the close was requested locally.
func ShutdownFromError(err *amqp.Error) ShutdownSignal {
	if err == nil {
		return ShutdownSignal{
			Code:                 ReplySuccess,
			Reason:               "closed by application",
			ApplicationInitiated: true,
		}
	}
	return ShutdownSignal{
		Code:   err.Code,
		Reason: err.Reason,
		Cause:  err,
	}
}
