package topology

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// ErrOwnerClosed is returned by Owner.Delegate when the owning channel was
// closed by the application
var ErrOwnerClosed = errors.New("topology: owning channel is closed")

// Owner is the channel handle an entity was declared on. Records keep it
// as a non-owning reference and replay through whatever physical channel
// it currently holds.
type Owner interface {
	Number() uint16
	Delegate() (broker.Channel, error)
}

// Kind identifies the type of a recorded entity
type Kind string

const (
	KindExchange Kind = "exchange"
	KindQueue    Kind = "queue"
	KindBinding  Kind = "binding"
	KindConsumer Kind = "consumer"
	KindChannel  Kind = "channel"
)

// IsPredefinedExchange reports whether name is the default exchange or an
// amq.* exchange. Those always exist and are never recorded.
func IsPredefinedExchange(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}

// RecordedExchange is an exchange declared by the application
type RecordedExchange struct {
	owner Owner
	seq   uint64

	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// Owner returns the channel the exchange was declared on
func (e RecordedExchange) Owner() Owner {
	return e.owner
}

// Spec returns the exchange.declare parameters
func (e RecordedExchange) Spec() broker.ExchangeSpec {
	return broker.ExchangeSpec{
		Name:       e.Name,
		Type:       e.Type,
		Durable:    e.Durable,
		AutoDelete: e.AutoDelete,
		Internal:   e.Internal,
		Arguments:  e.Arguments,
	}
}

// Recover re-declares the exchange. Its name never changes.
func (e RecordedExchange) Recover(ch broker.Channel) error {
	return ch.ExchangeDeclare(e.Spec())
}

// RecordedQueue is a queue declared by the application
type RecordedQueue struct {
	owner Owner
	seq   uint64

	Name        string
	Durable     bool
	Exclusive   bool
	AutoDelete  bool
	Arguments   amqp.Table
	ServerNamed bool
}

// Owner returns the channel the queue was declared on
func (q RecordedQueue) Owner() Owner {
	return q.owner
}

// NameForRecovery is the name sent in queue.declare on recovery: empty
// for server-named queues so the broker generates a fresh one.
func (q RecordedQueue) NameForRecovery() string {
	if q.ServerNamed {
		return ""
	}
	return q.Name
}

// Spec returns the queue.declare parameters used on recovery
func (q RecordedQueue) Spec() broker.QueueSpec {
	return broker.QueueSpec{
		Name:       q.NameForRecovery(),
		Durable:    q.Durable,
		Exclusive:  q.Exclusive,
		AutoDelete: q.AutoDelete,
		Arguments:  q.Arguments,
	}
}

// Recover re-declares the queue and returns the broker's declare-ok,
// which carries the name the queue now has.
func (q RecordedQueue) Recover(ch broker.Channel) (amqp.Queue, error) {
	return ch.QueueDeclare(q.Spec())
}

// RecordedBinding is a queue or exchange binding declared by the application.
// Identity is (kind, source, destination, routing key, arguments).
type RecordedBinding struct {
	owner Owner
	seq   uint64

	// ExchangeBinding is set for exchange-to-exchange bindings
	ExchangeBinding bool
	Source          string
	Destination     string
	RoutingKey      string
	Arguments       amqp.Table
}

// Owner returns the channel the binding was declared on
func (b RecordedBinding) Owner() Owner {
	return b.owner
}

// SameIdentity reports whether both bindings describe the same tuple
func (b RecordedBinding) SameIdentity(other RecordedBinding) bool {
	return b.ExchangeBinding == other.ExchangeBinding &&
		b.Source == other.Source &&
		b.Destination == other.Destination &&
		b.RoutingKey == other.RoutingKey &&
		sameTable(b.Arguments, other.Arguments)
}

func (b RecordedBinding) String() string {
	kind := "queue"
	if b.ExchangeBinding {
		kind = "exchange"
	}
	return fmt.Sprintf("%s binding %s -> %s (%q)", kind, b.Source, b.Destination, b.RoutingKey)
}

// Recover re-issues the bind with the current source and destination
func (b RecordedBinding) Recover(ch broker.Channel) error {
	if b.ExchangeBinding {
		return ch.ExchangeBind(b.Destination, b.RoutingKey, b.Source, b.Arguments)
	}
	return ch.QueueBind(b.Destination, b.RoutingKey, b.Source, b.Arguments)
}

// RecordedConsumer is a consumer started by the application
type RecordedConsumer struct {
	owner Owner
	seq   uint64

	Queue     string
	Tag       string
	Consumer  *broker.Consumer
	AutoAck   bool
	Exclusive bool
	Arguments amqp.Table
	// ServerNamed is set when the tag was generated rather than chosen
	// by the application
	ServerNamed bool
}

// Owner returns the channel the consumer runs on
func (c RecordedConsumer) Owner() Owner {
	return c.owner
}

// Spec returns the basic.consume parameters used on recovery
func (c RecordedConsumer) Spec() broker.ConsumeSpec {
	tag := c.Tag
	if c.ServerNamed {
		tag = ""
	}
	return broker.ConsumeSpec{
		Queue:     c.Queue,
		Tag:       tag,
		AutoAck:   c.AutoAck,
		Exclusive: c.Exclusive,
		Arguments: c.Arguments,
	}
}

// Recover restarts the consumer with the same callbacks and returns the
// tag it now runs under
func (c RecordedConsumer) Recover(ch broker.Channel) (string, error) {
	tag, err := ch.Consume(c.Spec(), c.Consumer)
	if err != nil {
		return "", err
	}
	c.Consumer.HandleRecoverOk(tag)
	return tag, nil
}

func sameTable(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
