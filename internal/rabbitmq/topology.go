package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string     `yaml:"name"`
	Type       string     `yaml:"type"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"auto_delete"`
	Internal   bool       `yaml:"internal"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// QueueDeclaration defines a queue to be declared. An empty name asks
// the broker to generate one.
type QueueDeclaration struct {
	Name       string     `yaml:"name"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"auto_delete"`
	Exclusive  bool       `yaml:"exclusive"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string     `yaml:"queue"`
	Exchange   string     `yaml:"exchange"`
	RoutingKey string     `yaml:"routing_key"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// Topology is a set of exchanges, queues and bindings declared together
type Topology struct {
	Exchanges []ExchangeDeclaration `yaml:"exchanges"`
	Queues    []QueueDeclaration    `yaml:"queues"`
	Bindings  []Binding             `yaml:"bindings"`
}

// DeclareTopology declares exchanges, then queues, then bindings on ch.
// Everything is recorded and recovered like any other declaration. The
// returned map holds the broker-side name of every queue, keyed by its
// declared name.
func (ch *Channel) DeclareTopology(topology Topology) (map[string]string, error) {
	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(exchange.spec()); err != nil {
			return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
		}
	}

	names := make(map[string]string, len(topology.Queues))
	for _, queue := range topology.Queues {
		q, err := ch.QueueDeclare(queue.spec())
		if err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
		}
		names[queue.Name] = q.Name
	}

	for _, binding := range topology.Bindings {
		queue := binding.Queue
		if actual, ok := names[queue]; ok {
			queue = actual
		}
		if err := ch.QueueBind(queue, binding.RoutingKey, binding.Exchange, binding.Arguments); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s to exchange %s: %w",
				binding.Queue, binding.Exchange, err)
		}
	}

	return names, nil
}

// DeclareQueueWithDLQ declares queueName dead-lettering into dlqName
// through the dlx exchange
func (ch *Channel) DeclareQueueWithDLQ(queueName, dlqName, dlx string) error {
	_, err := ch.DeclareTopology(Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlqName, Durable: true},
			{
				Name:    queueName,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    dlx,
					"x-dead-letter-routing-key": dlqName,
				},
			},
		},
		Bindings: []Binding{
			{Queue: dlqName, Exchange: dlx, RoutingKey: dlqName},
		},
	})
	return err
}

func (e ExchangeDeclaration) spec() broker.ExchangeSpec {
	return broker.ExchangeSpec{
		Name:       e.Name,
		Type:       e.Type,
		Durable:    e.Durable,
		AutoDelete: e.AutoDelete,
		Internal:   e.Internal,
		Arguments:  e.Arguments,
	}
}

func (q QueueDeclaration) spec() broker.QueueSpec {
	return broker.QueueSpec{
		Name:       q.Name,
		Durable:    q.Durable,
		Exclusive:  q.Exclusive,
		AutoDelete: q.AutoDelete,
		Arguments:  q.Arguments,
	}
}
