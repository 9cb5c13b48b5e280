package rabbitmq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-recovery/internal/broker"
	"github.com/glimte/mmate-recovery/internal/broker/brokertest"
)

func TestDeclareTopology(t *testing.T) {
	t.Run("declares and records the whole manifest", func(t *testing.T) {
		b := brokertest.New()
		conn := newTestConnection(t, b, fastConfig())
		ch, err := conn.CreateChannel()
		require.NoError(t, err)

		names, err := ch.DeclareTopology(Topology{
			Exchanges: []ExchangeDeclaration{{Name: "events", Type: "topic", Durable: true}},
			Queues: []QueueDeclaration{
				{Name: "audit", Durable: true},
				{Exclusive: true},
			},
			Bindings: []Binding{
				{Queue: "audit", Exchange: "events", RoutingKey: "#"},
				{Queue: "", Exchange: "events", RoutingKey: "user.*"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "audit", names["audit"])
		generated := names[""]
		assert.NotEmpty(t, generated)
		assert.True(t, b.HasBinding("events", "audit", "#"))
		assert.True(t, b.HasBinding("events", generated, "user.*"))

		assert.Len(t, conn.Topology().Exchanges(), 1)
		assert.Len(t, conn.Topology().Queues(), 2)
		assert.Len(t, conn.Topology().Bindings(), 2)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		b := brokertest.New()
		conn := newTestConnection(t, b, fastConfig())
		ch, err := conn.CreateChannel()
		require.NoError(t, err)

		boom := errors.New("access refused")
		b.Fail(brokertest.OpQueueDeclare, "locked", boom)

		_, err = ch.DeclareTopology(Topology{
			Queues:   []QueueDeclaration{{Name: "locked"}, {Name: "never"}},
			Bindings: []Binding{{Queue: "never", Exchange: "amq.direct"}},
		})
		assert.ErrorIs(t, err, boom)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.False(t, b.HasQueue("never"))
		assert.Empty(t, conn.Topology().Queues())
	})

	t.Run("dead letter queue is recovered with its arguments", func(t *testing.T) {
		b := brokertest.New()
		conn := newTestConnection(t, b, fastConfig())
		done := recoveries(conn)
		ch, err := conn.CreateChannel()
		require.NoError(t, err)

		require.NoError(t, ch.DeclareQueueWithDLQ("orders", "orders.dlq", "dlx"))

		b.DropConnections()
		waitFor(t, done)

		spec, ok := b.Queue("orders")
		require.True(t, ok)
		assert.Equal(t, "dlx", spec.Arguments["x-dead-letter-exchange"])
		assert.True(t, b.HasBinding("dlx", "orders.dlq", "orders.dlq"))
	})

	t.Run("deleting a queue forgets its bindings and consumers", func(t *testing.T) {
		b := brokertest.New()
		conn := newTestConnection(t, b, fastConfig())
		ch, err := conn.CreateChannel()
		require.NoError(t, err)

		_, err = ch.DeclareTopology(Topology{
			Exchanges: []ExchangeDeclaration{{Name: "ex", Type: "direct"}},
			Queues:    []QueueDeclaration{{Name: "q"}},
			Bindings:  []Binding{{Queue: "q", Exchange: "ex", RoutingKey: "k"}},
		})
		require.NoError(t, err)
		_, err = ch.Consume(broker.ConsumeSpec{Queue: "q", Tag: "c"}, &broker.Consumer{})
		require.NoError(t, err)

		_, err = ch.QueueDelete("q", false, false)
		require.NoError(t, err)

		assert.Empty(t, conn.Topology().Queues())
		assert.Empty(t, conn.Topology().Bindings())
		assert.Empty(t, conn.Topology().Consumers())
		assert.Len(t, conn.Topology().Exchanges(), 1)
	})
}
