package topology

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-recovery/internal/broker"
	"github.com/glimte/mmate-recovery/internal/broker/brokertest"
)

// declareQueue declares on the owner's channel and records it, the way a
// channel handle does
func declareQueue(t *testing.T, s *Store, owner *testOwner, spec broker.QueueSpec) string {
	t.Helper()
	q, err := owner.ch.QueueDeclare(spec)
	require.NoError(t, err)
	s.RecordQueue(owner, q.Name, spec, spec.Name == "")
	return q.Name
}

func declareExchange(t *testing.T, s *Store, owner *testOwner, spec broker.ExchangeSpec) {
	t.Helper()
	require.NoError(t, owner.ch.ExchangeDeclare(spec))
	s.RecordExchange(owner, spec)
}

func bindQueue(t *testing.T, s *Store, owner *testOwner, queue, key, exchange string) {
	t.Helper()
	require.NoError(t, owner.ch.QueueBind(queue, key, exchange, nil))
	s.RecordQueueBinding(owner, queue, key, exchange, nil)
}

func consume(t *testing.T, s *Store, owner *testOwner, spec broker.ConsumeSpec, consumer *broker.Consumer) string {
	t.Helper()
	tag, err := owner.ch.Consume(spec, consumer)
	require.NoError(t, err)
	s.RecordConsumer(owner, tag, spec, consumer)
	return tag
}

func TestStoreRecover(t *testing.T) {
	t.Run("replays exchanges, queues, bindings and consumers in order", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareExchange(t, s, owner, broker.ExchangeSpec{Name: "events", Type: "topic", Durable: true})
		name := declareQueue(t, s, owner, broker.QueueSpec{Name: "audit", Durable: true})
		bindQueue(t, s, owner, name, "#", "events")
		consume(t, s, owner, broker.ConsumeSpec{Queue: name, Tag: "auditor"}, &broker.Consumer{})

		before := struct {
			exchanges []RecordedExchange
			queues    []RecordedQueue
			bindings  []RecordedBinding
		}{s.Exchanges(), s.Queues(), s.Bindings()}

		reconnect(t, b, owner)
		b.ResetCalls()

		stats := s.Recover(Hooks{})

		assert.Equal(t, Stats{
			ExchangesRecovered: 1,
			QueuesRecovered:    1,
			BindingsRecovered:  1,
			ConsumersRecovered: 1,
		}, stats)
		assert.Equal(t, []string{
			brokertest.OpExchangeDeclare + " events",
			brokertest.OpQueueDeclare + " audit",
			brokertest.OpQueueBind + " audit",
			brokertest.OpBasicConsume + " audit",
		}, b.Calls())

		assert.Equal(t, before.exchanges[0].Spec(), s.Exchanges()[0].Spec())
		assert.Equal(t, before.queues[0].Spec(), s.Queues()[0].Spec())
		assert.True(t, before.bindings[0].SameIdentity(s.Bindings()[0]))

		queue, ok := b.ConsumerQueue("auditor")
		require.True(t, ok)
		assert.Equal(t, "audit", queue)
	})

	t.Run("server-named queue is renamed before bindings and consumers recover", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareExchange(t, s, owner, broker.ExchangeSpec{Name: "events", Type: "topic"})
		q1 := declareQueue(t, s, owner, broker.QueueSpec{Exclusive: true})
		bindQueue(t, s, owner, q1, "orders.*", "events")
		tag := consume(t, s, owner, broker.ConsumeSpec{Queue: q1, Tag: "watcher"}, &broker.Consumer{})

		reconnect(t, b, owner)

		var renames [][2]string
		stats := s.Recover(Hooks{
			OnQueueRenamed: func(oldName, newName string) {
				renames = append(renames, [2]string{oldName, newName})
			},
		})
		assert.Zero(t, stats.Failures)

		require.Len(t, renames, 1)
		q2 := renames[0][1]
		assert.Equal(t, q1, renames[0][0])
		assert.NotEqual(t, q1, q2)

		_, ok := s.Queue(q1)
		assert.False(t, ok)
		_, ok = s.Queue(q2)
		assert.True(t, ok)

		require.Len(t, s.Bindings(), 1)
		assert.Equal(t, q2, s.Bindings()[0].Destination)
		assert.True(t, b.HasBinding("events", q2, "orders.*"))

		c, ok := s.Consumer(tag)
		require.True(t, ok)
		assert.Equal(t, q2, c.Queue)
		queue, ok := b.ConsumerQueue(tag)
		require.True(t, ok)
		assert.Equal(t, q2, queue)
	})

	t.Run("a failing queue does not stop its siblings", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareExchange(t, s, owner, broker.ExchangeSpec{Name: "ex", Type: "direct"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q-bad"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q-good"})
		bindQueue(t, s, owner, "q-good", "good", "ex")
		consume(t, s, owner, broker.ConsumeSpec{Queue: "q-good", Tag: "good-consumer"}, &broker.Consumer{})

		reconnect(t, b, owner)
		b.ResetCalls()
		boom := errors.New("precondition failed")
		b.Fail(brokertest.OpQueueDeclare, "q-bad", boom)

		var failures []*RecoveryError
		stats := s.Recover(Hooks{
			Reopen:    reopen(b),
			OnFailure: func(err *RecoveryError) { failures = append(failures, err) },
		})

		require.Len(t, failures, 1)
		assert.Equal(t, KindQueue, failures[0].Kind)
		assert.Equal(t, "q-bad", failures[0].Name)
		assert.ErrorIs(t, failures[0], boom)
		assert.Equal(t, 1, stats.Failures)
		assert.Equal(t, 1, stats.QueuesRecovered)
		assert.Equal(t, 1, stats.BindingsRecovered)
		assert.Equal(t, 1, stats.ConsumersRecovered)

		assert.Contains(t, b.Calls(), brokertest.OpQueueBind+" q-good")
		_, ok := b.ConsumerQueue("good-consumer")
		assert.True(t, ok)

		// the failed queue stays recorded for the next recovery
		_, ok = s.Queue("q-bad")
		assert.True(t, ok)
	})

	t.Run("a channel closed by a failed step is reopened for its siblings", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareExchange(t, s, owner, broker.ExchangeSpec{Name: "ex", Type: "direct"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q-bad"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q-good"})
		bindQueue(t, s, owner, "q-bad", "bad", "ex")
		bindQueue(t, s, owner, "q-good", "good", "ex")
		consume(t, s, owner, broker.ConsumeSpec{Queue: "q-good", Tag: "good-consumer"}, &broker.Consumer{})

		reconnect(t, b, owner)
		first := owner.ch
		b.Fail(brokertest.OpQueueDeclare, "q-bad", errors.New("precondition failed"))

		var reopened int
		reopenOwner := reopen(b)
		var failures []string
		stats := s.Recover(Hooks{
			Reopen: func(o Owner) (broker.Channel, error) {
				reopened++
				return reopenOwner(o)
			},
			OnFailure: func(err *RecoveryError) { failures = append(failures, err.Name) },
		})

		assert.True(t, first.IsClosed())
		assert.False(t, owner.ch.IsClosed())
		assert.Equal(t, 1, reopened)
		assert.Equal(t, []string{"q-bad"}, failures)
		assert.Equal(t, 1, stats.QueuesRecovered)
		assert.Equal(t, 2, stats.BindingsRecovered)
		assert.Equal(t, 1, stats.ConsumersRecovered)
		assert.True(t, b.HasQueue("q-good"))
		assert.True(t, b.HasBinding("ex", "q-good", "good"))
		_, ok := b.ConsumerQueue("good-consumer")
		assert.True(t, ok)
	})

	t.Run("declarations move to the fallback channel when the owner cannot be reopened", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareQueue(t, s, owner, broker.QueueSpec{Name: "q-bad"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q-good"})

		reconnect(t, b, owner)
		b.Fail(brokertest.OpQueueDeclare, "q-bad", errors.New("precondition failed"))

		var fallbacks int
		stats := s.Recover(Hooks{
			Fallback: func() (broker.Channel, error) {
				fallbacks++
				return b.Current().OpenChannel(9)
			},
		})

		assert.Equal(t, 1, fallbacks)
		assert.Equal(t, 1, stats.Failures)
		assert.Equal(t, 1, stats.QueuesRecovered)
		assert.True(t, b.HasQueue("q-good"))
	})

	t.Run("failures in every phase are reported with their identity", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareExchange(t, s, owner, broker.ExchangeSpec{Name: "ex", Type: "direct"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q"})
		bindQueue(t, s, owner, "q", "k", "ex")
		consume(t, s, owner, broker.ConsumeSpec{Queue: "q", Tag: "c"}, &broker.Consumer{})

		reconnect(t, b, owner)
		boom := errors.New("boom")
		b.Fail(brokertest.OpExchangeDeclare, "ex", boom)
		b.Fail(brokertest.OpQueueBind, "q", boom)
		b.Fail(brokertest.OpBasicConsume, "q", boom)

		var kinds []Kind
		var names []string
		stats := s.Recover(Hooks{
			Reopen: reopen(b),
			OnFailure: func(err *RecoveryError) {
				kinds = append(kinds, err.Kind)
				names = append(names, err.Name)
			},
		})

		assert.Equal(t, []Kind{KindExchange, KindBinding, KindConsumer}, kinds)
		assert.Equal(t, "ex", names[0])
		assert.Contains(t, names[1], "ex -> q")
		assert.Equal(t, "c", names[2])
		assert.Equal(t, 3, stats.Failures)
		assert.Equal(t, 1, stats.QueuesRecovered)
	})

	t.Run("server-generated consumer tags change and are re-keyed", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareQueue(t, s, owner, broker.QueueSpec{Name: "jobs"})

		var recoverOk []string
		consumer := &broker.Consumer{
			OnRecoverOk: func(tag string) { recoverOk = append(recoverOk, tag) },
		}
		oldTag := consume(t, s, owner, broker.ConsumeSpec{Queue: "jobs"}, consumer)

		reconnect(t, b, owner)

		var changes [][2]string
		s.Recover(Hooks{
			OnConsumerTagChanged: func(o, n string) { changes = append(changes, [2]string{o, n}) },
		})

		require.Len(t, changes, 1)
		newTag := changes[0][1]
		assert.Equal(t, oldTag, changes[0][0])
		assert.NotEqual(t, oldTag, newTag)
		assert.Equal(t, []string{newTag}, recoverOk)

		_, ok := s.Consumer(oldTag)
		assert.False(t, ok)
		c, ok := s.Consumer(newTag)
		require.True(t, ok)
		assert.Same(t, consumer, c.Consumer)
		assert.True(t, c.ServerNamed)

		var delivered []string
		consumer.OnDelivery = func(tag string, d amqp.Delivery) { delivered = append(delivered, tag) }
		require.True(t, b.Deliver("jobs", []byte("hello")))
		assert.Equal(t, []string{newTag}, delivered)
	})

	t.Run("entities of a closed channel replay on the fallback channel", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareExchange(t, s, owner, broker.ExchangeSpec{Name: "ex", Type: "fanout"})
		declareQueue(t, s, owner, broker.QueueSpec{Name: "q"})
		bindQueue(t, s, owner, "q", "", "ex")
		owner.closed = true

		b.DropConnections()
		fallback := openOwner(t, b, 9)
		b.ResetCalls()
		opened := 0

		stats := s.Recover(Hooks{
			Fallback: func() (broker.Channel, error) {
				opened++
				return fallback.ch, nil
			},
		})

		assert.Zero(t, stats.Failures)
		assert.Equal(t, 3, opened)
		assert.Equal(t, []string{
			brokertest.OpExchangeDeclare + " ex",
			brokertest.OpQueueDeclare + " q",
			brokertest.OpQueueBind + " q",
		}, b.Calls())
	})

	t.Run("consumers of a closed channel are not recovered", func(t *testing.T) {
		b := brokertest.New()
		owner := openOwner(t, b, 1)
		s := NewStore()

		declareQueue(t, s, owner, broker.QueueSpec{Name: "q"})
		consume(t, s, owner, broker.ConsumeSpec{Queue: "q", Tag: "c"}, &broker.Consumer{})
		owner.closed = true
		b.DropConnections()

		var failures []*RecoveryError
		s.Recover(Hooks{
			Fallback:  func() (broker.Channel, error) { return openOwner(t, b, 2).ch, nil },
			OnFailure: func(err *RecoveryError) { failures = append(failures, err) },
		})

		require.Len(t, failures, 1)
		assert.Equal(t, KindConsumer, failures[0].Kind)
		assert.ErrorIs(t, failures[0], ErrOwnerClosed)
	})
}
