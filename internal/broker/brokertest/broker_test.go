package brokertest

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-recovery/internal/broker"
)

func openChannel(t *testing.T, b *Broker) broker.Channel {
	t.Helper()
	conn, err := b.Dialer().Dial(context.Background(), broker.DialConfig{})
	require.NoError(t, err)
	ch, err := conn.OpenChannel(1)
	require.NoError(t, err)
	return ch
}

func TestChannelErrors(t *testing.T) {
	t.Run("injected failure closes the channel and drops its consumers", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare(broker.QueueSpec{Name: "jobs"})
		require.NoError(t, err)
		_, err = ch.Consume(broker.ConsumeSpec{Queue: "jobs", Tag: "worker"}, &broker.Consumer{})
		require.NoError(t, err)

		boom := errors.New("precondition failed")
		b.Fail(OpQueueDeclare, "other", boom)
		_, err = ch.QueueDeclare(broker.QueueSpec{Name: "other"})

		assert.ErrorIs(t, err, boom)
		assert.True(t, ch.IsClosed())
		assert.Equal(t, 0, b.ConsumerCount())
		assert.True(t, b.HasQueue("jobs"))
		assert.ErrorIs(t, ch.ExchangeDeclare(broker.ExchangeSpec{Name: "x", Type: "direct"}), amqp.ErrClosed)
	})

	t.Run("missing queue closes the channel", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)

		err := ch.QueueBind("missing", "k", "amq.direct", nil)

		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, ch.IsClosed())
	})

	t.Run("closed channel number can be opened again", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)
		_, err := ch.Consume(broker.ConsumeSpec{Queue: "missing"}, &broker.Consumer{})
		require.ErrorIs(t, err, ErrNotFound)

		reopened, err := b.Current().OpenChannel(1)
		require.NoError(t, err)
		assert.False(t, reopened.IsClosed())
		assert.Equal(t, []uint16{1}, b.Current().OpenChannels())
	})

	t.Run("publishing to a missing exchange keeps the channel open", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)

		err := ch.Publish(context.Background(), "missing", "k", false, false, amqp.Publishing{})

		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, ch.IsClosed())
	})

	t.Run("cleared failure lets the operation through", func(t *testing.T) {
		b := New()
		ch := openChannel(t, b)
		b.Fail(OpExchangeDeclare, "events", assert.AnError)
		b.Fail(OpExchangeDeclare, "events", nil)

		require.NoError(t, ch.ExchangeDeclare(broker.ExchangeSpec{Name: "events", Type: "topic"}))
		assert.False(t, ch.IsClosed())
		assert.Equal(t, []string{OpChannelOpen + " 1", OpExchangeDeclare + " events"}, b.Calls())
	})
}
