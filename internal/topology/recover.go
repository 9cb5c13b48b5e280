package topology

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// Hooks lets the caller observe topology replay
type Hooks struct {
	// Fallback supplies a channel for entities whose owning channel was
	// closed by the application, or could not be reopened. May be nil.
	Fallback func() (broker.Channel, error)
	// Reopen replaces the physical channel of owner after the broker closed
	// it, which it does on every failed declare, bind or consume. May be nil.
	Reopen func(owner Owner) (broker.Channel, error)
	// OnFailure is called once per entity that could not be recovered
	OnFailure func(err *RecoveryError)
	// OnRecovered is called once per entity that was recovered
	OnRecovered func(kind Kind, name string)
	// OnQueueRenamed is called after a server-named queue got a new name
	// and the store has been updated
	OnQueueRenamed func(oldName, newName string)
	// OnConsumerTagChanged is called after a consumer got a new tag and
	// the store has been updated
	OnConsumerTagChanged func(oldTag, newTag string)
}

// Stats counts the outcome of a replay
type Stats struct {
	ExchangesRecovered int
	QueuesRecovered    int
	BindingsRecovered  int
	ConsumersRecovered int
	Failures           int
}

// Recover replays the recorded topology: exchanges, then queues, then
// bindings, then consumers. A failing entity is reported and skipped.
func (s *Store) Recover(h Hooks) Stats {
	var stats Stats
	s.RecoverExchanges(h, &stats)
	s.RecoverQueues(h, &stats)
	s.RecoverBindings(h, &stats)
	s.RecoverConsumers(h, &stats)
	return stats
}

// RecoverExchanges re-declares every recorded exchange
func (s *Store) RecoverExchanges(h Hooks, stats *Stats) {
	for _, e := range s.Exchanges() {
		ch, err := resolve(e.owner, h)
		if err == nil {
			err = e.Recover(ch)
		}
		if err != nil {
			s.fail(h, stats, newRecoveryError(KindExchange, e.Name, err))
			continue
		}
		stats.ExchangesRecovered++
		s.recovered(h, KindExchange, e.Name)
	}
}

// RecoverQueues re-declares every recorded queue. Renames are written back
// to the store before this returns, so bindings and consumers recovered
// afterwards target the new names.
func (s *Store) RecoverQueues(h Hooks, stats *Stats) {
	for _, q := range s.Queues() {
		ch, err := resolve(q.owner, h)
		if err != nil {
			s.fail(h, stats, newRecoveryError(KindQueue, q.Name, err))
			continue
		}

		ok, err := q.Recover(ch)
		if err != nil {
			s.fail(h, stats, newRecoveryError(KindQueue, q.Name, err))
			continue
		}
		stats.QueuesRecovered++

		if ok.Name != q.Name {
			if !s.RenameQueue(q.Name, ok.Name) {
				// deleted by the application while we were declaring it
				s.logger.Debug("queue deleted during recovery",
					zap.String("queue", q.Name))
				continue
			}
			s.logger.Info("queue name changed during recovery",
				zap.String("old", q.Name),
				zap.String("new", ok.Name))
			if h.OnQueueRenamed != nil {
				h.OnQueueRenamed(q.Name, ok.Name)
			}
		}
		s.recovered(h, KindQueue, ok.Name)
	}
}

// RecoverBindings re-issues every recorded binding
func (s *Store) RecoverBindings(h Hooks, stats *Stats) {
	for _, b := range s.Bindings() {
		ch, err := resolve(b.owner, h)
		if err == nil {
			err = b.Recover(ch)
		}
		if err != nil {
			s.fail(h, stats, newRecoveryError(KindBinding, b.String(), err))
			continue
		}
		stats.BindingsRecovered++
		s.recovered(h, KindBinding, b.String())
	}
}

// RecoverConsumers restarts every recorded consumer with its callbacks
func (s *Store) RecoverConsumers(h Hooks, stats *Stats) {
	for _, c := range s.Consumers() {
		ch, err := channelOf(c.owner, h)
		if err == nil && ch.IsClosed() {
			err = amqp.ErrClosed
		}
		if err != nil {
			// consumers die with their channel
			s.fail(h, stats, newRecoveryError(KindConsumer, c.Tag, err))
			continue
		}

		tag, err := c.Recover(ch)
		if err != nil {
			s.fail(h, stats, newRecoveryError(KindConsumer, c.Tag, err))
			continue
		}
		stats.ConsumersRecovered++

		if tag != c.Tag {
			if !s.RenameConsumer(c.Tag, tag) {
				// cancelled by the application while we were recovering it
				_ = ch.Cancel(tag)
				continue
			}
			if h.OnConsumerTagChanged != nil {
				h.OnConsumerTagChanged(c.Tag, tag)
			}
		}
		s.recovered(h, KindConsumer, tag)
	}
}

func (s *Store) fail(h Hooks, stats *Stats, err *RecoveryError) {
	stats.Failures++
	if h.OnFailure != nil {
		h.OnFailure(err)
	}
}

func (s *Store) recovered(h Hooks, kind Kind, name string) {
	s.logger.Debug("entity recovered",
		zap.String("kind", string(kind)),
		zap.String("name", name))
	if h.OnRecovered != nil {
		h.OnRecovered(kind, name)
	}
}

// channelOf returns the physical channel of owner, reopening it when an
// earlier failure in the replay got it closed
func channelOf(owner Owner, h Hooks) (broker.Channel, error) {
	ch, err := owner.Delegate()
	if err != nil || !ch.IsClosed() || h.Reopen == nil {
		return ch, err
	}
	return h.Reopen(owner)
}

// resolve picks the channel a declaration is replayed on
func resolve(owner Owner, h Hooks) (broker.Channel, error) {
	ch, err := channelOf(owner, h)
	if err == nil && !ch.IsClosed() {
		return ch, nil
	}
	if h.Fallback == nil {
		if err == nil {
			err = amqp.ErrClosed
		}
		return nil, err
	}
	return h.Fallback()
}
