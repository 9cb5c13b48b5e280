package topology

import (
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// Store records every exchange, queue, binding and consumer declared on a
// connection so they can be replayed after the connection is recovered.
// A single mutex guards all four collections; application goroutines and
// the recovery goroutine both go through it.
type Store struct {
	mu        sync.Mutex
	seq       uint64
	exchanges map[string]*RecordedExchange
	queues    map[string]*RecordedQueue
	bindings  []*RecordedBinding
	consumers map[string]*RecordedConsumer
	logger    *zap.Logger
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty store
func NewStore(options ...StoreOption) *Store {
	s := &Store{
		exchanges: make(map[string]*RecordedExchange),
		queues:    make(map[string]*RecordedQueue),
		consumers: make(map[string]*RecordedConsumer),
		logger:    zap.NewNop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) next() uint64 {
	s.seq++
	return s.seq
}

// RecordExchange records an exchange declaration, replacing any previous
// record with the same name. Predefined exchanges are ignored.
func (s *Store) RecordExchange(owner Owner, spec broker.ExchangeSpec) {
	if IsPredefinedExchange(spec.Name) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.exchanges[spec.Name] = &RecordedExchange{
		owner:      owner,
		seq:        s.next(),
		Name:       spec.Name,
		Type:       spec.Type,
		Durable:    spec.Durable,
		AutoDelete: spec.AutoDelete,
		Internal:   spec.Internal,
		Arguments:  cloneTable(spec.Arguments),
	}
}

// DeleteRecordedExchange forgets an exchange and every binding it is the
// source or destination of
func (s *Store) DeleteRecordedExchange(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.exchanges, name)
	s.removeBindingsLocked(func(b *RecordedBinding) bool {
		return b.Source == name || (b.ExchangeBinding && b.Destination == name)
	})
}

// RecordQueue records a queue declaration under the name the broker
// returned. serverNamed marks queues declared with an empty name.
func (s *Store) RecordQueue(owner Owner, name string, spec broker.QueueSpec, serverNamed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[name] = &RecordedQueue{
		owner:       owner,
		seq:         s.next(),
		Name:        name,
		Durable:     spec.Durable,
		Exclusive:   spec.Exclusive,
		AutoDelete:  spec.AutoDelete,
		Arguments:   cloneTable(spec.Arguments),
		ServerNamed: serverNamed,
	}
}

// DeleteRecordedQueue forgets a queue together with the bindings to it and
// the consumers on it
func (s *Store) DeleteRecordedQueue(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteQueueLocked(name)
}

func (s *Store) deleteQueueLocked(name string) {
	delete(s.queues, name)
	s.removeBindingsLocked(func(b *RecordedBinding) bool {
		return !b.ExchangeBinding && b.Destination == name
	})
	for tag, c := range s.consumers {
		if c.Queue == name {
			delete(s.consumers, tag)
		}
	}
}

// RecordQueueBinding records queue.bind. Recording the same tuple twice
// keeps a single entry.
func (s *Store) RecordQueueBinding(owner Owner, queue, key, exchange string, args amqp.Table) {
	s.recordBinding(&RecordedBinding{
		owner:       owner,
		Source:      exchange,
		Destination: queue,
		RoutingKey:  key,
		Arguments:   cloneTable(args),
	})
}

// RecordExchangeBinding records exchange.bind. Recording the same tuple
// twice keeps a single entry.
func (s *Store) RecordExchangeBinding(owner Owner, destination, key, source string, args amqp.Table) {
	s.recordBinding(&RecordedBinding{
		owner:           owner,
		ExchangeBinding: true,
		Source:          source,
		Destination:     destination,
		RoutingKey:      key,
		Arguments:       cloneTable(args),
	})
}

func (s *Store) recordBinding(b *RecordedBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.bindings {
		if existing.SameIdentity(*b) {
			// keep position, replay on the most recent channel
			existing.owner = b.owner
			return
		}
	}
	b.seq = s.next()
	s.bindings = append(s.bindings, b)
}

// DeleteRecordedQueueBinding forgets a queue binding. An auto-delete
// source exchange left without bindings is forgotten as well.
func (s *Store) DeleteRecordedQueueBinding(queue, key, exchange string, args amqp.Table) {
	s.deleteBinding(RecordedBinding{
		Source:      exchange,
		Destination: queue,
		RoutingKey:  key,
		Arguments:   args,
	})
}

// DeleteRecordedExchangeBinding forgets an exchange binding. An
// auto-delete source exchange left without bindings is forgotten as well.
func (s *Store) DeleteRecordedExchangeBinding(destination, key, source string, args amqp.Table) {
	s.deleteBinding(RecordedBinding{
		ExchangeBinding: true,
		Source:          source,
		Destination:     destination,
		RoutingKey:      key,
		Arguments:       args,
	})
}

func (s *Store) deleteBinding(target RecordedBinding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeBindingsLocked(func(b *RecordedBinding) bool {
		return b.SameIdentity(target)
	})

	ex, ok := s.exchanges[target.Source]
	if !ok || !ex.AutoDelete {
		return
	}
	for _, b := range s.bindings {
		if b.Source == target.Source {
			return
		}
	}
	s.logger.Debug("forgetting auto-delete exchange without bindings",
		zap.String("exchange", target.Source))
	delete(s.exchanges, target.Source)
}

func (s *Store) removeBindingsLocked(match func(*RecordedBinding) bool) {
	kept := make([]*RecordedBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		if !match(b) {
			kept = append(kept, b)
		}
	}
	s.bindings = kept
}

// RecordConsumer records a consumer under the tag it was registered with
func (s *Store) RecordConsumer(owner Owner, tag string, spec broker.ConsumeSpec, consumer *broker.Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumers[tag] = &RecordedConsumer{
		owner:       owner,
		seq:         s.next(),
		Queue:       spec.Queue,
		Tag:         tag,
		Consumer:    consumer,
		AutoAck:     spec.AutoAck,
		Exclusive:   spec.Exclusive,
		Arguments:   cloneTable(spec.Arguments),
		ServerNamed: spec.Tag == "",
	}
}

// DeleteRecordedConsumer forgets a consumer. If it was the last consumer
// of an auto-delete queue, the broker deletes that queue, so it is
// forgotten too.
func (s *Store) DeleteRecordedConsumer(tag string) (RecordedConsumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consumers[tag]
	if !ok {
		return RecordedConsumer{}, false
	}
	delete(s.consumers, tag)

	if q, ok := s.queues[c.Queue]; ok && q.AutoDelete {
		for _, other := range s.consumers {
			if other.Queue == c.Queue {
				return *c, true
			}
		}
		s.logger.Debug("forgetting auto-delete queue without consumers",
			zap.String("queue", c.Queue))
		s.deleteQueueLocked(c.Queue)
	}
	return *c, true
}

// DeleteConsumersOf forgets every consumer running on owner and returns
// their tags
func (s *Store) DeleteConsumersOf(owner Owner) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tags []string
	for tag, c := range s.consumers {
		if c.owner == owner {
			delete(s.consumers, tag)
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Exchange returns the recorded exchange with the given name
func (s *Store) Exchange(name string) (RecordedExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exchanges[name]
	if !ok {
		return RecordedExchange{}, false
	}
	return *e, true
}

// Queue returns the recorded queue with the given name
func (s *Store) Queue(name string) (RecordedQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return RecordedQueue{}, false
	}
	return *q, true
}

// Consumer returns the recorded consumer with the given tag
func (s *Store) Consumer(tag string) (RecordedConsumer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[tag]
	if !ok {
		return RecordedConsumer{}, false
	}
	return *c, true
}

// Exchanges returns a snapshot of the recorded exchanges in recording order
func (s *Store) Exchanges() []RecordedExchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecordedExchange, 0, len(s.exchanges))
	for _, e := range s.exchanges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Queues returns a snapshot of the recorded queues in recording order
func (s *Store) Queues() []RecordedQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecordedQueue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Bindings returns a snapshot of the recorded bindings in recording order
func (s *Store) Bindings() []RecordedBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecordedBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, *b)
	}
	return out
}

// Consumers returns a snapshot of the recorded consumers in recording order
func (s *Store) Consumers() []RecordedConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecordedConsumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// RenameQueue moves a queue from oldName to newName and retargets every
// queue binding and consumer that referenced oldName. The rewrite builds
// new records and swaps them in under the lock. It reports false when
// oldName is no longer recorded.
func (s *Store) RenameQueue(oldName, newName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[oldName]
	if !ok {
		return false
	}
	if oldName == newName {
		return true
	}

	renamed := *q
	renamed.Name = newName
	delete(s.queues, oldName)
	s.queues[newName] = &renamed

	bindings := make([]*RecordedBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		if !b.ExchangeBinding && b.Destination == oldName {
			retargeted := *b
			retargeted.Destination = newName
			b = &retargeted
		}
		bindings = append(bindings, b)
	}
	s.bindings = bindings

	consumers := make(map[string]*RecordedConsumer, len(s.consumers))
	for tag, c := range s.consumers {
		if c.Queue == oldName {
			retargeted := *c
			retargeted.Queue = newName
			c = &retargeted
		}
		consumers[tag] = c
	}
	s.consumers = consumers

	return true
}

// RenameConsumer moves a consumer from oldTag to newTag. It reports false
// when oldTag is no longer recorded.
func (s *Store) RenameConsumer(oldTag, newTag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consumers[oldTag]
	if !ok {
		return false
	}
	if oldTag == newTag {
		return true
	}

	renamed := *c
	renamed.Tag = newTag
	delete(s.consumers, oldTag)
	s.consumers[newTag] = &renamed
	return true
}
