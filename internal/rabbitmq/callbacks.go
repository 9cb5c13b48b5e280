package rabbitmq

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// RecoveryHandler is called with the connection once a recovery completed
type RecoveryHandler func(conn *Connection)

// ChannelRecoveryHandler is called with a channel once its connection
// recovered
type ChannelRecoveryHandler func(ch *Channel)

// ShutdownListener is called whenever the physical connection shuts down
type ShutdownListener func(sig broker.ShutdownSignal)

// QueueRecoveryListener is called when a server-named queue got a new name
type QueueRecoveryListener func(oldName, newName string)

// ConsumerRecoveryListener is called when a consumer got a new tag
type ConsumerRecoveryListener func(oldTag, newTag string)

// RecoveryFailureListener is called for each entity that failed to recover
type RecoveryFailureListener func(err *EntityRecoveryError)

// ListenerID identifies a registered listener for removal
type ListenerID uint64

// callbackRegistry is an ordered list of recovery callbacks. There is no
// removal and no deduplication.
type callbackRegistry struct {
	mu        sync.Mutex
	callbacks []RecoveryHandler
}

func (r *callbackRegistry) add(fn RecoveryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

func (r *callbackRegistry) snapshot() []RecoveryHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecoveryHandler(nil), r.callbacks...)
}

// invoke calls every callback in registration order. A panicking callback
// is logged and the rest still run.
func (r *callbackRegistry) invoke(conn *Connection, logger *zap.Logger) {
	for i, fn := range r.snapshot() {
		if err := safeCall(func() { fn(conn) }); err != nil {
			logger.Error("recovery callback failed",
				zap.Int("index", i),
				zap.Error(err))
		}
	}
}

type blockedListener struct {
	id        ListenerID
	blocked   func(reason string)
	unblocked func()
}

type shutdownListener struct {
	id ListenerID
	fn ShutdownListener
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in callback: %v", r)
		}
	}()
	fn()
	return nil
}
