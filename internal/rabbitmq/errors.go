package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-recovery/internal/topology"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrAlreadyConnected   = errors.New("rabbitmq: connection already established")

	// Channel errors
	ErrChannelClosed      = errors.New("rabbitmq: channel is closed")
	ErrChannelNumberInUse = errors.New("rabbitmq: channel number already in use")
	ErrNoFreeChannel      = errors.New("rabbitmq: no free channel number")

	// ErrRecoveryInterrupted is reported when the connection is closed while
	// a recovery is waiting to reconnect. The cycle is abandoned.
	ErrRecoveryInterrupted = errors.New("rabbitmq: recovery interrupted")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// EntityRecoveryError reports that a single exchange, queue, binding,
// consumer or channel could not be recovered
type EntityRecoveryError = topology.RecoveryError

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Name      string    // Client-provided connection name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Number    uint16    // Channel number
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %d: %v", e.Op, e.Number, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed declaration, deletion or binding
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func topologyError(component topology.Kind, name, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TopologyError{
		Component: string(component),
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
