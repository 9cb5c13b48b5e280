package rabbitmq

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-recovery/internal/broker"
)

// DefaultNetworkRecoveryDelay is the wait before every reconnect attempt
const DefaultNetworkRecoveryDelay = 5 * time.Second

// Config holds the per-connection recovery settings. It is copied into
// the connection, so changing it afterwards has no effect.
type Config struct {
	// AutomaticRecovery enables reconnecting after an unexpected shutdown
	AutomaticRecovery bool
	// TopologyRecovery enables replaying exchanges, queues, bindings and
	// consumers after a reconnect
	TopologyRecovery bool
	// NetworkRecoveryDelay is waited before each reconnect attempt
	NetworkRecoveryDelay time.Duration

	// Addresses, ConnectionName and Executor are passed to the dialer
	Addresses      []string
	ConnectionName string
	Executor       broker.Executor
}

// DefaultConfig returns a Config with both kinds of recovery enabled and
// a five second recovery delay
func DefaultConfig() Config {
	return Config{
		AutomaticRecovery:    true,
		TopologyRecovery:     true,
		NetworkRecoveryDelay: DefaultNetworkRecoveryDelay,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.NetworkRecoveryDelay < 0 {
		return fmt.Errorf("%w: network recovery delay must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

func (c Config) dialConfig() broker.DialConfig {
	return broker.DialConfig{
		Addresses:      append([]string(nil), c.Addresses...),
		ConnectionName: c.ConnectionName,
		Executor:       c.Executor,
	}
}
