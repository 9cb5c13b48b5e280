package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/rabbitmq"
)

// ConnectionChecker reports the state of a recovering connection. A
// connection that is recovering is degraded, a closed one is unhealthy.
type ConnectionChecker struct {
	conn *rabbitmq.Connection
}

// NewConnectionChecker creates a checker for conn
func NewConnectionChecker(conn *rabbitmq.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()
	store := c.conn.Topology()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"connection_id": c.conn.ID(),
			"state":         state.String(),
			"exchanges":     len(store.Exchanges()),
			"queues":        len(store.Queues()),
			"bindings":      len(store.Bindings()),
			"consumers":     len(store.Consumers()),
		},
	}
	if name := c.conn.ClientProvidedName(); name != "" {
		result.Details["connection_name"] = name
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	case rabbitmq.StateRecovering:
		result.Status = StatusDegraded
		result.Message = "Connection is recovering"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// RecoveryChecker reports the outcome of the last completed recovery. It
// is degraded when some entity could not be recovered.
type RecoveryChecker struct {
	logger *zap.Logger

	mu         sync.Mutex
	pending    []string
	failed     []string
	recoveries int
	lastAt     time.Time
}

// NewRecoveryChecker creates a checker and registers it with conn
func NewRecoveryChecker(conn *rabbitmq.Connection, logger *zap.Logger) *RecoveryChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RecoveryChecker{logger: logger}
	conn.OnRecoveryFailure(c.recordFailure)
	conn.OnRecovery(c.recordRecovery)
	return c
}

// failure listeners of a cycle run before its recovery callbacks
func (c *RecoveryChecker) recordFailure(err *rabbitmq.EntityRecoveryError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, fmt.Sprintf("%s %s", err.Kind, err.Name))
}

func (c *RecoveryChecker) recordRecovery(*rabbitmq.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed, c.pending = c.pending, nil
	c.recoveries++
	c.lastAt = time.Now()
	if len(c.failed) > 0 {
		c.logger.Debug("recovery completed with failures", zap.Strings("entities", c.failed))
	}
}

func (c *RecoveryChecker) Name() string {
	return "recovery"
}

func (c *RecoveryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	c.mu.Lock()
	failed := append([]string(nil), c.failed...)
	recoveries := c.recoveries
	lastAt := c.lastAt
	c.mu.Unlock()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Details:   map[string]any{"recoveries": recoveries},
	}
	if !lastAt.IsZero() {
		result.Details["last_recovery"] = lastAt
	}

	switch {
	case recoveries == 0:
		result.Message = "No recovery yet"
	case len(failed) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d entities not recovered", len(failed))
		result.Details["failed"] = failed
	default:
		result.Message = "Last recovery complete"
	}

	result.Duration = time.Since(start)
	return result
}
