package rabbitmq

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
	"github.com/glimte/mmate-recovery/internal/topology"
)

// handleShutdown is attached to every physical connection. Listeners are
// told about every shutdown; only unexpected ones start a recovery.
func (c *Connection) handleShutdown(conn broker.Connection, sig broker.ShutdownSignal) {
	if c.delegate() != conn {
		c.logger.Debug("ignoring shutdown of a replaced connection",
			zap.Stringer("signal", sig))
		return
	}

	c.notifyShutdown(sig)

	if sig.ApplicationInitiated {
		if c.markClosed() {
			c.releaseChannels()
			c.logger.Info("connection closed by application", zap.Stringer("signal", sig))
		}
		return
	}

	if !c.cfg.AutomaticRecovery {
		if c.markClosed() {
			c.releaseChannels()
			c.logger.Warn("connection lost, automatic recovery disabled",
				zap.Stringer("signal", sig))
		}
		return
	}

	if !c.transition(StateRecovering) {
		return
	}
	c.metrics.RecoveriesStarted.Inc()
	c.recover(sig)
}

// transition moves to state unless the connection was closed
func (c *Connection) transition(to State) bool {
	for {
		if c.closed.Load() {
			return false
		}
		from := c.state.Load()
		if c.state.CompareAndSwap(from, int32(to)) {
			c.metrics.State.Set(float64(to))
			return true
		}
	}
}

// releaseChannels drops every channel handle after a shutdown that will
// not be recovered
func (c *Connection) releaseChannels() {
	c.mu.Lock()
	channels := c.channelSnapshotLocked()
	c.channels = make(map[uint16]*Channel)
	c.metrics.ChannelsOpen.Set(0)
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.markClosed(false)
	}
}

// recover runs one recovery cycle: reconnect, reopen channels, replay the
// topology, then run the recovery callbacks and channel hooks
func (c *Connection) recover(cause broker.ShutdownSignal) {
	c.recoveryMu.Lock()
	defer c.recoveryMu.Unlock()

	// a previous cycle may have finished in between
	if !c.transition(StateRecovering) {
		return
	}

	started := c.clock.Now()
	c.logger.Warn("connection lost, starting recovery",
		zap.Stringer("cause", cause),
		zap.Duration("delay", c.cfg.NetworkRecoveryDelay))

	conn, err := c.reconnect()
	if err != nil {
		c.metrics.RecoveriesInterrupted.Inc()
		c.logger.Debug("recovery abandoned", zap.Error(err))
		return
	}

	var (
		pending   []func()
		channels  []*Channel
		stats     topology.Stats
		completed bool
	)

	c.mu.Lock()
	if !c.closed.Load() {
		c.current.Store(&physical{conn: conn})
		c.attach(conn)
		channels = c.recoverChannelsLocked(conn, &pending)
		if c.cfg.TopologyRecovery {
			stats = c.recoverTopologyLocked(conn, &pending)
		}
		completed = c.state.CompareAndSwap(int32(StateRecovering), int32(StateConnected))
		if completed {
			c.metrics.State.Set(float64(StateConnected))
		}
	}
	c.mu.Unlock()

	if c.closed.Load() && !completed {
		if c.delegate() != conn {
			conn.Abort()
		}
		c.metrics.RecoveriesInterrupted.Inc()
		c.logger.Debug("recovery abandoned", zap.Error(ErrRecoveryInterrupted))
		return
	}

	elapsed := c.clock.Since(started)
	c.metrics.RecoveriesCompleted.Inc()
	c.metrics.RecoveryDuration.Observe(elapsed.Seconds())
	c.logger.Info("connection recovered",
		zap.Duration("duration", elapsed),
		zap.Int("channels", len(channels)),
		zap.Int("exchanges", stats.ExchangesRecovered),
		zap.Int("queues", stats.QueuesRecovered),
		zap.Int("bindings", stats.BindingsRecovered),
		zap.Int("consumers", stats.ConsumersRecovered),
		zap.Int("failures", stats.Failures))

	for _, fn := range pending {
		if err := safeCall(fn); err != nil {
			c.logger.Error("recovery listener failed", zap.Error(err))
		}
	}

	c.callbacks.invoke(c, c.logger)
	for _, ch := range channels {
		ch.notifyRecovered()
	}
}

// reconnect dials until it succeeds, waiting the recovery delay before
// every attempt. It only gives up when the connection is closed.
func (c *Connection) reconnect() (broker.Connection, error) {
	for attempt := 1; ; attempt++ {
		timer := c.clock.Timer(c.cfg.NetworkRecoveryDelay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return nil, ErrRecoveryInterrupted
		}

		c.metrics.ReconnectAttempts.Inc()
		conn, err := c.dialer.Dial(c.ctx, c.cfg.dialConfig())
		if err == nil {
			c.logger.Info("reconnected to broker", zap.Int("attempt", attempt))
			return conn, nil
		}
		if c.ctx.Err() != nil {
			return nil, ErrRecoveryInterrupted
		}

		c.metrics.ReconnectFailures.Inc()
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("next_retry_in", c.cfg.NetworkRecoveryDelay),
			zap.Error(&ConnectionError{
				Op:        "reconnect",
				Name:      c.cfg.ConnectionName,
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  attempt,
			}))
	}
}

// recoverChannelsLocked reopens every channel handle on conn in ascending
// number order and returns the ones that came back
func (c *Connection) recoverChannelsLocked(conn broker.Connection, pending *[]func()) []*Channel {
	channels := c.channelSnapshotLocked()
	recovered := make([]*Channel, 0, len(channels))
	for _, ch := range channels {
		if err := ch.recover(conn); err != nil {
			c.reportFailureLocked(&EntityRecoveryError{
				Kind:      topology.KindChannel,
				Name:      strconv.Itoa(int(ch.number)),
				Err:       err,
				Timestamp: time.Now(),
			}, pending)
			continue
		}
		c.metrics.EntitiesRecovered.WithLabelValues(string(topology.KindChannel)).Inc()
		recovered = append(recovered, ch)
	}
	return recovered
}

// recoverTopologyLocked replays the recorded topology. Entities whose
// channel was closed go through a temporary channel that is closed again
// afterwards.
func (c *Connection) recoverTopologyLocked(conn broker.Connection, pending *[]func()) topology.Stats {
	var fallback broker.Channel

	hooks := topology.Hooks{
		Fallback: func() (broker.Channel, error) {
			if fallback != nil && !fallback.IsClosed() {
				return fallback, nil
			}
			number, ok := c.freeNumberLocked()
			if !ok {
				return nil, ErrNoFreeChannel
			}
			ch, err := conn.OpenChannel(number)
			if err != nil {
				return nil, err
			}
			fallback = ch
			return ch, nil
		},
		Reopen: func(owner topology.Owner) (broker.Channel, error) {
			ch, ok := owner.(*Channel)
			if !ok {
				return nil, ErrChannelClosed
			}
			c.logger.Debug("reopening channel closed by a failed recovery step",
				zap.Uint16("channel", ch.number))
			if err := ch.recover(conn); err != nil {
				return nil, err
			}
			return ch.Delegate()
		},
		OnFailure: func(err *EntityRecoveryError) {
			c.reportFailureLocked(err, pending)
		},
		OnRecovered: func(kind topology.Kind, name string) {
			c.metrics.EntitiesRecovered.WithLabelValues(string(kind)).Inc()
		},
		OnQueueRenamed: func(oldName, newName string) {
			for _, fn := range c.queueListeners {
				*pending = append(*pending, func() { fn(oldName, newName) })
			}
		},
		OnConsumerTagChanged: func(oldTag, newTag string) {
			for _, fn := range c.consumerListeners {
				*pending = append(*pending, func() { fn(oldTag, newTag) })
			}
		},
	}

	stats := c.store.Recover(hooks)

	if fallback != nil {
		if err := fallback.Close(); err != nil {
			c.logger.Debug("failed to close recovery channel", zap.Error(err))
		}
	}
	return stats
}

// reportFailureLocked logs a failed entity and queues the failure
// listeners. Must be called with mu held.
func (c *Connection) reportFailureLocked(err *EntityRecoveryError, pending *[]func()) {
	c.metrics.EntityFailures.WithLabelValues(string(err.Kind)).Inc()
	c.logger.Error("entity recovery failed",
		zap.String("kind", string(err.Kind)),
		zap.String("name", err.Name),
		zap.Error(err.Err))

	for _, fn := range c.failureListeners {
		*pending = append(*pending, func() { fn(err) })
	}
}
