package rabbitmq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/glimte/mmate-recovery/internal/broker"
	"github.com/glimte/mmate-recovery/internal/topology"
)

// maxChannelNumber is the highest channel number a handle may use
const maxChannelNumber = 65535

// State is the lifecycle state of a recovering connection
type State int32

const (
	StateConnected State = iota
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// physical wraps the current broker connection so it can be swapped
// atomically
type physical struct {
	conn broker.Connection
}

// Connection is a stable handle over a physical broker connection. When
// the physical connection is lost it reconnects, reopens its channels and
// replays the recorded topology, while the handle and its channels stay
// valid for the application.
type Connection struct {
	id      string
	cfg     Config
	dialer  broker.Dialer
	logger  *zap.Logger
	metrics *Metrics
	clock   clock.Clock
	store   *topology.Store

	current    atomic.Pointer[physical]
	state      atomic.Int32
	closed     atomic.Bool
	connecting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the listener lists and the channel table, and is held
	// while channels and topology are being recovered
	mu                sync.Mutex
	channels          map[uint16]*Channel
	shutdownListeners []shutdownListener
	blockedListeners  []blockedListener
	queueListeners    []QueueRecoveryListener
	consumerListeners []ConsumerRecoveryListener
	failureListeners  []RecoveryFailureListener
	nextListenerID    ListenerID

	// recoveryMu serializes recovery cycles
	recoveryMu sync.Mutex
	callbacks  callbackRegistry
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithMetrics sets the collectors the connection reports to
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = metrics
	}
}

// WithClock sets the clock used to wait between reconnect attempts
func WithClock(clk clock.Clock) ConnectionOption {
	return func(c *Connection) {
		c.clock = clk
	}
}

// WithDialer sets the dialer used for the initial connection and every
// reconnect attempt
func WithDialer(dialer broker.Dialer) ConnectionOption {
	return func(c *Connection) {
		c.dialer = dialer
	}
}

// NewConnection creates an unconnected handle. Call Connect to dial.
func NewConnection(cfg Config, options ...ConnectionOption) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.NewString(),
		cfg:      cfg,
		logger:   zap.NewNop(),
		clock:    clock.New(),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[uint16]*Channel),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.dialer == nil {
		c.dialer = broker.NewAMQPDialer(broker.WithDialerLogger(c.logger))
	}
	if c.metrics == nil {
		// unregistered collectors cannot fail
		c.metrics, _ = NewMetrics("", c.id, nil)
	}
	c.logger = c.logger.With(
		zap.String("connection_id", c.id),
		zap.String("connection_name", cfg.ConnectionName))
	c.store = topology.NewStore(topology.WithLogger(c.logger))
	c.state.Store(int32(StateClosed))
	return c
}

// Connect dials the broker. It fails if the handle was already connected
// or closed.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	// only one Connect may dial; a failed dial allows another attempt
	if !c.connecting.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	conn, err := c.dialer.Dial(ctx, c.cfg.dialConfig())
	if err != nil {
		c.connecting.Store(false)
		return &ConnectionError{
			Op:        "connect",
			Name:      c.cfg.ConnectionName,
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		conn.Abort()
		return ErrConnectionClosed
	}
	c.current.Store(&physical{conn: conn})
	c.attach(conn)
	c.setState(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected to broker",
		zap.Strings("addresses", sanitizeAddresses(c.cfg.Addresses)),
		zap.Bool("automatic_recovery", c.cfg.AutomaticRecovery),
		zap.Bool("topology_recovery", c.cfg.TopologyRecovery))
	return nil
}

// attach registers the connection's own shutdown and blocked hooks on a
// physical connection. Must be called with mu held.
func (c *Connection) attach(conn broker.Connection) {
	conn.NotifyShutdown(func(sig broker.ShutdownSignal) {
		c.handleShutdown(conn, sig)
	})
	conn.NotifyBlocked(c.dispatchBlocked)
}

func (c *Connection) delegate() broker.Connection {
	if d := c.current.Load(); d != nil {
		return d.conn
	}
	return nil
}

// ID returns the identifier used in logs and metric labels
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.State.Set(float64(s))
}

// IsOpen reports whether the physical connection is currently open
func (c *Connection) IsOpen() bool {
	conn := c.delegate()
	return conn != nil && c.State() != StateClosed && conn.IsOpen()
}

// AutomaticRecoveryEnabled reports whether the connection reconnects
func (c *Connection) AutomaticRecoveryEnabled() bool {
	return c.cfg.AutomaticRecovery
}

// TopologyRecoveryEnabled reports whether topology is replayed
func (c *Connection) TopologyRecoveryEnabled() bool {
	return c.cfg.TopologyRecovery
}

// ClientProvidedName returns the name the connection announces
func (c *Connection) ClientProvidedName() string {
	return c.cfg.ConnectionName
}

// ServerProperties returns the properties of the current physical
// connection
func (c *Connection) ServerProperties() amqp.Table {
	if conn := c.delegate(); conn != nil {
		return conn.ServerProperties()
	}
	return nil
}

// Topology returns the recorded topology
func (c *Connection) Topology() *topology.Store {
	return c.store
}

// CreateChannel opens a channel on the lowest free number
func (c *Connection) CreateChannel() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	number, ok := c.freeNumberLocked()
	if !ok {
		return nil, &ChannelError{Op: "open", Err: ErrNoFreeChannel, Timestamp: time.Now()}
	}
	return c.openChannelLocked(number)
}

// CreateChannelNumber opens a channel with the given number
func (c *Connection) CreateChannelNumber(number uint16) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if number == 0 {
		return nil, &ChannelError{Op: "open", Number: number, Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}
	if _, used := c.channels[number]; used {
		return nil, &ChannelError{Op: "open", Number: number, Err: ErrChannelNumberInUse, Timestamp: time.Now()}
	}
	return c.openChannelLocked(number)
}

func (c *Connection) openChannelLocked(number uint16) (*Channel, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	conn := c.delegate()
	if conn == nil {
		return nil, ErrConnectionNotReady
	}

	raw, err := conn.OpenChannel(number)
	if err != nil {
		return nil, &ChannelError{Op: "open", Number: number, Err: err, Timestamp: time.Now()}
	}

	ch := newChannel(c, number, raw)
	c.channels[number] = ch
	c.metrics.ChannelsOpen.Set(float64(len(c.channels)))
	c.logger.Debug("channel opened", zap.Uint16("channel", number))
	return ch, nil
}

func (c *Connection) freeNumberLocked() (uint16, bool) {
	for n := 1; n <= maxChannelNumber; n++ {
		if _, used := c.channels[uint16(n)]; !used {
			return uint16(n), true
		}
	}
	return 0, false
}

func (c *Connection) unregisterChannel(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.number] == ch {
		delete(c.channels, ch.number)
		c.metrics.ChannelsOpen.Set(float64(len(c.channels)))
	}
}

// channelSnapshotLocked returns the open channels in ascending number
// order. Must be called with mu held.
func (c *Connection) channelSnapshotLocked() []*Channel {
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].number < channels[j].number
	})
	return channels
}

func (c *Connection) channelSnapshot() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelSnapshotLocked()
}

// AddShutdownListener registers fn for every shutdown of the physical
// connection, including the ones that are recovered from
func (c *Connection) AddShutdownListener(fn ShutdownListener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	c.shutdownListeners = append(c.shutdownListeners, shutdownListener{id: c.nextListenerID, fn: fn})
	return c.nextListenerID
}

// RemoveShutdownListener removes a listener added by AddShutdownListener
func (c *Connection) RemoveShutdownListener(id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.shutdownListeners {
		if l.id == id {
			c.shutdownListeners = append(c.shutdownListeners[:i], c.shutdownListeners[i+1:]...)
			return true
		}
	}
	return false
}

// AddBlockedListener registers handlers for connection.blocked and
// connection.unblocked. Either may be nil.
func (c *Connection) AddBlockedListener(blocked func(reason string), unblocked func()) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	c.blockedListeners = append(c.blockedListeners, blockedListener{
		id:        c.nextListenerID,
		blocked:   blocked,
		unblocked: unblocked,
	})
	return c.nextListenerID
}

// RemoveBlockedListener removes a listener added by AddBlockedListener
func (c *Connection) RemoveBlockedListener(id ListenerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.blockedListeners {
		if l.id == id {
			c.blockedListeners = append(c.blockedListeners[:i], c.blockedListeners[i+1:]...)
			return true
		}
	}
	return false
}

// ClearBlockedListeners removes every blocked listener
func (c *Connection) ClearBlockedListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedListeners = nil
}

// OnRecovery registers a callback run after every completed recovery, in
// registration order
func (c *Connection) OnRecovery(fn RecoveryHandler) {
	c.callbacks.add(fn)
}

// OnQueueRecovery registers a listener for server-named queues renamed
// during recovery
func (c *Connection) OnQueueRecovery(fn QueueRecoveryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueListeners = append(c.queueListeners, fn)
}

// OnConsumerRecovery registers a listener for consumer tags changed during
// recovery
func (c *Connection) OnConsumerRecovery(fn ConsumerRecoveryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumerListeners = append(c.consumerListeners, fn)
}

// OnRecoveryFailure registers a listener for entities that failed to
// recover
func (c *Connection) OnRecoveryFailure(fn RecoveryFailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureListeners = append(c.failureListeners, fn)
}

func (c *Connection) dispatchBlocked(b broker.Blocking) {
	c.mu.Lock()
	listeners := append([]blockedListener(nil), c.blockedListeners...)
	c.mu.Unlock()

	if b.Active {
		c.logger.Warn("connection blocked by broker", zap.String("reason", b.Reason))
	} else {
		c.logger.Info("connection unblocked by broker")
	}

	for _, l := range listeners {
		var err error
		if b.Active && l.blocked != nil {
			err = safeCall(func() { l.blocked(b.Reason) })
		} else if !b.Active && l.unblocked != nil {
			err = safeCall(l.unblocked)
		}
		if err != nil {
			c.logger.Error("blocked listener failed", zap.Error(err))
		}
	}
}

func (c *Connection) notifyShutdown(sig broker.ShutdownSignal) {
	c.mu.Lock()
	listeners := append([]shutdownListener(nil), c.shutdownListeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		if err := safeCall(func() { l.fn(sig) }); err != nil {
			c.logger.Error("shutdown listener failed", zap.Error(err))
		}
	}
}

// Close closes every channel and the physical connection. Closing an
// already closed connection returns ErrConnectionClosed.
func (c *Connection) Close() error {
	return c.close(func(conn broker.Connection) error {
		return conn.Close(0)
	}, true)
}

// CloseWithTimeout closes the physical connection, waiting at most timeout
// for the broker to confirm
func (c *Connection) CloseWithTimeout(timeout time.Duration) error {
	return c.close(func(conn broker.Connection) error {
		return conn.Close(timeout)
	}, false)
}

// Abort closes the connection and ignores every error
func (c *Connection) Abort() {
	_ = c.close(func(conn broker.Connection) error {
		conn.Abort()
		return nil
	}, false)
}

func (c *Connection) close(closeFn func(broker.Connection) error, closeChannels bool) error {
	if !c.markClosed() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	channels := c.channelSnapshotLocked()
	c.channels = make(map[uint16]*Channel)
	c.metrics.ChannelsOpen.Set(0)
	c.mu.Unlock()

	var err error
	for _, ch := range channels {
		if closeErr := ch.markClosed(closeChannels); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
	}

	if conn := c.delegate(); conn != nil && conn.IsOpen() {
		if closeErr := closeFn(conn); closeErr != nil {
			err = multierr.Append(err, &ConnectionError{
				Op:        "close",
				Name:      c.cfg.ConnectionName,
				Err:       closeErr,
				Timestamp: time.Now(),
			})
		}
	}

	c.logger.Info("connection closed")
	return err
}

// markClosed moves the connection to StateClosed and interrupts a pending
// reconnect. It reports whether this call did the transition.
func (c *Connection) markClosed() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.setState(StateClosed)
	c.cancel()
	return true
}

func sanitizeAddresses(addresses []string) []string {
	if len(addresses) == 0 {
		return []string{broker.SanitizeURL(broker.DefaultURL)}
	}
	out := make([]string, len(addresses))
	for i, addr := range addresses {
		out[i] = broker.SanitizeURL(addr)
	}
	return out
}
