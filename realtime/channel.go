package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionState is the lifecycle position of a Channel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateError means the channel could not even attempt a dial, for example
	// because no token was available. It needs an explicit Connect.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Closure says why a connection ended.
type Closure int

const (
	ClosureNone Closure = iota
	// ClosureNormal is an explicit Disconnect.
	ClosureNormal
	// ClosureError is a transport failure or heartbeat timeout.
	ClosureError
)

func (c Closure) String() string {
	switch c {
	case ClosureNormal:
		return "normal"
	case ClosureError:
		return "error"
	}
	return "none"
}

// StateChange is published for every state transition.
type StateChange struct {
	From    ConnectionState
	To      ConnectionState
	Closure Closure
	Err     error
	// Attempt is the reconnection attempt counter after the change.
	Attempt int
	At      time.Time
}

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrClosed           = errors.New("realtime: channel disconnected")
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
)

// TokenSource returns the bearer token to present on the next dial.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always presents the same token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type Config struct {
	URL               string
	BaseDelay         time.Duration
	Factor            float64
	MaxAttempts       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 3 * time.Second
	}
	if c.Factor < 1 {
		c.Factor = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Backoff is the delay before reconnection attempt n, counting from zero.
func (c Config) Backoff(n int) time.Duration {
	c = c.withDefaults()
	return time.Duration(float64(c.BaseDelay) * math.Pow(c.Factor, float64(n)))
}

// Channel owns the single logical connection of a client process. It
// reconnects with exponential backoff after a transport failure and probes an
// idle connection with ping frames. Outbound frames are never queued.
type Channel struct {
	cfg    Config
	dialer Dialer
	tokens TokenSource
	clock  Clock
	log    logrus.FieldLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	conn     Conn
	// gen changes whenever the current connection is replaced or lost so
	// callbacks bound to an older connection become no-ops.
	gen      uint64
	lifetime context.Context
	cancel   context.CancelFunc
	retry    Timer
	beat     Timer
	received uint64
	lastRecv time.Time
	handler  func([]byte)
	watchers map[*stateWatcher]struct{}
}

type Option func(*Channel)

func WithClock(c Clock) Option { return func(ch *Channel) { ch.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(ch *Channel) { ch.log = l } }

// NewChannel builds a disconnected channel.
func NewChannel(cfg Config, dialer Dialer, tokens TokenSource, opts ...Option) *Channel {
	c := &Channel{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		tokens:   tokens,
		clock:    SystemClock(),
		log:      logrus.StandardLogger(),
		watchers: make(map[*stateWatcher]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "sync_channel")
	return c
}

// SetHandler installs the receiver for inbound frames. It is called from the
// read loop, one frame at a time, in transport order.
func (c *Channel) SetHandler(h func([]byte)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnection attempts scheduled since the last
// successful connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials the server and blocks until the transport is open or the dial
// failed. A failed dial schedules a reconnection. Calling Connect while the
// channel is connecting, connected or waiting to reconnect does nothing.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	c.attempts = 0
	c.setStateLocked(StateConnecting, ClosureNone, nil)
	lifetime := c.lifetime
	c.mu.Unlock()

	return c.dial(ctx, lifetime, false)
}

// dial opens one transport. A token failure on the first dial is final; on a
// reconnection it only costs that attempt.
func (c *Channel) dial(ctx, lifetime context.Context, reconnecting bool) error {
	token, err := c.tokens(ctx)
	if err != nil {
		err = fmt.Errorf("realtime: token: %w", err)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.lifetime != lifetime || lifetime.Err() != nil {
			return err
		}
		if reconnecting {
			c.log.WithError(err).WithField("attempt", c.attempts).Warn("no token for reconnection")
			c.scheduleReconnectLocked(err)
			return err
		}
		c.setStateLocked(StateError, ClosureError, err)
		c.log.WithError(err).Error("cannot connect without a token")
		return err
	}
	target, err := withToken(c.cfg.URL, token)
	if err != nil {
		c.mu.Lock()
		if c.lifetime == lifetime && lifetime.Err() == nil {
			c.setStateLocked(StateError, ClosureError, err)
		}
		c.mu.Unlock()
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	stop := context.AfterFunc(lifetime, cancel)
	conn, err := c.dialer.Dial(dctx, target)
	stop()
	cancel()

	c.mu.Lock()
	if c.lifetime != lifetime || lifetime.Err() != nil {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(true)
		}
		return ErrClosed
	}
	if err != nil {
		c.log.WithError(err).WithField("attempt", c.attempts).Warn("dial failed")
		c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		return err
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempts = 0
	c.lastRecv = c.clock.Now()
	c.setStateLocked(StateConnected, ClosureNone, nil)
	c.armHeartbeatLocked(gen, c.cfg.HeartbeatInterval)
	c.mu.Unlock()

	c.log.Info("connected")
	go c.readLoop(conn, gen)
	return nil
}

// scheduleReconnectLocked arms the single reconnection timer, or gives up
// once the attempt budget is spent.
func (c *Channel) scheduleReconnectLocked(cause error) {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.log.WithField("attempts", c.attempts).Error("giving up reconnecting")
		c.setStateLocked(StateDisconnected, ClosureError, cause)
		return
	}
	delay := c.cfg.Backoff(c.attempts)
	c.attempts++
	c.setStateLocked(StateReconnecting, ClosureError, cause)
	lifetime := c.lifetime
	c.retry = c.clock.AfterFunc(delay, func() { c.redial(lifetime) })
	c.log.WithFields(logrus.Fields{"attempt": c.attempts, "delay": delay}).Info("reconnect scheduled")
}

func (c *Channel) redial(lifetime context.Context) {
	c.mu.Lock()
	if c.lifetime != lifetime || lifetime.Err() != nil || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.setStateLocked(StateConnecting, ClosureNone, nil)
	c.mu.Unlock()

	_ = c.dial(lifetime, lifetime, true)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.lost(gen, fmt.Errorf("realtime: read: %w", err))
			return
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.received++
		c.lastRecv = c.clock.Now()
		handler := c.handler
		c.mu.Unlock()

		if peekType(raw) == TypePong {
			continue
		}
		if handler != nil {
			handler(raw)
		}
	}
}

// lost handles the failure of connection gen. Failures reported for a
// connection that was already replaced are ignored.
func (c *Channel) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.dropLocked()
	c.log.WithError(cause).Warn("connection lost")
	c.scheduleReconnectLocked(cause)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(false)
	}
}

func (c *Channel) dropLocked() Conn {
	c.gen++
	conn := c.conn
	c.conn = nil
	if c.beat != nil {
		c.beat.Stop()
		c.beat = nil
	}
	return conn
}

func (c *Channel) armHeartbeatLocked(gen uint64, after time.Duration) {
	if c.beat != nil {
		c.beat.Stop()
	}
	c.beat = c.clock.AfterFunc(after, func() { c.heartbeat(gen) })
}

// heartbeat sends a ping once nothing has been received for a full interval.
func (c *Channel) heartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	idle := c.clock.Now().Sub(c.lastRecv)
	if idle < c.cfg.HeartbeatInterval {
		c.armHeartbeatLocked(gen, c.cfg.HeartbeatInterval-idle)
		c.mu.Unlock()
		return
	}
	conn := c.conn
	seen := c.received
	if c.beat != nil {
		c.beat.Stop()
	}
	c.beat = c.clock.AfterFunc(c.cfg.HeartbeatTimeout, func() { c.checkPong(gen, seen) })
	now := c.clock.Now()
	c.mu.Unlock()

	env, _ := NewEnvelope(TypePing, now, nil)
	if err := c.write(conn, env); err != nil {
		c.lost(gen, fmt.Errorf("realtime: ping: %w", err))
	}
}

func (c *Channel) checkPong(gen, seen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.received > seen {
		c.armHeartbeatLocked(gen, c.cfg.HeartbeatInterval)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.lost(gen, ErrHeartbeatTimeout)
}

// Send writes env on the open connection. When the channel is not connected
// the frame is dropped and ErrNotConnected returned; callers re-issue
// mutations themselves after a reconnect.
func (c *Channel) Send(env Envelope) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"type": env.Type, "state": state.String()}).Warn("dropping outbound message")
		return ErrNotConnected
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if err := c.write(conn, env); err != nil {
		c.lost(gen, err)
		return err
	}
	return nil
}

func (c *Channel) write(conn Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", env.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("realtime: write %s: %w", env.Type, err)
	}
	return nil
}

// Disconnect cancels any pending reconnection or in-flight dial and closes
// the connection with a normal closure.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.dropLocked()
	c.attempts = 0
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected, ClosureNormal, nil)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(true)
		c.log.Info("disconnected")
	}
}

func (c *Channel) setStateLocked(to ConnectionState, closure Closure, err error) {
	change := StateChange{
		From:    c.state,
		To:      to,
		Closure: closure,
		Err:     err,
		Attempt: c.attempts,
		At:      c.clock.Now(),
	}
	c.state = to
	for w := range c.watchers {
		w.push(change)
	}
}

// WatchState streams every state change from now on until ctx is done, when
// the returned channel is closed. Changes are queued per watcher so a slow
// reader never blocks the channel and never misses a transition.
func (c *Channel) WatchState(ctx context.Context) <-chan StateChange {
	w := &stateWatcher{wake: make(chan struct{}, 1)}
	out := make(chan StateChange)
	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.watchers, w)
			c.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			for _, change := range w.drain() {
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type stateWatcher struct {
	mu    sync.Mutex
	queue []StateChange
	wake  chan struct{}
}

func (w *stateWatcher) push(change StateChange) {
	w.mu.Lock()
	w.queue = append(w.queue, change)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *stateWatcher) drain() []StateChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("realtime: bad url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
