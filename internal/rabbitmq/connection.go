package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the transport state owned by a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	DefaultHeartbeat         = 5 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultDialTimeout       = 30 * time.Second
)

// Endpoint describes how to reach the broker. It is copied by NewSession and
// never changes afterwards.
type Endpoint struct {
	URL               string
	Heartbeat         time.Duration
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	ConnectionName    string
}

// Session owns the single broker connection and reconnects it forever at a
// fixed interval.
type Session struct {
	endpoint Endpoint
	dial     Dialer
	logger   *slog.Logger
	events   *EventBus

	mu     sync.RWMutex
	conn   Connection
	state  State
	epoch  uint64
	opened bool
	closed bool

	done          chan struct{}
	connected     chan struct{}
	connectedOnce sync.Once
	wg            sync.WaitGroup
}

// SessionOption configures the Session
type SessionOption func(*Session)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests.
func WithDialer(dial Dialer) SessionOption {
	return func(s *Session) {
		s.dial = dial
	}
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(bus *EventBus) SessionOption {
	return func(s *Session) {
		s.events = bus
	}
}

// NewSession creates a session. Nothing is dialed until Open.
func NewSession(endpoint Endpoint, options ...SessionOption) *Session {
	if endpoint.Heartbeat <= 0 {
		endpoint.Heartbeat = DefaultHeartbeat
	}
	if endpoint.ReconnectInterval <= 0 {
		endpoint.ReconnectInterval = DefaultReconnectInterval
	}
	if endpoint.DialTimeout <= 0 {
		endpoint.DialTimeout = DefaultDialTimeout
	}

	s := &Session{
		endpoint:  endpoint,
		dial:      DialAMQP,
		logger:    slog.Default(),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}
	if s.events == nil {
		s.events = NewEventBus(s.logger)
	}

	return s
}

// Endpoint returns the immutable endpoint.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// Events returns the connectivity event bus.
func (s *Session) Events() *EventBus {
	return s.events
}

// Open starts connecting in the background and returns immediately.
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened || s.closed {
		return
	}
	s.opened = true

	s.wg.Add(1)
	go s.run()
}

// AwaitConnected blocks until the first successful connection, ctx expiry or Close.
func (s *Session) AwaitConnected(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case <-s.connected:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "await connected",
			URL:       SanitizeURL(s.endpoint.URL),
			Err:       fmt.Errorf("%w: %w", ErrConnectionTimeout, ctx.Err()),
			Timestamp: time.Now(),
		}
	}
}

// Connection returns the current connection
func (s *Session) Connection() (Connection, error) {
	conn, _, err := s.current()
	return conn, err
}

// current returns the live connection together with its epoch.
func (s *Session) current() (Connection, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, ErrClosed
	}
	if s.state != StateConnected || s.conn == nil {
		return nil, 0, ErrConnectionNotReady
	}
	return s.conn, s.epoch, nil
}

// State returns the transport state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected returns the connection status
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Epoch counts successful connections; it changes on every reconnect.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Close releases the connection. Calling it again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	var closeErr error
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = &ConnectionError{
				Op:        "close",
				URL:       SanitizeURL(s.endpoint.URL),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	s.wg.Wait()
	s.logger.Info("rabbitmq session closed")
	return closeErr
}

// run dials, waits for the connection to drop, and dials again.
func (s *Session) run() {
	defer s.wg.Done()

	attempts := 0
	for {
		if s.isDone() {
			return
		}

		s.setState(StateConnecting)
		attempts++

		conn, err := s.dial(s.endpoint.URL, s.amqpConfig())
		if err != nil {
			s.setState(StateDisconnected)
			s.logger.Error("connection attempt failed",
				"url", SanitizeURL(s.endpoint.URL),
				"attempt", attempts,
				"error", err,
				"nextRetryIn", s.endpoint.ReconnectInterval)
			if !s.wait(s.endpoint.ReconnectInterval) {
				return
			}
			continue
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.epoch++
		epoch := s.epoch
		s.mu.Unlock()

		s.connectedOnce.Do(func() { close(s.connected) })
		s.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(s.endpoint.URL),
			"attempts", attempts,
			"epoch", epoch)
		attempts = 0

		s.events.Emit(Event{Kind: EventConnected, Epoch: epoch})

		var cause error
		select {
		case amqpErr, ok := <-closed:
			cause = ErrConnectionLost
			if ok && amqpErr != nil {
				cause = amqpErr
			}
		case <-s.done:
			cause = ErrClosed
		}

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.state = StateDisconnected
		s.mu.Unlock()

		if !errors.Is(cause, ErrClosed) {
			s.logger.Error("connection closed", "error", cause, "epoch", epoch)
		}
		s.events.Emit(Event{Kind: EventDisconnected, Epoch: epoch, Err: cause})

		if !s.wait(s.endpoint.ReconnectInterval) {
			return
		}
	}
}

func (s *Session) amqpConfig() amqp.Config {
	cfg := amqp.Config{
		Heartbeat: s.endpoint.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(s.endpoint.DialTimeout),
	}
	if s.endpoint.ConnectionName != "" {
		cfg.Properties = amqp.Table{"connection_name": s.endpoint.ConnectionName}
	}
	return cfg
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = state
	}
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait sleeps for d and reports false if the session closed meanwhile.
func (s *Session) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.done:
		return false
	}
}
