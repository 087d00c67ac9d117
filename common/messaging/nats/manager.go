// Package nats owns the process-wide NATS JetStream connection.
//
// Every publish and consume goes through Manager, which connects lazily,
// never runs two connection attempts at once, reconnects with capped
// exponential backoff after the connection closes, and re-establishes
// registered consumers on the new connection.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	"github.com/telhawk-systems/ledgerwatch/common/retry"
)

var (
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("nats: connection manager is shutting down")

	// ErrMaxReconnects is returned after the reconnect loop gave up. The
	// process must be restarted.
	ErrMaxReconnects = errors.New("nats: maximum reconnect attempts exhausted")
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds connection manager settings.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration

	// Optional credentials. A token takes precedence over user/password.
	Username string
	Password string
	Token    string

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	PublishRetries    int
	PublishRetryDelay time.Duration

	// Prefetch bounds in-flight messages per consumer.
	Prefetch int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  nats.DefaultURL,
		Name:                 "ledgerwatch",
		Timeout:              5 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 10,
		PublishRetries:       3,
		PublishRetryDelay:    500 * time.Millisecond,
		Prefetch:             5,
	}
}

// ConfigFrom maps the shared nats section onto a manager Config.
func ConfigFrom(c config.NATSConfig, prefetch int) Config {
	cfg := DefaultConfig()
	if c.URL != "" {
		cfg.URL = c.URL
	}
	if c.Name != "" {
		cfg.Name = c.Name
	}
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	cfg.Username, cfg.Password, cfg.Token = c.Username, c.Password, c.Token
	if c.ReconnectBase > 0 {
		cfg.ReconnectBase = c.ReconnectBase
	}
	if c.ReconnectMax > 0 {
		cfg.ReconnectMax = c.ReconnectMax
	}
	if c.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	}
	if c.PublishRetries >= 0 {
		cfg.PublishRetries = c.PublishRetries
	}
	if c.PublishRetryDelay > 0 {
		cfg.PublishRetryDelay = c.PublishRetryDelay
	}
	if prefetch > 0 {
		cfg.Prefetch = prefetch
	}
	return cfg
}

// Conn is the part of a broker connection the manager relies on.
type Conn interface {
	JetStream() (jetstream.JetStream, error)
	IsConnected() bool
	Drain() error
	Close()
}

// Dialer opens a connection. onClose must be invoked once when the connection
// is closed for any reason.
type Dialer func(ctx context.Context, cfg Config, onClose func(err error)) (Conn, error)

// DialNATS is the production Dialer. The client library's own reconnect
// logic is disabled; the Manager owns reconnection.
func DialNATS(_ context.Context, cfg Config, onClose func(err error)) (Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(c *nats.Conn) {
			onClose(c.LastError())
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" && cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &natsConn{Conn: conn}, nil
}

type natsConn struct {
	*nats.Conn
}

func (c *natsConn) JetStream() (jetstream.JetStream, error) {
	return jetstream.New(c.Conn)
}

// Manager is the single owner of the broker connection.
type Manager struct {
	cfg     Config
	dial    Dialer
	sleeper retry.Sleeper
	logger  *logging.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	handlers *handlerGroup

	mu           sync.Mutex
	state        State
	conn         Conn
	js           jetstream.JetStream
	generation   uint64
	connecting   bool
	connectDone  chan struct{}
	lastErr      error
	reconnecting bool
	exhausted    bool
	shuttingDown bool
	consumers    []*consumer
	streams      []StreamConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the network dialer. Used by tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithSleeper replaces the clock used for reconnect and publish backoff.
func WithSleeper(s retry.Sleeper) Option {
	return func(m *Manager) { m.sleeper = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a disconnected Manager. Nothing is dialed until the
// first Connect, Publish or Consume.
func NewManager(cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		dial:     DialNATS,
		sleeper:  retry.RealSleeper,
		logger:   logging.Default(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: newHandlerGroup(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current lifecycle state as a string.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

// IsConnected reports whether a usable connection is held.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil && m.conn.IsConnected()
}

// Connect establishes the connection if it is not already up.
func (m *Manager) Connect(ctx context.Context) error {
	_, err := m.JetStream(ctx)
	return err
}

// JetStream returns the current usable handle, connecting first if needed.
func (m *Manager) JetStream(ctx context.Context) (jetstream.JetStream, error) {
	m.mu.Lock()
	switch {
	case m.shuttingDown:
		// Handlers still draining may ack and publish on the live connection.
		js := m.js
		live := m.conn != nil && m.conn.IsConnected()
		m.mu.Unlock()
		if js != nil && live {
			return js, nil
		}
		return nil, ErrShuttingDown
	case m.state == StateConnected && m.conn != nil:
		if m.conn.IsConnected() {
			js := m.js
			m.mu.Unlock()
			return js, nil
		}
		gen := m.generation
		m.mu.Unlock()
		m.handleClose(gen, errors.New("connection lost"))
	case m.exhausted:
		m.mu.Unlock()
		return nil, ErrMaxReconnects
	default:
		m.mu.Unlock()
	}

	if err := m.connectOnce(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.js == nil {
		return nil, fmt.Errorf("nats: connection lost after connect")
	}
	return m.js, nil
}

// connectOnce performs a single dial. Concurrent callers wait for the
// in-flight attempt instead of dialing again.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.connecting {
		done := m.connectDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == StateConnected {
			return nil
		}
		if m.shuttingDown {
			return ErrShuttingDown
		}
		if m.lastErr != nil {
			return fmt.Errorf("connect to NATS: %w", m.lastErr)
		}
		return errors.New("nats: connect attempt did not complete")
	}

	m.connecting = true
	m.state = StateConnecting
	m.connectDone = make(chan struct{})
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	conn, err := m.dial(ctx, m.cfg, func(cerr error) { m.handleClose(gen, cerr) })
	var js jetstream.JetStream
	if err == nil {
		js, err = conn.JetStream()
		if err != nil {
			conn.Close()
		}
	}

	m.mu.Lock()
	m.connecting = false
	close(m.connectDone)
	if err != nil {
		m.state = StateDisconnected
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("NATS connect failed", logging.Error(err))
		m.scheduleReconnect()
		return fmt.Errorf("connect to NATS: %w", err)
	}
	if m.shuttingDown {
		m.state = StateDisconnected
		m.mu.Unlock()
		conn.Close()
		return ErrShuttingDown
	}
	m.conn, m.js = conn, js
	m.state = StateConnected
	m.lastErr = nil
	consumers := append([]*consumer(nil), m.consumers...)
	streams := append([]StreamConfig(nil), m.streams...)
	m.mu.Unlock()

	m.logger.Info("connected to NATS", "url", m.cfg.URL)
	for _, s := range streams {
		if _, err := js.CreateOrUpdateStream(m.ctx, s.jetStream()); err != nil {
			m.logger.Error("failed to ensure declared stream", "stream", s.Name, logging.Error(err))
		}
	}
	for _, c := range consumers {
		if err := c.start(m.ctx, js, gen, m.cfg.Prefetch, m.handlers, m.logger); err != nil {
			m.logger.Error("failed to restore consumer", "consumer", c.cfg.Name, logging.Error(err))
		}
	}
	return nil
}

// handleClose moves a live connection of generation gen to disconnected and
// schedules reconnection. Closes of older connections are ignored.
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn, m.js = nil, nil
	m.state = StateDisconnected
	consumers := append([]*consumer(nil), m.consumers...)
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	conn.Close()
	if shuttingDown {
		return
	}
	m.logger.Warn("NATS connection closed", logging.Error(err))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.shuttingDown || m.exhausted {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	backoff := retry.Exponential(m.cfg.ReconnectBase, m.cfg.ReconnectMax)
	for attempt := 0; attempt < m.cfg.MaxReconnectAttempts; attempt++ {
		delay := backoff(attempt)
		m.logger.Info("scheduling NATS reconnect", logging.Attempt(attempt+1), "delay", delay.String())
		if err := m.sleeper.Sleep(m.ctx, delay); err != nil {
			m.finishReconnect()
			return
		}
		if m.isShuttingDown() {
			m.finishReconnect()
			return
		}

		err := m.connectOnce(m.ctx)
		if err == nil {
			m.finishReconnect()
			return
		}
		if errors.Is(err, ErrShuttingDown) {
			m.finishReconnect()
			return
		}
	}

	m.mu.Lock()
	m.exhausted = true
	m.reconnecting = false
	m.mu.Unlock()
	m.logger.Error("giving up on NATS reconnect, restart required",
		logging.Attempt(m.cfg.MaxReconnectAttempts), logging.Critical())
}

// finishReconnect clears the loop flag and restarts the loop if the
// connection dropped again while it was winding down.
func (m *Manager) finishReconnect() {
	m.mu.Lock()
	m.reconnecting = false
	again := m.state == StateDisconnected && !m.connecting && !m.shuttingDown && !m.exhausted
	m.mu.Unlock()
	if again {
		m.scheduleReconnect()
	}
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Publish persists data on subject. Failures are retried PublishRetries
// times with linear backoff before the last error is returned.
func (m *Manager) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	policy := retry.Policy{
		MaxAttempts: m.cfg.PublishRetries + 1,
		Backoff:     retry.Linear(m.cfg.PublishRetryDelay),
		Sleeper:     m.sleeper,
	}
	return policy.Do(ctx, func(ctx context.Context, attempt int) error {
		js, err := m.JetStream(ctx)
		if err != nil {
			if errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrMaxReconnects) {
				return retry.Permanent(err)
			}
			return err
		}

		msg := nats.NewMsg(subject)
		msg.Data = data
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
		if _, err := js.PublishMsg(ctx, msg); err != nil {
			m.logger.Warn("publish failed", logging.Subject(subject), logging.Attempt(attempt), logging.Error(err))
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		return nil
	})
}

// DeclareStreams records streams that must exist on every connection and
// ensures them now if connected. They are ensured again after each reconnect.
func (m *Manager) DeclareStreams(ctx context.Context, cfgs ...StreamConfig) error {
	m.mu.Lock()
	m.streams = append(m.streams, cfgs...)
	connected := m.state == StateConnected && m.js != nil
	m.mu.Unlock()

	if !connected {
		return nil
	}
	for _, cfg := range cfgs {
		if _, err := m.EnsureStream(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// EnsureStream creates or updates a stream.
func (m *Manager) EnsureStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	js, err := m.JetStream(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg.jetStream())
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Consume registers a durable consumer on stream and starts it. Messages are
// acknowledged only after handler returns.
//
// The registration survives connection loss: the consumer is started again
// on every new connection. If no connection can be made now, the error is
// returned but the consumer stays registered.
func (m *Manager) Consume(ctx context.Context, stream StreamConfig, cfg ConsumerConfig, handler messaging.MessageHandler) error {
	if cfg.MaxAckPending == 0 {
		cfg.MaxAckPending = m.cfg.Prefetch
	}
	c := &consumer{stream: stream, cfg: cfg, handler: handler}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.consumers = append(m.consumers, c)
	m.mu.Unlock()

	js, err := m.JetStream(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	return c.start(m.ctx, js, gen, m.cfg.Prefetch, m.handlers, m.logger)
}

// Shutdown stops reconnection and drains consumers. Messages already
// delivered to a handler run to completion with a live handler context and
// connection; only when ctx ends first are their contexts cancelled. The
// connection is drained last.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.cancel()
	consumers := append([]*consumer(nil), m.consumers...)
	m.mu.Unlock()

	err := m.drainConsumers(ctx, consumers)
	if err != nil {
		m.logger.Warn("handlers still running at shutdown deadline, cancelling", logging.Error(err))
	}
	m.handlers.cancel()

	m.mu.Lock()
	conn := m.conn
	m.conn, m.js = nil, nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		if derr := conn.Drain(); derr != nil && err == nil {
			err = derr
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("NATS connection manager stopped")
	return err
}

// drainConsumers stops pulling on every consumer and waits for buffered and
// running callbacks to finish.
func (m *Manager) drainConsumers(ctx context.Context, consumers []*consumer) error {
	for _, c := range consumers {
		closed := c.drain()
		if closed == nil {
			continue
		}
		select {
		case <-closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.handlers.wait(ctx)
}

// handlerGroup owns the context passed to message handlers and counts the
// callbacks currently running.
type handlerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newHandlerGroup() *handlerGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &handlerGroup{ctx: ctx, cancel: cancel}
}

func (g *handlerGroup) run(msg jetstream.Msg, handler messaging.MessageHandler, logger *logging.Logger) {
	g.mu.Lock()
	if g.n == 0 {
		g.idle = make(chan struct{})
	}
	g.n++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.n--
		if g.n == 0 {
			close(g.idle)
		}
		g.mu.Unlock()
	}()
	handleMsg(g.ctx, msg, handler, logger)
}

// wait blocks until no handler is running or ctx ends.
func (g *handlerGroup) wait(ctx context.Context) error {
	g.mu.Lock()
	if g.n == 0 {
		g.mu.Unlock()
		return nil
	}
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consumer is a registered durable consumer and its running pull context.
type consumer struct {
	stream  StreamConfig
	cfg     ConsumerConfig
	handler messaging.MessageHandler

	mu  sync.Mutex
	cc  jetstream.ConsumeContext
	gen uint64
}

func (c *consumer) start(ctx context.Context, js jetstream.JetStream, gen uint64, prefetch int, handlers *handlerGroup, logger *logging.Logger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc != nil && c.gen == gen {
		return nil
	}
	if c.cc != nil {
		c.cc.Stop()
		c.cc = nil
	}

	if _, err := js.CreateOrUpdateStream(ctx, c.stream.jetStream()); err != nil {
		return fmt.Errorf("failed to create/update stream %s: %w", c.stream.Name, err)
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, c.stream.Name, c.cfg.jetStream())
	if err != nil {
		return fmt.Errorf("failed to create/update consumer %s: %w", c.cfg.Name, err)
	}
	if prefetch <= 0 {
		prefetch = c.cfg.MaxAckPending
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		handlers.run(msg, c.handler, logger)
	}, jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.cc, c.gen = cc, gen
	logger.Info("consumer started", "consumer", c.cfg.Name, "stream", c.stream.Name, "prefetch", prefetch)
	return nil
}

func (c *consumer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc != nil {
		c.cc.Stop()
		c.cc = nil
	}
}

// drain stops pulling and returns a channel closed once buffered messages
// have been handled, or nil when the consumer is not running.
func (c *consumer) drain() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	cc := c.cc
	c.cc = nil
	cc.Drain()
	return cc.Closed()
}
