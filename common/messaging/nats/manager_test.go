package nats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	"github.com/telhawk-systems/ledgerwatch/common/retry"
)

// fakeJetStream implements only the stream, consumer and publish paths;
// other methods panic via the nil embedded interface.
type fakeJetStream struct {
	jetstream.JetStream

	mu        sync.Mutex
	failFirst int
	published []*nats.Msg
	ensured   []string
	consumer  *fakeConsumer
}

func (f *fakeJetStream) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumer == nil {
		f.consumer = &fakeConsumer{}
	}
	return f.consumer, nil
}

func (f *fakeJetStream) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeConsumer captures the pull callback so tests can deliver messages.
type fakeConsumer struct {
	jetstream.Consumer

	mu sync.Mutex
	cb jetstream.MessageHandler
}

func (c *fakeConsumer) Consume(cb jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return &fakeConsumeContext{closed: make(chan struct{})}, nil
}

func (c *fakeConsumer) deliver(msg jetstream.Msg) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	cb(msg)
}

// fakeConsumeContext has an empty buffer, so draining closes immediately.
type fakeConsumeContext struct {
	once   sync.Once
	closed chan struct{}
}

func (c *fakeConsumeContext) Stop()                   { c.once.Do(func() { close(c.closed) }) }
func (c *fakeConsumeContext) Drain()                  { c.once.Do(func() { close(c.closed) }) }
func (c *fakeConsumeContext) Closed() <-chan struct{} { return c.closed }

func (f *fakeJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, cfg.Name)
	return nil, nil
}

func (f *fakeJetStream) ensuredStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ensured...)
}

func (f *fakeJetStream) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("nats: timeout")
	}
	f.published = append(f.published, msg)
	return &jetstream.PubAck{Stream: "WEBHOOKS"}, nil
}

type fakeConn struct {
	js        *fakeJetStream
	connected atomic.Bool
	drained   atomic.Bool
}

func (c *fakeConn) JetStream() (jetstream.JetStream, error) { return c.js, nil }
func (c *fakeConn) IsConnected() bool                       { return c.connected.Load() }
func (c *fakeConn) Drain() error                            { c.drained.Store(true); return nil }
func (c *fakeConn) Close()                                  { c.connected.Store(false) }

// scriptedDialer fails while fail() is true and records the close callbacks
// of successful dials.
type scriptedDialer struct {
	mu       sync.Mutex
	dials    int
	fail     func(n int) bool
	onCloses []func(error)
	conns    []*fakeConn
	js       *fakeJetStream
	gate     chan struct{}
}

func (d *scriptedDialer) dial(ctx context.Context, cfg Config, onClose func(error)) (Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil && d.fail(d.dials) {
		return nil, errors.New("dial tcp 127.0.0.1:4222: connection refused")
	}
	if d.js == nil {
		d.js = &fakeJetStream{}
	}
	c := &fakeConn{js: d.js}
	c.connected.Store(true)
	d.conns = append(d.conns, c)
	d.onCloses = append(d.onCloses, onClose)
	return c, nil
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(n int)
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 7
	cfg.PublishRetryDelay = 100 * time.Millisecond
	return cfg
}

func newTestManager(cfg Config, d *scriptedDialer, s retry.Sleeper) *Manager {
	return NewManager(cfg, WithDialer(d.dial), WithSleeper(s), WithLogger(logging.Discard()))
}

func TestManager_ReconnectBackoffDoublesToCap(t *testing.T) {
	dialer := &scriptedDialer{fail: func(int) bool { return true }}
	sleeper := &recordingSleeper{}
	m := newTestManager(testConfig(), dialer, sleeper)

	err := m.Connect(context.Background())
	require.Error(t, err)

	m.wg.Wait()

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, sleeper.recorded())
	assert.Equal(t, 8, dialer.count(), "initial dial plus one per reconnect attempt")
	assert.Equal(t, "disconnected", m.State())

	_, err = m.JetStream(context.Background())
	assert.ErrorIs(t, err, ErrMaxReconnects)
	assert.Equal(t, 8, dialer.count(), "no dial after giving up")
}

func TestManager_ShutdownStopsReconnection(t *testing.T) {
	dialer := &scriptedDialer{fail: func(int) bool { return true }}
	sleeper := &recordingSleeper{}
	m := newTestManager(testConfig(), dialer, sleeper)

	shutdownDone := make(chan error, 1)
	sleeper.hook = func(n int) {
		if n == 2 {
			go func() { shutdownDone <- m.Shutdown(context.Background()) }()
			<-m.ctx.Done()
		}
	}

	require.Error(t, m.Connect(context.Background()))
	m.wg.Wait()
	require.NoError(t, <-shutdownDone)

	assert.Len(t, sleeper.recorded(), 2)
	assert.Equal(t, 2, dialer.count(), "initial dial plus the one after the first delay")

	_, err := m.JetStream(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 2, dialer.count())
}

func TestManager_ReconnectsAfterClose(t *testing.T) {
	dialer := &scriptedDialer{}
	sleeper := &recordingSleeper{}
	m := newTestManager(testConfig(), dialer, sleeper)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, "connected", m.State())
	assert.True(t, m.IsConnected())

	dialer.onCloses[0](errors.New("nats: connection reset"))
	m.wg.Wait()

	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())
	assert.Equal(t, 2, dialer.count())
	assert.Equal(t, "connected", m.State())

	// A late close from the first connection is ignored.
	dialer.onCloses[0](errors.New("stale"))
	assert.Equal(t, "connected", m.State())
	assert.Equal(t, 2, dialer.count())
}

func TestManager_ShutdownSuppressesReconnectOnClose(t *testing.T) {
	dialer := &scriptedDialer{}
	sleeper := &recordingSleeper{}
	m := newTestManager(testConfig(), dialer, sleeper)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, dialer.conns[0].drained.Load())

	dialer.onCloses[0](nil)
	m.wg.Wait()

	assert.Empty(t, sleeper.recorded())
	assert.Equal(t, 1, dialer.count())
}

func TestManager_SingleFlightConnect(t *testing.T) {
	dialer := &scriptedDialer{gate: make(chan struct{})}
	m := newTestManager(testConfig(), dialer, &recordingSleeper{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.JetStream(context.Background())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return m.State() == "connecting" }, time.Second, time.Millisecond)
	close(dialer.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, dialer.count())
}

func TestManager_LazyReconnectWhenConnectionDropped(t *testing.T) {
	dialer := &scriptedDialer{}
	m := newTestManager(testConfig(), dialer, &recordingSleeper{})

	require.NoError(t, m.Connect(context.Background()))
	dialer.conns[0].connected.Store(false)

	_, err := m.JetStream(context.Background())
	require.NoError(t, err)
	m.wg.Wait()

	assert.True(t, m.IsConnected())
	assert.GreaterOrEqual(t, dialer.count(), 2)
}

func TestManager_PublishRetriesWithLinearBackoff(t *testing.T) {
	dialer := &scriptedDialer{js: &fakeJetStream{failFirst: 2}}
	sleeper := &recordingSleeper{}
	m := newTestManager(testConfig(), dialer, sleeper)

	err := m.Publish(context.Background(), messaging.SubjectWebhooksDeliver, []byte(`{}`), map[string]string{"X-Request-ID": "r1"})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.recorded())
	require.Len(t, dialer.js.published, 1)
	assert.Equal(t, "r1", dialer.js.published[0].Header.Get("X-Request-ID"))
	assert.Equal(t, messaging.SubjectWebhooksDeliver, dialer.js.published[0].Subject)
}

func TestManager_PublishGivesUp(t *testing.T) {
	dialer := &scriptedDialer{js: &fakeJetStream{failFirst: 100}}
	cfg := testConfig()
	cfg.PublishRetries = 2
	m := newTestManager(cfg, dialer, &recordingSleeper{})

	err := m.Publish(context.Background(), messaging.SubjectWebhooksDLQ, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, 97, dialer.js.failFirst, "three attempts in total")
}

func TestManager_PublishAfterShutdownIsPermanent(t *testing.T) {
	dialer := &scriptedDialer{}
	m := newTestManager(testConfig(), dialer, &recordingSleeper{})
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Publish(context.Background(), messaging.SubjectWebhooksDeliver, nil, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Zero(t, dialer.count())
}

func TestManager_DeclaredStreamsEnsuredOnEveryConnect(t *testing.T) {
	dialer := &scriptedDialer{js: &fakeJetStream{}}
	m := newTestManager(testConfig(), dialer, &recordingSleeper{})

	require.NoError(t, m.DeclareStreams(context.Background(), WebhooksStream, WebhooksDLQStream))
	assert.Zero(t, dialer.count(), "declaring does not dial")

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []string{"WEBHOOKS", "WEBHOOKS_DLQ"}, dialer.js.ensuredStreams())

	dialer.onCloses[0](errors.New("nats: connection reset"))
	m.wg.Wait()
	assert.Equal(t, []string{"WEBHOOKS", "WEBHOOKS_DLQ", "WEBHOOKS", "WEBHOOKS_DLQ"}, dialer.js.ensuredStreams())
}

func TestManager_ShutdownWaitsForInFlightHandler(t *testing.T) {
	dialer := &scriptedDialer{js: &fakeJetStream{}}
	m := newTestManager(testConfig(), dialer, &recordingSleeper{})

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr, publishErr error
	handler := func(ctx context.Context, msg *messaging.Message) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		publishErr = m.Publish(ctx, messaging.SubjectWebhooksRetry, msg.Data, nil)
		return nil
	}
	cfg := DefaultConsumerConfig(messaging.ConsumerDeliveryWorkers, messaging.SubjectWebhooksDeliver)
	require.NoError(t, m.Consume(context.Background(), WebhooksStream, cfg, handler))

	msg := &fakeMsg{subject: messaging.SubjectWebhooksDeliver, data: []byte(`{"id":"job-1"}`)}
	go dialer.js.consumer.deliver(msg)
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- m.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, dialer.conns[0].drained.Load(), "connection stays open for the running handler")

	close(release)
	require.NoError(t, <-shutdownDone)

	assert.NoError(t, handlerCtxErr, "handler context is live until the handler returns")
	assert.NoError(t, publishErr, "publishing still works while draining")
	assert.Equal(t, 1, dialer.js.publishedCount())
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.True(t, dialer.conns[0].drained.Load())
}

func TestManager_ShutdownDeadlineCancelsHandlers(t *testing.T) {
	dialer := &scriptedDialer{js: &fakeJetStream{}}
	m := newTestManager(testConfig(), dialer, &recordingSleeper{})

	started := make(chan struct{})
	handlerDone := make(chan error, 1)
	handler := func(ctx context.Context, msg *messaging.Message) error {
		close(started)
		<-ctx.Done()
		handlerDone <- ctx.Err()
		return ctx.Err()
	}
	cfg := DefaultConsumerConfig(messaging.ConsumerDeliveryWorkers, messaging.SubjectWebhooksDeliver)
	require.NoError(t, m.Consume(context.Background(), WebhooksStream, cfg, handler))

	go dialer.js.consumer.deliver(&fakeMsg{subject: messaging.SubjectWebhooksDeliver})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case herr := <-handlerDone:
		assert.ErrorIs(t, herr, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled after the shutdown deadline")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.NATSConfig{URL: "nats://broker:4222", MaxReconnectAttempts: 4, PublishRetries: 1}, 8)
	assert.Equal(t, "nats://broker:4222", cfg.URL)
	assert.Equal(t, 8, cfg.Prefetch)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 4, cfg.MaxReconnectAttempts)
	assert.Equal(t, 1, cfg.PublishRetries)
}

func TestConfigFrom_Credentials(t *testing.T) {
	cfg := ConfigFrom(config.NATSConfig{Username: "svc", Password: "pw", Token: "tok"}, 0)
	assert.Equal(t, "svc", cfg.Username)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, 5, cfg.Prefetch)
}
