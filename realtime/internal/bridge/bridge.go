// Package bridge subscribes to the pub/sub bus and re-emits every envelope
// to the websocket room of its company.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/pubsub"
	"github.com/telhawk-systems/ledgerwatch/common/retry"
	"github.com/telhawk-systems/ledgerwatch/realtime/internal/metrics"
)

// DefaultResubscribeDelay is the fixed wait before subscribing again after
// the bus connection dropped.
const DefaultResubscribeDelay = 5 * time.Second

// Emitter delivers an event to a room.
type Emitter interface {
	Emit(room, event string, data json.RawMessage) int
}

// Subscriber opens pub/sub subscriptions. *redis.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Bridge forwards bus envelopes to an Emitter.
type Bridge struct {
	sub      Subscriber
	channels []string
	emitter  Emitter
	delay    time.Duration
	sleeper  retry.Sleeper
	logger   *logging.Logger

	subscribed atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithResubscribeDelay overrides DefaultResubscribeDelay.
func WithResubscribeDelay(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.delay = d
		}
	}
}

// WithLogger sets the bridge's logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a Bridge over every pubsub channel.
func New(sub Subscriber, emitter Emitter, opts ...Option) *Bridge {
	channels := make([]string, 0, len(pubsub.Channels))
	for _, c := range pubsub.Channels {
		channels = append(channels, string(c))
	}
	b := &Bridge{
		sub:      sub,
		channels: channels,
		emitter:  emitter,
		delay:    DefaultResubscribeDelay,
		sleeper:  retry.RealSleeper,
		logger:   logging.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribed reports whether a subscription is currently confirmed.
func (b *Bridge) Subscribed() bool {
	return b.subscribed.Load()
}

// Run subscribes and forwards messages until ctx ends. A dropped connection
// is logged and followed by a fresh subscription after the fixed delay.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		err := b.runOnce(ctx)
		b.subscribed.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		metrics.Resubscribes.Inc()
		b.logger.Warn("pub/sub subscription lost, resubscribing",
			"delay", b.delay.String(), logging.Error(err))
		if err := b.sleeper.Sleep(ctx, b.delay); err != nil {
			return nil
		}
	}
}

func (b *Bridge) runOnce(ctx context.Context) error {
	ps := b.sub.Subscribe(ctx, b.channels...)
	defer ps.Close()

	// A blocked read only notices cancellation when the subscription closes.
	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	// Receive returns the subscription confirmation or the dial error.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	b.subscribed.Store(true)
	b.logger.Info("subscribed to pub/sub channels", "channels", b.channels)

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		b.handle(msg.Channel, msg.Payload)
	}
}

// handle never fails: malformed payloads are counted and dropped.
func (b *Bridge) handle(channel, payload string) {
	var env pubsub.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		metrics.BusMessages.WithLabelValues(channel, "malformed").Inc()
		b.logger.Debug("dropping malformed pub/sub message", logging.Channel(channel), logging.Error(err))
		return
	}
	if err := validate(env); err != nil {
		metrics.BusMessages.WithLabelValues(channel, "malformed").Inc()
		b.logger.Debug("dropping incomplete pub/sub message", logging.Channel(channel), logging.Error(err))
		return
	}

	event := env.Event
	if env.Type != "" {
		event = env.Type
	}
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	n := b.emitter.Emit(env.CompanyID, string(event), data)
	metrics.BusMessages.WithLabelValues(channel, "forwarded").Inc()
	b.logger.Debug("forwarded pub/sub event",
		logging.Channel(channel), logging.TenantID(env.CompanyID), logging.Event(string(event)), "clients", n)
}

func validate(env pubsub.Envelope) error {
	if env.CompanyID == "" {
		return errors.New("companyId missing")
	}
	if env.Event == "" && env.Type == "" {
		return errors.New("event missing")
	}
	return nil
}
