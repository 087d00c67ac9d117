// Package messaging provides abstractions for message broker communication.
// Services publish and consume through these types without being coupled to
// a specific broker implementation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time

	// NumDelivered counts broker redeliveries, starting at 1.
	NumDelivered uint64
}

// Header returns a metadata value or "".
func (m *Message) Header(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// MessageHandler processes a received message.
//
// Returning nil acknowledges the message. Returning a *DelayError (see
// RetryAfter) asks the broker to redeliver it after the given delay. Any other
// error negatively acknowledges it with the implementation's default delay.
type MessageHandler func(ctx context.Context, msg *Message) error

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends data to subject with optional headers and waits for the
	// broker to persist it.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// ErrRetryLater is matched by errors.Is on every DelayError.
var ErrRetryLater = errors.New("retry later")

// DelayError asks the consumer to redeliver the message after Delay.
type DelayError struct {
	Delay time.Duration
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("retry later: redeliver in %s", e.Delay)
}

func (e *DelayError) Is(target error) bool {
	return target == ErrRetryLater
}

// RetryAfter returns a handler error that postpones the message by d.
func RetryAfter(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return &DelayError{Delay: d}
}
