package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfter(t *testing.T) {
	err := RetryAfter(3 * time.Second)
	assert.True(t, errors.Is(err, ErrRetryLater))

	wrapped := fmt.Errorf("forwarder: %w", err)
	var delay *DelayError
	require.True(t, errors.As(wrapped, &delay))
	assert.Equal(t, 3*time.Second, delay.Delay)

	var negative *DelayError
	require.True(t, errors.As(RetryAfter(-time.Second), &negative))
	assert.Zero(t, negative.Delay)

	assert.False(t, errors.Is(errors.New("other"), ErrRetryLater))
}

func TestMessage_Header(t *testing.T) {
	msg := &Message{Metadata: map[string]string{HeaderDeliverAfter: "x"}}
	assert.Equal(t, "x", msg.Header(HeaderDeliverAfter))
	assert.Empty(t, msg.Header("missing"))

	var nilMsg *Message
	assert.Empty(t, nilMsg.Header(HeaderDeliverAfter))
}

type stubReporter struct {
	state     string
	connected bool
}

func (s stubReporter) State() string     { return s.state }
func (s stubReporter) IsConnected() bool { return s.connected }

func TestCheckHealth(t *testing.T) {
	ok := CheckHealth(context.Background(), stubReporter{state: "connected", connected: true})
	assert.True(t, ok.Connected)
	assert.Empty(t, ok.Error)

	down := CheckHealth(context.Background(), stubReporter{state: "connecting"})
	assert.False(t, down.Connected)
	assert.Equal(t, "connecting", down.State)
	assert.NotEmpty(t, down.Error)

	none := CheckHealth(context.Background(), nil)
	assert.Equal(t, "disconnected", none.State)
}
