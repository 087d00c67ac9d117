package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/output"
)

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{{"serve"}, {"dlq", "stats"}, {"dlq", "list"}, {"dlq", "purge"}} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestDLQPurgeRequiresForce(t *testing.T) {
	dlqForce = false
	err := dlqPurgeCmd.RunE(dlqPurgeCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}

func TestPrintDeadLetters(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	prev := output.Stdout
	output.Stdout = &buf
	defer func() { output.Stdout = prev }()

	printDeadLetters([]models.DeadLetter{{
		DeliveryJob:  models.DeliveryJob{WebhookID: "wh-1", TenantID: "co-1", Event: models.EventThreatCreated},
		Error:        "webhook returned status 503",
		ErrorCode:    "HTTP_503",
		FinalAttempt: 5,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "WEBHOOK")
	assert.Contains(t, out, "wh-1")
	assert.Contains(t, out, "HTTP_503")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}
