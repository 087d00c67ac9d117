package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/ledgerwatch/common/deliveryqueue"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/output"
)

var (
	dlqLimit int
	dlqJSON  bool
	dlqForce bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the webhook dead-letter queue",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeadLetters(cmd.Context(), func(ctx context.Context, dl *deliveryqueue.DeadLetters) error {
			stats, err := dl.Stats(ctx)
			if err != nil {
				return err
			}
			if dlqJSON {
				return output.JSON(stats)
			}
			output.Info("%d dead letters (%d bytes), sequence %d..%d", stats.Messages, stats.Bytes, stats.FirstSeq, stats.LastSeq)
			return nil
		})
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeadLetters(cmd.Context(), func(ctx context.Context, dl *deliveryqueue.DeadLetters) error {
			letters, err := dl.List(ctx, dlqLimit)
			if err != nil {
				return err
			}
			if dlqJSON {
				return output.JSON(letters)
			}
			if len(letters) == 0 {
				output.Success("dead-letter queue is empty")
				return nil
			}
			printDeadLetters(letters)
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every dead letter",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dlqForce {
			return fmt.Errorf("purge is irreversible; pass --force to confirm")
		}
		return withDeadLetters(cmd.Context(), func(ctx context.Context, dl *deliveryqueue.DeadLetters) error {
			if err := dl.Purge(ctx); err != nil {
				return err
			}
			output.Success("dead-letter queue purged")
			return nil
		})
	},
}

func init() {
	dlqCmd.PersistentFlags().BoolVar(&dlqJSON, "json", false, "print JSON")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum dead letters to show")
	dlqPurgeCmd.Flags().BoolVar(&dlqForce, "force", false, "confirm the purge")

	dlqCmd.AddCommand(dlqStatsCmd, dlqListCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

func withDeadLetters(ctx context.Context, fn func(context.Context, *deliveryqueue.DeadLetters) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	broker := newBroker(cfg, logger)
	defer broker.Shutdown(context.Background())

	if err := broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return fn(ctx, deliveryqueue.NewDeadLetters(broker, logger))
}

func printDeadLetters(letters []models.DeadLetter) {
	table := output.NewTable("WEBHOOK", "COMPANY", "EVENT", "CODE", "ATTEMPT", "FAILED AT", "ERROR")
	for _, dl := range letters {
		table.AddRow(
			dl.WebhookID,
			dl.TenantID,
			string(dl.Event),
			dl.ErrorCode,
			strconv.Itoa(dl.FinalAttempt),
			dl.Timestamp.UTC().Format(time.RFC3339),
			dl.Error,
		)
	}
	table.Render()
}
