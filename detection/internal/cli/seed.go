package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/ledgerwatch/common/output"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/seeder"
)

var (
	seedOut        string
	seedTenantID   string
	seedUploadID   string
	seedCount      int
	seedTimeSpread string
	seedTxIDDups   int
	seedCanonDups  int
	seedCurrencies []string
	seedSeed       int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate a fixture batch with planted duplicates",
	Long: `Generate a reproducible batch of fake transactions and write it to a file
that "detection run --batch" accepts.

Examples:
  detection seed --out upload.yaml --count 500 --seed 42
  detection seed --out upload.json --txid-duplicates 10 --canonical-duplicates 5`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	defaults := seeder.DefaultOptions()
	seedCmd.Flags().StringVarP(&seedOut, "out", "o", "batch.yaml", "output file (.json, .yaml)")
	seedCmd.Flags().StringVar(&seedTenantID, "tenant", "demo", "tenant id")
	seedCmd.Flags().StringVar(&seedUploadID, "upload", "", "upload id (default: a new UUID)")
	seedCmd.Flags().IntVar(&seedCount, "count", defaults.Count, "number of base records")
	seedCmd.Flags().StringVar(&seedTimeSpread, "time-spread", defaults.TimeSpread.String(), "spread timestamps over this duration")
	seedCmd.Flags().IntVar(&seedTxIDDups, "txid-duplicates", defaults.TxIDDuplicates, "records repeated with the same transaction id")
	seedCmd.Flags().IntVar(&seedCanonDups, "canonical-duplicates", defaults.CanonicalDuplicates, "records repeated with the same canonical fingerprint")
	seedCmd.Flags().StringSliceVar(&seedCurrencies, "currencies", defaults.Currencies, "currencies to draw from")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (default: clock)")
}

func runSeed(cmd *cobra.Command, args []string) error {
	spread, err := time.ParseDuration(seedTimeSpread)
	if err != nil {
		return fmt.Errorf("invalid --time-spread: %w", err)
	}
	uploadID := seedUploadID
	if uploadID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		uploadID = id.String()
	}

	gen := seeder.NewGenerator(seeder.Options{
		Count:               seedCount,
		TimeSpread:          spread,
		TxIDDuplicates:      seedTxIDDups,
		CanonicalDuplicates: seedCanonDups,
		Currencies:          seedCurrencies,
		Seed:                seedSeed,
	})
	batch := &seeder.Batch{
		TenantID: seedTenantID,
		UploadID: uploadID,
		Records:  gen.Batch(seedTenantID, uploadID),
	}
	if err := seeder.WriteBatch(seedOut, batch); err != nil {
		return err
	}
	output.Success("wrote %d records for upload %s to %s", len(batch.Records), uploadID, seedOut)
	return nil
}
