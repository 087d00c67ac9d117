// Package cli is the realtime service's command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/output"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:           "realtime",
	Short:         "LedgerWatch real-time event gateway",
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command and prints any error.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		output.Error("%v", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $LEDGERWATCH_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "path to a .env file")
}

func initConfig() error {
	config.LoadEnv(envFile)

	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger = logging.FromConfig(cfg.Logging, "realtime")
	logging.SetDefault(logger)
	return nil
}
