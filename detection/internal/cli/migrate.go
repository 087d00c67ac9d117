package cli

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/ledgerwatch/common/database"
	"github.com/telhawk-systems/ledgerwatch/common/output"
)

var migrationsPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the detection database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := database.Migrate(migrationsDir(migrationsPath), cfg.Database.Postgres.ConnString())
		if err != nil {
			return err
		}
		if !res.Changed {
			output.Info("schema already at version %d", res.Version)
			return nil
		}
		output.Success("migrated to version %d", res.Version)
		if res.Dirty {
			output.Warn("schema is marked dirty")
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.Rollback(migrationsDir(migrationsPath), cfg.Database.Postgres.ConnString()); err != nil {
			return err
		}
		output.Success("rolled back one migration")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	migrateCmd.PersistentFlags().StringVar(&migrationsPath, "path", "", "migrations directory (default: "+defaultMigrationsDir+")")
}

func migrationsDir(flag string) string {
	if flag != "" {
		return flag
	}
	return defaultMigrationsDir
}

const defaultMigrationsDir = "detection/migrations"
