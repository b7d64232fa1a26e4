package main

import (
	"errors"

	"github.com/spf13/cobra"

	"giftledger/internal/common/database"
	"giftledger/internal/config"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Int("steps", 0, "Apply this many migrations; negative rolls back")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Apply the embedded schema migrations to DATABASE_URL. With --steps, move that many versions up or down.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		return migrateUp(steps)
	},
}

func migrateUp(steps int) error {
	if cfg.StoreDriver != config.DriverPostgres {
		return errors.New("migrations need STORE_DRIVER=postgres")
	}
	return database.Migrate(cfg.Database.URL, steps, logger)
}
