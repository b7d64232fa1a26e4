package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"giftledger/internal/common/logging"
	"giftledger/internal/config"
)

var (
	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "giftledger",
	Short: "Gift card ledger and API gateway",
	Long: `giftledger issues and tracks stored-value gift cards. It serves the
partner API gateway and the merchant portal, delivers webhooks and emails,
and runs the maintenance jobs. Configuration comes from the environment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		logger, logCloser, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("setting up logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}
