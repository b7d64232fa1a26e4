package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"giftledger/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsListCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run maintenance jobs by hand",
}

var jobsRunCmd = &cobra.Command{
	Use:   "run JOB_NAME",
	Short: "Run one maintenance job once and exit",
	Long: `Run a single maintenance job immediately, outside its schedule. Useful
from an external scheduler when serve runs with --no-scheduler.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.scheduler(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return s.RunNow(cmd.Context(), args[0])
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the maintenance jobs and their schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs := []struct{ name, spec string }{
			{scheduler.JobExpireCards, cfg.Scheduler.Expiry},
			{scheduler.JobWebhookDrain, cfg.Scheduler.WebhookDrain},
			{scheduler.JobEmailDrain, cfg.Scheduler.EmailDrain},
			{scheduler.JobRateLimitPurge, cfg.Scheduler.RateLimitPurge},
			{scheduler.JobRequestLogPurge, cfg.Scheduler.RequestLogPurge},
		}
		for _, j := range jobs {
			fmt.Fprintf(os.Stdout, "%-18s %s\n", j.name, j.spec)
		}
		return nil
	},
}
