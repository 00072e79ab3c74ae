package main

import (
	"fmt"

	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail jobs that have been running for too long",
	Long: `Mark running jobs whose start time is older than --stuck-after as
internal_failure. Jobs are left running when a worker dies or a task is
cancelled; this performs the worker's periodic sweep once.`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().Duration("stuck-after", 0, "Running time after which a job is stuck (default: REAPER_STUCK_AFTER)")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	stuckAfter, _ := cmd.Flags().GetDuration("stuck-after")
	if stuckAfter <= 0 {
		stuckAfter = e.cfg.Worker.StuckAfter
	}
	c, err := e.redis()
	if err != nil {
		return err
	}

	n, err := jobs.NewReaper(e.store, c, stuckAfter).Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	_, _ = fmt.Fprintf(stdout(cmd), "reaped=%d\n", n)
	return nil
}
