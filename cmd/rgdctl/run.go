package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/resonantgeodata/rgd-jobs/internal/jobs"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one job in the foreground",
	Long: `Run one algorithm or score job in the foreground, bypassing the queue.

The job must be queued. With --dry-run the container still runs but no job
status, result, artifact or image ID is written.`,
}

var runAlgorithmJobCmd = &cobra.Command{
	Use:   "algorithm-job <job_id>",
	Short: "Run an algorithm job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJob(models.JobKindAlgorithm),
}

var runScoreJobCmd = &cobra.Command{
	Use:   "score-job <job_id>",
	Short: "Run a score job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJob(models.JobKindScore),
}

func init() {
	for _, c := range []*cobra.Command{runAlgorithmJobCmd, runScoreJobCmd} {
		c.Flags().Bool("dry-run", false, "Run without persisting anything")
		runCmd.AddCommand(c)
	}
	rootCmd.AddCommand(runCmd)
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q: must be a positive integer", arg)
	}
	return id, nil
}

func runJob(kind models.JobKind) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		executor, err := e.executor(ctx)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, e.cfg.Worker.TaskTimeLimit)
		defer cancel()

		opts := jobs.Options{DryRun: dryRun}
		var out *jobs.Outcome
		if kind == models.JobKindAlgorithm {
			out, err = executor.RunAlgorithmJob(ctx, id, opts)
		} else {
			out, err = executor.RunScoreJob(ctx, id, opts)
		}
		if err != nil {
			return err
		}
		return writeJSON(stdout(cmd), out)
	}
}
