package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rwth-i6/sisyphus/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <job_dir> <task> [shard]",
	Short: "Execute one (job, task, shard) on this machine",
	Long: `Execute one task on the current machine, the command an engine invokes
to run a dispatched shard. This is never meant to be run interactively;
the manager renders this exact invocation when it submits work.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Bool("resume", false, "resume a continuable task instead of starting it fresh")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if registry == nil {
		return newExitError(exitCodeBadUsage, fmt.Errorf("no job registry configured for this binary"))
	}

	jobDir := args[0]
	taskName := args[1]
	shard := 0
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return newExitError(exitCodeBadUsage, fmt.Errorf("shard index must be an integer: %w", err))
		}
		shard = n
	}
	resume, err := cmd.Flags().GetBool("resume")
	if err != nil {
		return newExitError(exitCodeBadUsage, err)
	}

	result, err := worker.RunTask(cmd.Context(), registry, jobDir, taskName, shard, resume)
	switch result {
	case worker.ResultSuccess:
		return nil
	case worker.ResultBusy:
		return newExitError(exitCodeWorkerBusy, fmt.Errorf("shard %s/%d already has an active worker", taskName, shard))
	default:
		if err == nil {
			err = fmt.Errorf("worker: task %s/%d did not complete (result %d)", taskName, shard, result)
		}
		return newExitError(exitCodeUnrecoverable, err)
	}
}
