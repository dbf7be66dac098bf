package main

import (
	"github.com/spf13/cobra"

	"github.com/p4dti/p4dti/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replicate continuously",
	Long: `Run the replicator until interrupted.

Each cycle replicates every record that changed on either side since the
previous cycle. A failing cycle is reported to the administrator and
retried with a doubling wait, up to 24 hours; the first success resets
the wait to the configured poll-period.

Examples:
  p4dti run
  p4dti --config /etc/p4dti.yaml run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.rep.Startup(ctx); err != nil {
		return err
	}
	return env.rep.Run(ctx, config.GetDuration("poll-period"))
}
