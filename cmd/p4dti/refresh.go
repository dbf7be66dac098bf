package main

import (
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force-write every replicated issue to its job",
	Long: `Rewrite all jobs from their issues and clear the event log.

Use this after repairing jobs by hand, or when "p4dti check" reports
divergence and the issues are the copies to trust. Jobs are rewritten,
never deleted; edits present only on the job side are lost.

Examples:
  p4dti refresh`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
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
	return env.rep.Refresh(ctx)
}
