package main

import (
	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Replicate once and exit",
	Long: `Run a single replication cycle.

Useful from cron, or to watch one cycle in the foreground while setting
the integration up. The startup checks (jobspec, event log, replication
mark) run first, exactly as under "p4dti run".

Examples:
  p4dti poll`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, args []string) error {
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
	return env.rep.PollOnce(ctx)
}
