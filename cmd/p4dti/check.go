package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Audit the consistency of the two stores",
	Long: `Compare every replicated issue with its job, read-only.

Each discrepancy is logged: missing or asymmetric links, field values
that no longer translate to each other, and fix or filespec sets that
differ. Nothing is modified; run "p4dti refresh" to repair from the
issue side.

The command exits non-zero when discrepancies were found.

Examples:
  p4dti check`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var checkJobsCmd = &cobra.Command{
	Use:   "check-jobs",
	Short: "Audit the jobs owned by this replicator",
	Long: `Verify that every job carrying this replicator's id pairs
cleanly with an issue: both link fields set together, the issue exists,
and the issue's link points back at the job.

Examples:
  p4dti check-jobs`,
	Args: cobra.NoArgs,
	RunE: runCheckJobs,
}

var checkJobspecCmd = &cobra.Command{
	Use:   "check-jobspec",
	Short: "Validate the installed jobspec",
	Long: `Check that the server's jobspec can hold replicated values:
the replicator's fields are present with their exact types, select
fields carry every translated value, and replicated fields are at least
as permissive as the values need.

Examples:
  p4dti check-jobspec`,
	Args: cobra.NoArgs,
	RunE: runCheckJobspec,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(checkJobsCmd)
	rootCmd.AddCommand(checkJobspecCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	problems, err := env.rep.Check(ctx)
	if err != nil {
		return err
	}
	if problems > 0 {
		return fmt.Errorf("%d consistency problems found", problems)
	}
	return nil
}

func runCheckJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	broken, err := env.rep.CheckJobs(ctx)
	if err != nil {
		return err
	}
	if broken > 0 {
		return fmt.Errorf("%d broken jobs found", broken)
	}
	return nil
}

func runCheckJobspec(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.rep.CheckJobspec(ctx); err != nil {
		return err
	}
	fmt.Println("The jobspec supports replication.")
	return nil
}
