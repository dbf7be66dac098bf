package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	migrateStartJob string
	migrateForce    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import the existing jobs as tracker issues",
	Long: `Create a tracker issue for every job not yet linked to one.

This is the one-time setup step for a site that already uses jobs. Each
imported pair is linked with a migration timestamp, so the first poll
afterwards does not see the imports as changes. Jobs already linked are
skipped, which makes the command safe to re-run after an interruption;
use --start to resume at a known point instead of rescanning.

Migration writes one issue per job and cannot be undone from this tool,
so it asks for confirmation when run on a terminal.

Examples:
  p4dti migrate
  p4dti migrate --start job004217
  p4dti migrate --force`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateStartJob, "start", "",
		"skip jobs before this one")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false,
		"migrate without asking for confirmation")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if !migrateForce && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Create a tracker issue for every unlinked job? [y/N] ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Println("Migration cancelled.")
			return nil
		}
	}

	// The link fields must exist before the first job can be linked;
	// the usual first-run check in Startup would refuse a job store
	// that is populated but not yet extended.
	if err := env.rep.ExtendJobspec(ctx); err != nil {
		return err
	}
	if err := env.rep.Migrate(ctx, migrateStartJob); err != nil {
		return err
	}
	return env.rep.Startup(ctx)
}
