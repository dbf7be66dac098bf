package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var extendJobspecCmd = &cobra.Command{
	Use:   "extend-jobspec",
	Short: "Add the replicator's fields to the server's jobspec",
	Long: `Merge the replicator's required fields into the installed
jobspec and write it back.

Fields already present keep their codes but adopt the required type and
values; new fields get free codes. Existing job data is untouched. The
replicator does this itself on every start unless keep-jobspec is set,
so this command is only needed when the jobspec is otherwise managed by
hand.

Examples:
  p4dti extend-jobspec`,
	Args: cobra.NoArgs,
	RunE: runExtendJobspec,
}

func init() {
	rootCmd.AddCommand(extendJobspecCmd)
}

func runExtendJobspec(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := buildReplicator(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.rep.ExtendJobspec(ctx); err != nil {
		return err
	}
	fmt.Println("Jobspec extended.")
	return nil
}
