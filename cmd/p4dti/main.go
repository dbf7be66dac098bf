// p4dti replicates issues between a Bugzilla tracker and the job store
// of a Perforce server, in both directions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p4dti/p4dti/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "p4dti",
	Short: "Replicate defect tracker issues to and from Perforce jobs",
	Long: `p4dti keeps a Bugzilla defect tracker and a Perforce job store
consistent: issues become jobs, jobs become issues, and edits on either
side flow to the other on every poll.

Configuration is read from the file given with --config, from the
P4DTI_CONFIG environment variable, from ./p4dti.yaml, or from
~/.config/p4dti/config.yaml, in that order. Every key can also be set
through the environment with the P4DTI_ prefix, e.g. P4DTI_RID.

Typical usage:
  p4dti migrate          # import the existing jobs once
  p4dti run              # then replicate continuously`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./p4dti.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "p4dti: %v\n", err)
		os.Exit(1)
	}
}
