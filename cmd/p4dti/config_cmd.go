package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/p4dti/p4dti/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the merged configuration as YAML: defaults, config file
and P4DTI_* environment overrides combined. Passwords are redacted.

Examples:
  p4dti config
  p4dti --config /etc/p4dti.yaml config`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings := config.AllSettings()
	redactPasswords(settings)
	out, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, string(out))
	return nil
}

func redactPasswords(settings map[string]interface{}) {
	for key, value := range settings {
		switch v := value.(type) {
		case map[string]interface{}:
			redactPasswords(v)
		case string:
			if key == "password" && v != "" {
				settings[key] = "<redacted>"
			}
		}
	}
}
