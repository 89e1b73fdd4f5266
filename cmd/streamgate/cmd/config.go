package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/streamgate/streamgate/internal/config"
)

// configCmd groups configuration inspection subcommands.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

// configDumpCmd prints the effective configuration after merging defaults,
// config file, and environment variables.
var configDumpCmd = &cobra.Command{
	Use:     "dump",
	Aliases: []string{"show"},
	Short:   "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}

		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configDumpCmd)
	rootCmd.AddCommand(configCmd)
}
