package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javi11/rarbridge/internal/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		RunE:  runConfig,
	}

	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal effective config: %w", err)
	}

	fmt.Println(string(out))
	return nil
}
