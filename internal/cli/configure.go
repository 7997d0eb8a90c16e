package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/harun/concierge/internal/config"
	"github.com/spf13/cobra"
)

var configureForce bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file with a freshly generated gateway
shared secret. Provider API keys are read from ANTHROPIC_API_KEY and
OPENAI_API_KEY when the file lists no AI profiles.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.Gateway.SharedSecret = uuid.NewString()
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid default configuration: %v", errs)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "Set ANTHROPIC_API_KEY or OPENAI_API_KEY, then start with: concierge serve")
	return nil
}
