package cli

import (
	"fmt"

	"github.com/harun/concierge/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the concierge service in the foreground",
	Long: `Run the concierge service in the foreground.
The JSON-RPC gateway listens until SIGINT or SIGTERM; edits to the config
file update turn limits, budgets and breaker thresholds without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required (set CONCIERGE_GATEWAY_SHARED_SECRET)")
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{Loader: loader})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}

	d.Wait()
	return nil
}
