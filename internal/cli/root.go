package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/harun/concierge/internal/config"
	"github.com/harun/concierge/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	envFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "Concierge - trust-tiered agent orchestration",
	Long: `Concierge runs a language-model agent for small businesses.
Reads run immediately, writes wait for a soft confirmation window and
irreversible actions need an explicit confirmation from the owner.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvFile,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.concierge/concierge.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadEnvFile loads the dotenv file into the process environment. Variables
// already set win. A missing default file is not an error.
func loadEnvFile(cmd *cobra.Command, args []string) error {
	if envFile == "" {
		return nil
	}
	err := godotenv.Load(envFile)
	if err == nil || (errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file")) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", envFile, err)
}

// loadConfig loads the config file and applies the command line overrides.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
		Secrets: configSecrets(cfg),
		Output:  os.Stderr,
	})
}

func configSecrets(cfg *config.Config) []string {
	secrets := []string{cfg.Gateway.SharedSecret, cfg.Audit.ClickHouse}
	// A sqlite DSN is just a path.
	if strings.Contains(cfg.Store.DSN, "://") {
		secrets = append(secrets, cfg.Store.DSN)
	}
	for _, p := range cfg.AI.Profiles {
		secrets = append(secrets, p.APIKey)
	}
	return secrets
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
