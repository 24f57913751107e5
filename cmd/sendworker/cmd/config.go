package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_notify/internal/config"
)

const redacted = "REDACTED"

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as JSON",
	Long: `Print the configuration the worker would start with after applying
environment variables, the config file and flags. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(redact(cfg))
	},
}

func redact(cfg config.Config) config.Config {
	if cfg.DB.Pass != "" {
		cfg.DB.Pass = redacted
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}
	if cfg.Bot.AccessToken != "" {
		cfg.Bot.AccessToken = redacted
	}
	return cfg
}

func init() {
	rootCmd.AddCommand(configCmd)
}
