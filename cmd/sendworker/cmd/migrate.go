package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_notify/internal/db"
	"github.com/austindbirch/harbor_notify/internal/store"
)

var migrateTimeout time.Duration

// migrateCmd applies the status and throttle tables
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the notify schema if it does not exist",
	Long: `Apply the notify schema (notifications, sent_notifications and
send_throttle). The schema is idempotent and safe to run on every deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
		defer cancel()

		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()

		if err := store.New(pool, nil).EnsureSchema(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema applied to %s@%s/%s\n", cfg.DB.User, cfg.DB.Host, cfg.DB.Name)
		return nil
	},
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "migration timeout")
	rootCmd.AddCommand(migrateCmd)
}
