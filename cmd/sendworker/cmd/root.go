package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_notify/internal/config"
)

var cfgFile string

// rootCmd runs the send worker when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "sendworker",
	Short: "Harbor Notify send worker - deliver queued notifications to bot conversations",
	Long: `sendworker consumes per-recipient send tasks from NSQ, delivers each
notification to the recipient's bot conversation and records the delivery
status in Postgres.

Settings come from environment variables, then an optional config file,
then command line flags.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cmd.Context(), cfg)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("http-port", "", "health and metrics listen port")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("nsqd-tcp-addr", "", "nsqd TCP address")
	flags.String("lookupd-http-addr", "", "nsqlookupd HTTP address")
	flags.Int("concurrency", 0, "concurrent message handlers")
	flags.Int("max-send-attempts", 0, "send attempts per message before giving up")
	flags.Float64("send-retry-delay-seconds", 0, "requeue delay after the channel throttles")
	flags.String("throttle-backend", "", "global throttle backend (redis, postgres, memory)")

	// Bind flags to viper
	_ = viper.BindPFlag("http_port", flags.Lookup("http-port"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("nsq.nsqd_tcp_addr", flags.Lookup("nsqd-tcp-addr"))
	_ = viper.BindPFlag("nsq.lookup_http_addr", flags.Lookup("lookupd-http-addr"))
	_ = viper.BindPFlag("nsq.concurrency", flags.Lookup("concurrency"))
	_ = viper.BindPFlag("send.max_attempts", flags.Lookup("max-send-attempts"))
	_ = viper.BindPFlag("send.retry_delay_seconds", flags.Lookup("send-retry-delay-seconds"))
	_ = viper.BindPFlag("send.throttle_backend", flags.Lookup("throttle-backend"))
}

// initConfig reads in the config file if one was given.
func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to read config file:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
