package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-notify/internal/config"
	"github.com/whisper/chat-notify/internal/logging"
)

// rootOptions carries persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// load reads the configuration and builds the root logger.
func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("NOTIFY_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

// connectRedis opens a client and verifies it answers within five seconds.
func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "notifyd",
		Short:         "Chat message push notification dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  notifyd serve --config /etc/notifyd.yaml
  notifyd sweep room-42
  notifyd token set alice <fcm-token>`,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML config file (default: $NOTIFY_CONFIG, then built-in defaults)")

	cmd.AddCommand(
		newServeCommand(opts),
		newSweepCommand(opts),
		newTokenCommand(opts),
		newMigrateCommand(opts),
		newLedgerCommand(opts),
		newPublishTestCommand(opts),
	)
	return cmd
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "notifyd:", err)
		os.Exit(1)
	}
}
