package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/tcmartin/convoflow/pkg/config"
	"github.com/tcmartin/convoflow/pkg/storage"
)

func migrateCmd() *cobra.Command {
	var serverConfig string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create storage tables and check Redis, using the server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serverConfig)
			if err != nil {
				return err
			}
			if err := migrateStorage(cfg.Storage); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Storage ready (type=%s)\n", cfg.Storage.Type)

			if cfg.Redis.Enabled() {
				if err := checkRedis(cmd.Context(), cfg.Redis); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Redis ready (addr=%s)\n", cfg.Redis.Addr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverConfig, "server-config", "", "Path to the server config file")
	return cmd
}

func migrateStorage(cfg config.StorageConfig) error {
	provider, err := storage.NewProvider(cfg.ProviderConfig())
	if err != nil {
		return fmt.Errorf("%s connect failed: %w", cfg.Type, err)
	}
	defer provider.Close()
	if err := provider.Initialize(); err != nil {
		return fmt.Errorf("%s initialize failed: %w", cfg.Type, err)
	}
	return nil
}

func checkRedis(ctx context.Context, cfg config.RedisConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
