package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/sequoia/pkg/cache"
	"github.com/cuemby/sequoia/pkg/config"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sequoia",
	Short: "Sequoia - territory ownership tracker",
	Long: `Sequoia polls the territory list, records every ownership change in a
gapless, durable event log and serves live state, a live update stream and
point-in-time history over HTTP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sequoia version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "Dotenv files to load before the environment (default .env)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pollOnceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads the configuration and initialises logging from it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")

	cfg, err := config.Load(path, envFiles...)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

// openStorage opens the configured event log backend
func openStorage(ctx context.Context, cfg *config.Config) (storage.Log, error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns)
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return storage.NewBoltStore(cfg.DataDir)
	}
}

// openCacheBackend opens the configured guild payload cache
func openCacheBackend(ctx context.Context, cfg *config.Config) (cache.Backend, func() error, error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		r, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.RedisPrefix, cfg.Cache.GuildTTL)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return cache.NewMemory(cfg.Cache.GuildTTL, cfg.Cache.EvictionInterval), func() error { return nil }, nil
	}
}
