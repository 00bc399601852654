package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sequoia/pkg/api"
	"github.com/cuemby/sequoia/pkg/config"
	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/extra"
	"github.com/cuemby/sequoia/pkg/guild"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/poller"
	"github.com/cuemby/sequoia/pkg/sequencer"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/upstream"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poller and the HTTP server",
	Long: `Restore live state from the event log, start polling the territory list
and serve the HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		return serve(cmd.Context(), cfg)
	},
}

var pollOnceCmd = &cobra.Command{
	Use:   "poll-once",
	Short: "Run a single poll cycle against the event log and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		l, err := openStorage(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer l.Close()

		hist := history.NewService(l, cfg.History.DefaultPage, cfg.History.MaxPage)
		live := state.NewStore()
		if _, err := hist.Restore(ctx, live); err != nil {
			return fmt.Errorf("failed to restore live state: %w", err)
		}

		colors := newColors(ctx, cfg, l)
		p := poller.New(poller.Config{
			Fetcher:   upstream.NewHTTPFetcher(cfg.Upstream.TerritoryURL, cfg.Upstream.UserAgent, cfg.Upstream.Timeout),
			Sequencer: sequencer.New(l),
			Live:      live,
			Broker:    events.NewBroker(cfg.Broadcast.Buffer),
			Enricher:  colors,
			Rebuilder: hist,
		})
		res, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Territories: %d\n", res.Territories)
		fmt.Printf("Changes:     %d\n", res.Changes)
		if res.Changes > 0 {
			fmt.Printf("Sequences:   %d..%d\n", res.FirstSeq, res.LastSeq)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
}

// newColors loads persisted colours and refreshes them once. A missing or
// failing colour source only costs enrichment.
func newColors(ctx context.Context, cfg *config.Config, l storage.Log) *guild.Colors {
	logger := log.WithComponent("serve")
	colors := guild.NewColors(
		upstream.NewColorFetcher(cfg.Upstream.ColorURL, cfg.Upstream.UserAgent, cfg.Upstream.Timeout),
		l,
		cfg.Poll.ColorInterval,
	)
	if err := colors.LoadPersisted(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load persisted guild colours")
	}
	if cfg.Upstream.ColorURL != "" {
		if err := colors.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("Initial guild colour refresh failed")
		}
	}
	return colors
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("serve")

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("storage", "poller")
	metrics.SetFlag(metrics.SeqLiveHandoffEnabled, cfg.Handoff.Sequenced())

	l, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer l.Close()
	metrics.UpdateComponent("storage", true, cfg.Storage.Driver)

	hist := history.NewService(l, cfg.History.DefaultPage, cfg.History.MaxPage)
	live := state.NewStore()
	restored, err := hist.Restore(ctx, live)
	if err != nil {
		return fmt.Errorf("failed to restore live state: %w", err)
	}
	logger.Info().Uint64("seq", restored).Int("territories", live.Len()).Msg("Live state restored")

	broker := events.NewBroker(cfg.Broadcast.Buffer)
	defer broker.Close()

	backend, closeBackend, err := openCacheBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open guild cache: %w", err)
	}
	defer closeBackend()

	guilds := guild.NewDirectory(guild.DirectoryConfig{
		Source:         upstream.NewGuildFetcher(cfg.Upstream.GuildURL, cfg.Upstream.UserAgent, cfg.Upstream.Timeout),
		Backend:        backend,
		DetailTTL:      cfg.Cache.GuildTTL,
		OnlineTTL:      cfg.Cache.OnlineTTL,
		MaxConcurrency: cfg.Cache.MaxConcurrency,
		MaxEntries:     cfg.Cache.MaxEntries,
		MaxOnlineBatch: cfg.Cache.MaxOnlineBatch,
	})

	colors := newColors(ctx, cfg, l)
	if cfg.Upstream.ColorURL != "" {
		colors.Start()
		defer colors.Stop()
	}

	var territoryExtra api.ExtraLookup
	if cfg.Upstream.ExtraURL != "" {
		registry := extra.NewRegistry(
			upstream.NewExtraFetcher(cfg.Upstream.ExtraURL, cfg.Upstream.UserAgent, cfg.Upstream.Timeout),
			cfg.Poll.ExtraInterval,
		)
		registry.Start()
		defer registry.Stop()
		territoryExtra = registry
	}

	snapshotter := history.NewSnapshotter(live, l, cfg.Poll.SnapshotInterval)
	snapshotter.Start()
	defer snapshotter.Stop()

	p := poller.New(poller.Config{
		Fetcher:   upstream.NewHTTPFetcher(cfg.Upstream.TerritoryURL, cfg.Upstream.UserAgent, cfg.Upstream.Timeout),
		Sequencer: sequencer.New(l),
		Live:      live,
		Broker:    broker,
		Enricher:  colors,
		Rebuilder: hist,
		Interval:  cfg.Poll.Interval,
	})
	p.Start()

	collector := metrics.NewCollector(metrics.Sources{
		TerritoryCount: live.Len,
		Watermark:      live.Watermark,
		GuildCacheSize: func() int { return guilds.Size(context.Background()) },
		Subscribers:    broker.SubscriberCount,
		HistoryReachable: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hist.Available(ctx)
		},
	}, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(api.Config{
		Live:      live,
		Broker:    broker,
		History:   hist,
		Guilds:    guilds,
		Mode:      cfg.Handoff,
		Keepalive: cfg.Broadcast.Keepalive,
		Extra:     territoryExtra,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("HTTP server failed")
		}
	case <-ctx.Done():
	}

	// Stop producing before draining subscribers.
	p.Stop()
	broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
	}

	logger.Info().Uint64("seq", live.Watermark()).Msg("Shutdown complete")
	return runErr
}
