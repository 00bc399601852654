package guild

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultColorInterval is how often guild colours are reloaded
const DefaultColorInterval = 10 * time.Minute

// ColorSource loads the full guild colour table
type ColorSource interface {
	FetchColors(ctx context.Context) (map[string]types.RGB, error)
}

// Colors holds the last known colour per guild name. It is refreshed in
// bulk and persisted so a restart does not start colourless.
type Colors struct {
	mu     sync.RWMutex
	colors map[string]types.RGB

	source   ColorSource
	store    storage.ColorStore
	interval time.Duration
	logger   zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewColors creates a registry; store may be nil
func NewColors(source ColorSource, store storage.ColorStore, interval time.Duration) *Colors {
	if interval <= 0 {
		interval = DefaultColorInterval
	}
	return &Colors{
		colors:   make(map[string]types.RGB),
		source:   source,
		store:    store,
		interval: interval,
		logger:   log.WithComponent("guild-colors"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// LoadPersisted seeds the registry from the colour store
func (c *Colors) LoadPersisted(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	colors, err := c.store.LoadGuildColors(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for name, rgb := range colors {
		c.colors[name] = rgb
	}
	c.mu.Unlock()
	c.logger.Debug().Int("guilds", len(colors)).Msg("Loaded persisted guild colours")
	return nil
}

// Refresh fetches the colour table, persists it and swaps it in
func (c *Colors) Refresh(ctx context.Context) error {
	colors, err := c.source.FetchColors(ctx)
	if err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SaveGuildColors(ctx, colors); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to persist guild colours")
		}
	}

	c.mu.Lock()
	c.colors = colors
	c.mu.Unlock()

	c.logger.Info().Int("guilds", len(colors)).Msg("Loaded guild colours")
	return nil
}

// Lookup returns the colour for a guild name
func (c *Colors) Lookup(name string) (types.RGB, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rgb, ok := c.colors[name]
	return rgb, ok
}

// Enrich sets owner.Color when the guild has a known colour
func (c *Colors) Enrich(owner *types.GuildIdentity) {
	if owner.IsUnclaimed() {
		return
	}
	if rgb, ok := c.Lookup(owner.Name); ok {
		owner.Color = &rgb
	}
}

// Len returns the number of guilds with a colour
func (c *Colors) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.colors)
}

// Start refreshes immediately and then every interval
func (c *Colors) Start() {
	go c.run()
}

// Stop ends the refresh loop and waits for it
func (c *Colors) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Colors) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.interval)
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh guild colours")
		}
		cancel()

		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
	}
}
