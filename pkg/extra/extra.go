// Package extra keeps the static per-territory map data (resources and
// connections) that the ownership feed leaves out. It is reloaded hourly and
// attached to territory listings.
package extra

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often the extra data is reloaded
const DefaultInterval = time.Hour

// Source loads the full extra data table
type Source interface {
	FetchExtra(ctx context.Context) (map[string]types.TerritoryExtra, error)
}

// Registry holds the last successfully loaded table. A failed reload keeps
// the previous one.
type Registry struct {
	mu      sync.RWMutex
	data    map[string]types.TerritoryExtra
	version atomic.Uint64

	source   Source
	interval time.Duration
	logger   zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry
func NewRegistry(source Source, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Registry{
		data:     make(map[string]types.TerritoryExtra),
		source:   source,
		interval: interval,
		logger:   log.WithComponent("territory-extra"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Refresh fetches the table and swaps it in
func (r *Registry) Refresh(ctx context.Context) error {
	data, err := r.source.FetchExtra(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.data = data
	r.mu.Unlock()
	r.version.Add(1)

	r.logger.Info().Int("territories", len(data)).Msg("Loaded extra territory data")
	return nil
}

// Lookup returns the extra data for a territory
func (r *Registry) Lookup(territory string) (types.TerritoryExtra, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	extra, ok := r.data[territory]
	return extra, ok
}

// Version increases on every successful reload
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// Len returns the number of territories with extra data
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Start loads immediately and then every interval
func (r *Registry) Start() {
	go r.run()
}

// Stop ends the reload loop and waits for it
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Registry) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to load extra territory data")
		}
		cancel()

		select {
		case <-ticker.C:
		case <-r.stopCh:
			return
		}
	}
}
