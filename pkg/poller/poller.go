// Package poller runs the ownership pipeline: fetch a full upstream
// snapshot, diff it against live state, persist the changes through the
// sequencer, apply them to live state and publish them to subscribers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/diff"
	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/sequencer"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/cuemby/sequoia/pkg/upstream"
	"github.com/rs/zerolog"
)

// DefaultInterval is the upstream refresh cadence
const DefaultInterval = 10 * time.Second

// Enricher decorates owners before diffing, e.g. with guild colours
type Enricher interface {
	Enrich(owner *types.GuildIdentity)
}

// Rebuilder reloads live state from the durable log
type Rebuilder interface {
	Restore(ctx context.Context, live history.Live) (uint64, error)
}

// Config wires a Poller
type Config struct {
	Fetcher   upstream.Fetcher
	Sequencer *sequencer.Sequencer
	Live      *state.Store
	Broker    *events.Broker
	Enricher  Enricher  // optional
	Rebuilder Rebuilder // optional; used when live state falls out of step with the log
	Interval  time.Duration
}

// Result summarises one cycle
type Result struct {
	Territories int
	Changes     int
	Removed     int
	FirstSeq    uint64
	LastSeq     uint64
}

// Poller drives one cycle per interval. Cycles never overlap.
type Poller struct {
	cfg    Config
	logger zerolog.Logger

	cycleMu  sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New creates a poller
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		cfg:    cfg,
		logger: log.WithComponent("poller"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs a cycle immediately and then on every tick
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
}

// Stop cancels any in-flight fetch and waits for the loop to exit. A batch
// that has started persisting is allowed to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
	})
	<-p.doneCh
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn().Err(err).Msg("Poll cycle failed")
		}

		select {
		case <-ticker.C:
		case <-p.stopCh:
			return
		}
	}
}

// RunOnce performs one full cycle. On a fetch or persist error no state
// changes and the next cycle recomputes from fresh upstream data.
func (p *Poller) RunOnce(ctx context.Context) (Result, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollCycleDuration)

	observed, err := p.cfg.Fetcher.Fetch(ctx)
	if err != nil {
		metrics.RecordUpstreamFetchFailure()
		metrics.UpdateComponent("poller", false, err.Error())
		return Result{}, fmt.Errorf("fetch territories: %w", err)
	}

	if p.cfg.Enricher != nil {
		for name, obs := range observed {
			p.cfg.Enricher.Enrich(&obs.Owner)
			observed[name] = obs
		}
	}

	prev := diff.FromSnapshot(p.cfg.Live.Snapshot())
	candidates := diff.Compute(prev, observed)
	removed := diff.Removed(prev, observed)
	if len(removed) > 0 {
		p.logger.Warn().Strs("territories", removed).Msg("Territories missing from upstream, keeping last known owner")
	}

	res := Result{Territories: len(observed), Changes: len(candidates), Removed: len(removed)}
	if len(candidates) == 0 {
		metrics.UpdateComponent("poller", true, "")
		return res, nil
	}

	// Shutdown must not interrupt a batch halfway; Append is atomic either way.
	persisted, err := p.cfg.Sequencer.Persist(context.WithoutCancel(ctx), candidates)
	if err != nil {
		metrics.UpdateComponent("storage", false, err.Error())
		return res, err
	}
	metrics.UpdateComponent("storage", true, "")

	for _, ev := range persisted {
		if err := p.cfg.Live.Apply(ev); err != nil {
			p.recover(ctx, err)
			return res, err
		}
		p.cfg.Broker.Publish(ev)
		logger := log.WithTerritory(ev.Territory)
		logger.Debug().
			Uint64("seq", ev.Sequence).
			Str("guild", ev.NewOwner.Name).
			Msg("Ownership changed")
	}

	res.FirstSeq = persisted[0].Sequence
	res.LastSeq = persisted[len(persisted)-1].Sequence
	metrics.UpdateComponent("poller", true, "")
	p.logger.Info().
		Int("changes", res.Changes).
		Uint64("first_seq", res.FirstSeq).
		Uint64("last_seq", res.LastSeq).
		Msg("Applied ownership changes")
	return res, nil
}

// recover rebuilds live state from the log after an apply rejection.
// Subscribers see the jump as a gap and fill it from history.
func (p *Poller) recover(ctx context.Context, cause error) {
	if p.cfg.Rebuilder == nil {
		p.logger.Error().Err(cause).Msg("Live state out of step with log and no rebuilder configured")
		return
	}
	wm, err := p.cfg.Rebuilder.Restore(context.WithoutCancel(ctx), p.cfg.Live)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to rebuild live state from log")
		return
	}
	p.logger.Warn().Err(cause).Uint64("watermark", wm).Msg("Rebuilt live state from log")
}
