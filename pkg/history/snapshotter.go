package history

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultSnapshotInterval matches the upstream's slowest meaningful churn
const DefaultSnapshotInterval = 6 * time.Hour

// Source supplies live snapshots
type Source interface {
	Snapshot() types.Snapshot
}

// Snapshotter periodically persists the live snapshot keyed by watermark so
// point-in-time queries fold fewer events.
type Snapshotter struct {
	source   Source
	store    storage.SnapshotStore
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSeq  uint64
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSnapshotter creates a snapshotter; interval <= 0 uses the default
func NewSnapshotter(source Source, store storage.SnapshotStore, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &Snapshotter{
		source:   source,
		store:    store,
		interval: interval,
		logger:   log.WithComponent("snapshotter"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start takes one snapshot immediately, then one per interval
func (s *Snapshotter) Start() {
	go s.run()
}

// Stop ends the loop and waits for it
func (s *Snapshotter) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Snapshotter) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.snapshot()
	for {
		select {
		case <-ticker.C:
			s.snapshot()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Snapshotter) snapshot() {
	if _, err := s.SnapshotOnce(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist snapshot")
	}
}

// SnapshotOnce persists the current live snapshot unless nothing was applied
// since the last one. It reports whether a snapshot was written.
func (s *Snapshotter) SnapshotOnce(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.source.Snapshot()
	if snap.Watermark == 0 || snap.Watermark == s.lastSeq {
		return false, nil
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return false, err
	}
	s.lastSeq = snap.Watermark
	s.logger.Info().
		Uint64("watermark", snap.Watermark).
		Int("territories", len(snap.Entries)).
		Msg("Persisted snapshot")
	return true, nil
}
