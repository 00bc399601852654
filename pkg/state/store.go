// Package state holds the live ownership map: one entry per territory plus
// the applied watermark. Apply is strictly watermark-adjacent.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

// ErrOutOfOrder is returned when an event is not watermark+1
var ErrOutOfOrder = errors.New("state: event out of order")

// Store is safe for many concurrent readers and a single applying writer
type Store struct {
	mu        sync.RWMutex
	entries   map[string]types.LiveOwnershipEntry
	watermark uint64
	logger    zerolog.Logger
}

// NewStore creates an empty store at watermark 0
func NewStore() *Store {
	return &Store{
		entries: make(map[string]types.LiveOwnershipEntry),
		logger:  log.WithComponent("state"),
	}
}

// Apply installs event if its sequence is exactly watermark+1
func (s *Store) Apply(event types.OwnershipEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Sequence != s.watermark+1 {
		metrics.RecordApplyRejection()
		s.logger.Error().
			Uint64("event_seq", event.Sequence).
			Uint64("watermark", s.watermark).
			Str("territory", event.Territory).
			Msg("Rejected out-of-order apply")
		return fmt.Errorf("%w: got %d, watermark %d", ErrOutOfOrder, event.Sequence, s.watermark)
	}

	s.entries[event.Territory] = event.Entry()
	s.watermark = event.Sequence
	s.publishGauges()
	return nil
}

// Snapshot returns a deep copy of all entries, sorted by territory, with
// the watermark they reflect.
func (s *Store) Snapshot() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]types.LiveOwnershipEntry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Owner = e.Owner.Clone()
		entries = append(entries, e)
	}
	types.SortEntries(entries)

	return types.Snapshot{
		Watermark: s.watermark,
		TakenAt:   time.Now().UTC(),
		Entries:   entries,
	}
}

// Get returns the entry for one territory
func (s *Store) Get(territory string) (types.LiveOwnershipEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[territory]
	if ok {
		e.Owner = e.Owner.Clone()
	}
	return e, ok
}

// Watermark returns the highest applied sequence
func (s *Store) Watermark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// Len returns the number of territories held
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Restore replaces the whole map. Used once at startup before any Apply.
func (s *Store) Restore(snap types.Snapshot) {
	entries := make(map[string]types.LiveOwnershipEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		e.Owner = e.Owner.Clone()
		entries[e.Territory] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.watermark = snap.Watermark
	s.publishGauges()
}

func (s *Store) publishGauges() {
	metrics.TerritoriesTotal.Set(float64(len(s.entries)))
	metrics.LiveWatermark.Set(float64(s.watermark))
}
