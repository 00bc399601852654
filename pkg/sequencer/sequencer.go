// Package sequencer assigns sequence numbers to diff batches and persists
// them through the durable log. Only one batch is in flight at a time.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

// Sequencer serializes Persist calls over a storage.Log
type Sequencer struct {
	log    storage.Log
	mu     sync.Mutex
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a sequencer writing to l
func New(l storage.Log) *Sequencer {
	return &Sequencer{
		log:    l,
		now:    time.Now,
		logger: log.WithComponent("sequencer"),
	}
}

// Persist stamps batch with the next sequences and commits it as one unit.
// On error nothing was consumed and the caller may retry with a fresh diff.
func (s *Sequencer) Persist(ctx context.Context, batch []types.OwnershipEvent) ([]types.OwnershipEvent, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	persisted, err := s.log.Append(ctx, batch, s.now())
	timer.ObserveDuration(metrics.PersistDuration)
	if err != nil {
		metrics.RecordPersistFailure()
		s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to persist ownership batch")
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	metrics.RecordPersistedUpdateEvents(len(persisted))
	s.logger.Debug().
		Uint64("first_seq", persisted[0].Sequence).
		Uint64("last_seq", persisted[len(persisted)-1].Sequence).
		Msg("Persisted ownership batch")
	return persisted, nil
}
