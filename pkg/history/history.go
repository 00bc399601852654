// Package history answers cursor, bounds and point-in-time queries against
// the durable log, independent of the live path.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize = 500
	MaxPageSize     = 1000
)

var (
	// ErrInvalidRange reports a page size or sequence outside what the log can answer
	ErrInvalidRange = errors.New("history: invalid range")
	// ErrAmbiguousQuery reports a state_at query with both or neither of time and sequence
	ErrAmbiguousQuery = errors.New("history: exactly one of time or sequence is required")
	// ErrNoData reports a point-in-time query that precedes the first event
	ErrNoData = errors.New("history: no data at requested point")
	// ErrUnavailable wraps storage failures so callers can tell them from bad input
	ErrUnavailable = errors.New("history: storage unavailable")
)

// StateQuery selects a point in history by time or by sequence, never both
type StateQuery struct {
	At       *time.Time
	Sequence *uint64
}

// Service reads from a storage.Log
type Service struct {
	log         storage.Log
	defaultPage int
	maxPage     int
	logger      zerolog.Logger
}

// NewService creates a history service. Non-positive page sizes fall back
// to the package defaults.
func NewService(l storage.Log, defaultPage, maxPage int) *Service {
	if maxPage <= 0 {
		maxPage = MaxPageSize
	}
	if defaultPage <= 0 || defaultPage > maxPage {
		defaultPage = min(DefaultPageSize, maxPage)
	}
	return &Service{
		log:         l,
		defaultPage: defaultPage,
		maxPage:     maxPage,
		logger:      log.WithComponent("history"),
	}
}

// DefaultPage is the page size used when a caller does not pick one
func (s *Service) DefaultPage() int { return s.defaultPage }

// MaxPage is the largest accepted page size
func (s *Service) MaxPage() int { return s.maxPage }

// EventsAfter returns up to limit events with sequence > after, ascending
func (s *Service) EventsAfter(ctx context.Context, after uint64, limit int) ([]types.OwnershipEvent, error) {
	if err := s.checkPage(after, limit); err != nil {
		return nil, err
	}
	events, err := s.log.EventsAfter(ctx, after, limit)
	if err != nil {
		return nil, s.unavailable(err)
	}
	return events, nil
}

// checkPage validates a cursor request. Sequences are stored as signed
// 64-bit integers by the postgres backend, so larger cursors are rejected
// rather than wrapped.
func (s *Service) checkPage(after uint64, limit int) error {
	if limit <= 0 || limit > s.maxPage {
		return fmt.Errorf("%w: limit must be in 1..%d, got %d", ErrInvalidRange, s.maxPage, limit)
	}
	if after > math.MaxInt64 {
		return fmt.Errorf("%w: after_seq %d exceeds %d", ErrInvalidRange, after, int64(math.MaxInt64))
	}
	return nil
}

// Page is one cursor page of events
type Page struct {
	Events       []types.OwnershipEvent `json:"events"`
	HasMore      bool                   `json:"has_more"`
	NextAfterSeq uint64                 `json:"next_after_seq"`
}

// EventsPage is EventsAfter plus a has-more flag and the cursor for the
// next page. NextAfterSeq equals after when the page is empty.
func (s *Service) EventsPage(ctx context.Context, after uint64, limit int) (Page, error) {
	if err := s.checkPage(after, limit); err != nil {
		return Page{}, err
	}
	events, err := s.log.EventsAfter(ctx, after, limit+1)
	if err != nil {
		return Page{}, s.unavailable(err)
	}

	page := Page{Events: events, NextAfterSeq: after}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if page.Events == nil {
		page.Events = []types.OwnershipEvent{}
	}
	if n := len(page.Events); n > 0 {
		page.NextAfterSeq = page.Events[n-1].Sequence
	}
	return page, nil
}

// Bounds reports the persisted range; an empty log is not an error
func (s *Service) Bounds(ctx context.Context) (types.Bounds, error) {
	b, err := s.log.Bounds(ctx)
	if err != nil {
		return types.Bounds{}, s.unavailable(err)
	}
	return b, nil
}

// StateAt resolves q to a sequence and reconstructs ownership there
func (s *Service) StateAt(ctx context.Context, q StateQuery) (types.Snapshot, error) {
	switch {
	case (q.At == nil) == (q.Sequence == nil):
		return types.Snapshot{}, ErrAmbiguousQuery
	case q.Sequence != nil:
		return s.StateAtSequence(ctx, *q.Sequence)
	default:
		return s.StateAtTime(ctx, *q.At)
	}
}

// StateAtTime reconstructs ownership as of the last event recorded at or
// before t.
func (s *Service) StateAtTime(ctx context.Context, t time.Time) (types.Snapshot, error) {
	seq, found, err := s.log.SequenceAt(ctx, t)
	if err != nil {
		return types.Snapshot{}, s.unavailable(err)
	}
	if !found {
		return types.Snapshot{}, fmt.Errorf("%w: %s is before the first recorded event", ErrNoData, t.UTC().Format(time.RFC3339))
	}
	return s.StateAtSequence(ctx, seq)
}

// StateAtSequence folds every event up to and including seq onto the
// newest stored snapshot at or below seq. Sequence 0 is the empty state.
func (s *Service) StateAtSequence(ctx context.Context, seq uint64) (types.Snapshot, error) {
	bounds, err := s.log.Bounds(ctx)
	if err != nil {
		return types.Snapshot{}, s.unavailable(err)
	}
	if seq > bounds.MaxSeq {
		return types.Snapshot{}, fmt.Errorf("%w: sequence %d is beyond the log (max %d)", ErrInvalidRange, seq, bounds.MaxSeq)
	}

	base, found, err := s.log.LatestSnapshot(ctx, seq)
	if err != nil {
		return types.Snapshot{}, s.unavailable(err)
	}
	if !found {
		base = types.Snapshot{}
	}

	entries := make(map[string]types.LiveOwnershipEntry, len(base.Entries))
	for _, e := range base.Entries {
		entries[e.Territory] = e
	}
	takenAt := base.TakenAt

	folded := 0
	err = s.log.Scan(ctx, base.Watermark, seq, func(ev types.OwnershipEvent) error {
		entries[ev.Territory] = ev.Entry()
		takenAt = ev.RecordedAt
		folded++
		return nil
	})
	if err != nil {
		return types.Snapshot{}, s.unavailable(err)
	}

	out := types.Snapshot{
		Watermark: seq,
		TakenAt:   takenAt,
		Entries:   make([]types.LiveOwnershipEntry, 0, len(entries)),
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, e)
	}
	types.SortEntries(out.Entries)

	s.logger.Debug().
		Uint64("seq", seq).
		Uint64("base_watermark", base.Watermark).
		Int("folded", folded).
		Msg("Reconstructed state")
	return out, nil
}

// Live is the part of the live state store history restores into
type Live interface {
	Restore(types.Snapshot)
}

// Restore rebuilds live from the log tail. An empty log leaves live untouched.
func (s *Service) Restore(ctx context.Context, live Live) (uint64, error) {
	bounds, err := s.log.Bounds(ctx)
	if err != nil {
		return 0, s.unavailable(err)
	}
	if bounds.Empty {
		return 0, nil
	}
	snap, err := s.StateAtSequence(ctx, bounds.MaxSeq)
	if err != nil {
		return 0, err
	}
	live.Restore(snap)
	s.logger.Info().
		Uint64("watermark", snap.Watermark).
		Int("territories", len(snap.Entries)).
		Msg("Restored live state from history")
	return snap.Watermark, nil
}

// Available pings the log and updates the history gauge
func (s *Service) Available(ctx context.Context) bool {
	ok := s.log.Ping(ctx) == nil
	metrics.SetFlag(metrics.HistoryAvailable, ok)
	return ok
}

func (s *Service) unavailable(err error) error {
	metrics.SetFlag(metrics.HistoryAvailable, false)
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
