package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by Import when a dumped row differs from the
	// row already persisted under the same sequence
	ErrConflict = errors.New("storage: conflicting event")
	// ErrGap is returned by Import when the dump would leave a hole in the
	// sequence
	ErrGap = errors.New("storage: sequence gap")
)

// Log is the durable, append-only ownership event log. Implementations
// serialize Append calls; sequences handed out by a failed Append are never
// observed.
type Log interface {
	// Append assigns the next sequences to events in slice order and
	// persists all of them in one atomic unit. The returned copies carry
	// Sequence and RecordedAt.
	Append(ctx context.Context, events []types.OwnershipEvent, recordedAt time.Time) ([]types.OwnershipEvent, error)

	// EventsAfter returns up to limit events with Sequence > after, ascending.
	EventsAfter(ctx context.Context, after uint64, limit int) ([]types.OwnershipEvent, error)

	// Scan calls fn for every event with after < Sequence <= upTo, ascending.
	Scan(ctx context.Context, after, upTo uint64, fn func(types.OwnershipEvent) error) error

	// Bounds reports the persisted range; an empty log sets Empty.
	Bounds(ctx context.Context) (types.Bounds, error)

	// SequenceAt returns the highest sequence recorded at or before t.
	SequenceAt(ctx context.Context, t time.Time) (uint64, bool, error)

	// Import recreates events from a dump. Identical existing rows are
	// skipped; new rows must extend the log without gaps.
	Import(ctx context.Context, events []types.OwnershipEvent) (int, error)

	SnapshotStore
	ColorStore

	Ping(ctx context.Context) error
	Close() error
}

// SnapshotStore persists coarse recovery points keyed by watermark
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap types.Snapshot) error
	// LatestSnapshot returns the newest snapshot whose watermark is <= atOrBefore.
	LatestSnapshot(ctx context.Context, atOrBefore uint64) (types.Snapshot, bool, error)
}

// ColorStore keeps the last known guild colours across restarts
type ColorStore interface {
	SaveGuildColors(ctx context.Context, colors map[string]types.RGB) error
	LoadGuildColors(ctx context.Context) (map[string]types.RGB, error)
}

// nextRecordedAt keeps recorded_at non-decreasing along the sequence even if
// the wall clock steps backwards.
func nextRecordedAt(last, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if now.Before(last) {
		return last
	}
	return now
}

// assign stamps a batch with sequences starting after last.
func assign(events []types.OwnershipEvent, last uint64, lastRecorded, now time.Time) ([]types.OwnershipEvent, error) {
	recorded := nextRecordedAt(lastRecorded, now)
	out := make([]types.OwnershipEvent, len(events))
	for i, ev := range events {
		if ev.Territory == "" {
			return nil, fmt.Errorf("event %d has no territory", i)
		}
		if last == ^uint64(0) {
			return nil, errors.New("sequence overflow")
		}
		last++
		ev.Sequence = last
		ev.RecordedAt = recorded
		ev.AcquiredAt = ev.AcquiredAt.UTC().Truncate(time.Microsecond)
		ev.NewOwner = ev.NewOwner.Clone()
		if ev.PrevOwner != nil {
			p := ev.PrevOwner.Clone()
			ev.PrevOwner = &p
		}
		out[i] = ev
	}
	return out, nil
}

// checkImport decides what to do with one dumped event given the row
// already stored under its sequence (if any) and the current last sequence.
func checkImport(ev types.OwnershipEvent, existing *types.OwnershipEvent, last uint64) (insert bool, err error) {
	if existing != nil {
		if existing.Equal(ev) {
			return false, nil
		}
		return false, fmt.Errorf("%w: sequence %d", ErrConflict, ev.Sequence)
	}
	if ev.Sequence != last+1 {
		return false, fmt.Errorf("%w: expected sequence %d, got %d", ErrGap, last+1, ev.Sequence)
	}
	return true, nil
}

var (
	_ Log = (*BoltStore)(nil)
	_ Log = (*PostgresStore)(nil)
)
