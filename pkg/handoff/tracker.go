package handoff

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/sequoia/pkg/types"
)

// ErrGapUnfilled is returned when history cannot supply the missing events
var ErrGapUnfilled = errors.New("handoff: gap could not be filled from history")

// Outcome classifies one received event against the tracker's watermark
type Outcome int

const (
	// Applied means the event was watermark+1 and the watermark advanced
	Applied Outcome = iota
	// Duplicate means the event was at or below the watermark
	Duplicate
	// Gap means at least one event between the watermark and this one is missing
	Gap
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EventSource is the history query the tracker resyncs from
type EventSource interface {
	EventsAfter(ctx context.Context, after uint64, limit int) ([]types.OwnershipEvent, error)
}

// Tracker follows a stream by sequence. It is not safe for concurrent use;
// each connection owns one.
type Tracker struct {
	watermark uint64
}

// NewTracker starts at the watermark of the initial snapshot
func NewTracker(watermark uint64) *Tracker {
	return &Tracker{watermark: watermark}
}

// Watermark is the highest contiguous sequence seen
func (t *Tracker) Watermark() uint64 {
	return t.watermark
}

// Reset moves the watermark, e.g. after a fresh snapshot
func (t *Tracker) Reset(watermark uint64) {
	t.watermark = watermark
}

// Observe classifies ev and advances the watermark when it is next in line
func (t *Tracker) Observe(ev types.OwnershipEvent) Outcome {
	switch {
	case ev.Sequence <= t.watermark:
		return Duplicate
	case ev.Sequence == t.watermark+1:
		t.watermark = ev.Sequence
		return Applied
	default:
		return Gap
	}
}

// Fill pages events_after(watermark) from src until the watermark reaches
// through, calling fn for every event it applies.
func (t *Tracker) Fill(ctx context.Context, src EventSource, through uint64, pageSize int, fn func(types.OwnershipEvent) error) error {
	for t.watermark < through {
		page, err := src.EventsAfter(ctx, t.watermark, pageSize)
		if err != nil {
			return fmt.Errorf("events after %d: %w", t.watermark, err)
		}
		if len(page) == 0 {
			return fmt.Errorf("%w: history ends at %d, need %d", ErrGapUnfilled, t.watermark, through)
		}
		for _, ev := range page {
			if ev.Sequence > through {
				return nil
			}
			switch t.Observe(ev) {
			case Applied:
				if err := fn(ev); err != nil {
					return err
				}
			case Gap:
				return fmt.Errorf("%w: history skipped from %d to %d", ErrGapUnfilled, t.watermark, ev.Sequence)
			}
		}
	}
	return nil
}
