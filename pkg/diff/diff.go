// Package diff compares two territory snapshots and produces the ownership
// changes between them.
//
// A territory whose owner UUID differs, or which appears for the first time,
// yields one candidate event. A territory missing from the new snapshot
// yields nothing: the last known owner is retained, because a missing
// upstream row cannot be told apart from a transient omission. This keeps
// stale ownership on display if the upstream stops reporting a territory,
// and is deliberate.
package diff

import (
	"sort"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
)

// Previous is the known ownership a new snapshot is compared against,
// keyed by territory.
type Previous map[string]types.LiveOwnershipEntry

// FromSnapshot indexes a live snapshot for comparison.
func FromSnapshot(s types.Snapshot) Previous {
	prev := make(Previous, len(s.Entries))
	for _, e := range s.Entries {
		prev[e.Territory] = e
	}
	return prev
}

// Compute returns candidate events ordered by territory name ascending.
// Sequence and RecordedAt are left zero for the sequencer to assign.
func Compute(prev Previous, next types.TerritorySnapshot) []types.OwnershipEvent {
	names := make([]string, 0, len(next))
	for name := range next {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []types.OwnershipEvent
	for _, name := range names {
		obs := next[name]
		old, known := prev[name]
		if known && old.Owner.SameGuild(obs.Owner) {
			continue
		}

		ev := types.OwnershipEvent{
			Territory:  name,
			AcquiredAt: acquiredAt(obs),
			NewOwner:   obs.Owner.Clone(),
		}
		if known {
			p := old.Owner.Clone()
			ev.PrevOwner = &p
		}
		events = append(events, ev)
	}
	return events
}

// Removed lists territories present in prev but absent from next. They do
// not produce events; callers only report them.
func Removed(prev Previous, next types.TerritorySnapshot) []string {
	var gone []string
	for name := range prev {
		if _, ok := next[name]; !ok {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	return gone
}

func acquiredAt(obs types.Observation) time.Time {
	if obs.AcquiredAt.IsZero() {
		return time.Now().UTC()
	}
	return obs.AcquiredAt.UTC()
}
