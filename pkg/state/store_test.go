package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(seq uint64, territory, guildUUID string) types.OwnershipEvent {
	return types.OwnershipEvent{
		Sequence:   seq,
		Territory:  territory,
		NewOwner:   types.GuildIdentity{UUID: guildUUID, Name: "G-" + guildUUID, Prefix: "G"},
		AcquiredAt: time.Date(2025, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestApplyInOrder(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Apply(event(1, "A", "g1")))
	require.NoError(t, s.Apply(event(2, "B", "g2")))
	require.NoError(t, s.Apply(event(3, "A", "g3")))

	assert.Equal(t, uint64(3), s.Watermark())
	assert.Equal(t, 2, s.Len())

	a, ok := s.Get("A")
	require.True(t, ok)
	assert.Equal(t, "g3", a.Owner.UUID)
	assert.Equal(t, uint64(3), a.AppliedSequence)
}

func TestApplyRejectsOutOfOrder(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(event(1, "A", "g1")))
	before := metrics.Observed.Snapshot().ApplyRejections

	tests := []struct {
		name string
		seq  uint64
	}{
		{"gap", 3},
		{"duplicate", 1},
		{"zero", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Apply(event(tt.seq, "B", "g2"))
			assert.True(t, errors.Is(err, ErrOutOfOrder))
		})
	}

	assert.Equal(t, uint64(1), s.Watermark())
	_, ok := s.Get("B")
	assert.False(t, ok)
	assert.Equal(t, before+3, metrics.Observed.Snapshot().ApplyRejections)
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	s := NewStore()
	red := types.RGB{R: 255}
	ev := event(1, "Zeta", "g1")
	ev.NewOwner.Color = &red
	require.NoError(t, s.Apply(ev))
	require.NoError(t, s.Apply(event(2, "Alpha", "g2")))

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Watermark)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "Alpha", snap.Entries[0].Territory)
	assert.Equal(t, "Zeta", snap.Entries[1].Territory)

	snap.Entries[1].Owner.Color.R = 0
	z, _ := s.Get("Zeta")
	assert.Equal(t, uint8(255), z.Owner.Color.R)
}

func TestRestore(t *testing.T) {
	s := NewStore()
	s.Restore(types.Snapshot{
		Watermark: 41,
		Entries: []types.LiveOwnershipEntry{
			{Territory: "A", Owner: types.GuildIdentity{UUID: "g1"}, AppliedSequence: 40},
		},
	})

	assert.Equal(t, uint64(41), s.Watermark())
	assert.Error(t, s.Apply(event(41, "A", "g2")))
	assert.NoError(t, s.Apply(event(42, "A", "g2")))
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s := NewStore()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; i++ {
			assert.NoError(t, s.Apply(event(i, fmt.Sprintf("T%d", i%7), "g")))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := s.Snapshot()
				for _, e := range snap.Entries {
					assert.LessOrEqual(t, e.AppliedSequence, snap.Watermark)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(n), s.Watermark())
}
