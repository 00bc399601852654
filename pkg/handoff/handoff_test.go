package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/config"
	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(seq uint64) types.OwnershipEvent {
	return types.OwnershipEvent{
		Sequence:  seq,
		Territory: "T",
		NewOwner:  types.GuildIdentity{UUID: "g", Name: "G", Prefix: "G"},
	}
}

type call struct {
	after uint64
	limit int
}

// fakeHistory serves EventsAfter from a fixed log.
type fakeHistory struct {
	mu    sync.Mutex
	log   []types.OwnershipEvent
	calls []call
}

func newFakeHistory(upTo uint64) *fakeHistory {
	h := &fakeHistory{}
	for i := uint64(1); i <= upTo; i++ {
		h.log = append(h.log, ev(i))
	}
	return h
}

func (h *fakeHistory) EventsAfter(_ context.Context, after uint64, limit int) ([]types.OwnershipEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{after, limit})
	var out []types.OwnershipEvent
	for _, e := range h.log {
		if e.Sequence > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestTrackerObserve(t *testing.T) {
	tr := NewTracker(10)

	assert.Equal(t, Duplicate, tr.Observe(ev(9)))
	assert.Equal(t, Duplicate, tr.Observe(ev(10)))
	assert.Equal(t, Applied, tr.Observe(ev(11)))
	assert.Equal(t, Gap, tr.Observe(ev(13)))
	assert.Equal(t, uint64(11), tr.Watermark())
	assert.Equal(t, "gap", Gap.String())
}

func TestTrackerFillsDroppedEvent(t *testing.T) {
	// watermark 10; 11 and 13 arrive, 12 was dropped
	h := newFakeHistory(13)
	tr := NewTracker(10)

	require.Equal(t, Applied, tr.Observe(ev(11)))
	received := ev(13)
	require.Equal(t, Gap, tr.Observe(received))

	var filled []uint64
	err := tr.Fill(context.Background(), h, received.Sequence, 10, func(e types.OwnershipEvent) error {
		filled = append(filled, e.Sequence)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []call{{after: 11, limit: 10}}, h.calls)
	assert.Equal(t, []uint64{12, 13}, filled)
	assert.Equal(t, uint64(13), tr.Watermark())
	assert.Equal(t, Duplicate, tr.Observe(received))
}

func TestTrackerFillPagesAndFails(t *testing.T) {
	h := newFakeHistory(7)
	tr := NewTracker(0)

	var n int
	err := tr.Fill(context.Background(), h, 7, 3, func(types.OwnershipEvent) error { n++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Len(t, h.calls, 3)

	err = tr.Fill(context.Background(), h, 9, 3, func(types.OwnershipEvent) error { return nil })
	assert.True(t, errors.Is(err, ErrGapUnfilled))
}

func TestTrackerCaughtUpIsNoop(t *testing.T) {
	h := newFakeHistory(5)
	tr := NewTracker(5)

	page, err := h.EventsAfter(context.Background(), tr.Watermark(), 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	require.NoError(t, tr.Fill(context.Background(), h, 5, 10, func(types.OwnershipEvent) error {
		t.Fatal("nothing to fill")
		return nil
	}))
}

type harness struct {
	live    *state.Store
	broker  *events.Broker
	session *Session
	frames  chan Frame
	cancel  context.CancelFunc
	done    chan error
}

func startSession(t *testing.T, mode config.HandoffMode, history EventSource, watermark uint64) *harness {
	t.Helper()
	h := &harness{
		live:   state.NewStore(),
		broker: events.NewBroker(16),
		frames: make(chan Frame, 64),
		done:   make(chan error, 1),
	}
	for i := uint64(1); i <= watermark; i++ {
		require.NoError(t, h.live.Apply(ev(i)))
	}
	cfg := SessionConfig{Mode: mode, Live: h.live, Broker: h.broker, PageSize: 10}
	if history != nil {
		cfg.History = history
	}
	h.session = NewSession(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.session.Run(ctx, func(f Frame) error {
			h.frames <- f
			return nil
		})
	}()
	require.Eventually(t, func() bool { return h.session.State() == Streaming }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return Frame{}
	}
}

func (h *harness) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame %s %d", f.Kind, f.Sequence())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionSequencedHandshake(t *testing.T) {
	h := startSession(t, config.HandoffSequenced, nil, 10)

	first := h.next(t)
	assert.Equal(t, FrameSnapshot, first.Kind)
	assert.Equal(t, uint64(10), first.Sequence())

	// replayed at-or-below-watermark events are discarded
	h.broker.Publish(ev(9), ev(10))
	h.none(t)

	h.broker.Publish(ev(11))
	f := h.next(t)
	assert.Equal(t, FrameUpdate, f.Kind)
	assert.Equal(t, uint64(11), f.Sequence())
}

func TestSessionFillsGapFromHistory(t *testing.T) {
	hist := newFakeHistory(13)
	h := startSession(t, config.HandoffSequenced, hist, 10)
	require.Equal(t, FrameSnapshot, h.next(t).Kind)

	h.broker.Publish(ev(11), ev(13))

	var got []uint64
	for i := 0; i < 3; i++ {
		got = append(got, h.next(t).Sequence())
	}
	assert.Equal(t, []uint64{11, 12, 13}, got)
	h.none(t)
	assert.Equal(t, Streaming, h.session.State())
}

func TestSessionForwardsGapWithoutHistory(t *testing.T) {
	h := startSession(t, config.HandoffSequenced, nil, 10)
	require.Equal(t, FrameSnapshot, h.next(t).Kind)

	h.broker.Publish(ev(11), ev(13), ev(14))
	assert.Equal(t, uint64(11), h.next(t).Sequence())
	assert.Equal(t, uint64(13), h.next(t).Sequence())
	assert.Equal(t, uint64(14), h.next(t).Sequence())
}

func TestSessionCoarse(t *testing.T) {
	h := startSession(t, config.HandoffCoarse, nil, 3)

	first := h.next(t)
	assert.Equal(t, FrameSnapshot, first.Kind)
	assert.Equal(t, uint64(3), first.Sequence())

	h.broker.Publish(ev(4))
	assert.Equal(t, FrameUpdate, h.next(t).Kind)
}

func TestSessionEndsWhenBrokerCloses(t *testing.T) {
	h := startSession(t, config.HandoffSequenced, nil, 0)
	require.Equal(t, FrameSnapshot, h.next(t).Kind)

	h.broker.Close()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, Disconnected, h.session.State())
}
