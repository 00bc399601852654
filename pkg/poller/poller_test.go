package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/sequencer"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	guildX = types.GuildIdentity{UUID: "11111111-1111-1111-1111-111111111111", Name: "GuildX", Prefix: "GX"}
	guildY = types.GuildIdentity{UUID: "22222222-2222-2222-2222-222222222222", Name: "GuildY", Prefix: "GY"}
)

// scriptedFetcher returns its snapshots in order, repeating the last one.
type scriptedFetcher struct {
	mu    sync.Mutex
	snaps []types.TerritorySnapshot
	errs  []error
	calls int
}

func (f *scriptedFetcher) Fetch(context.Context) (types.TerritorySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.snaps)-1)
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.snaps[i], nil
}

type failingLog struct {
	storage.Log
	fail bool
}

func (l *failingLog) Append(ctx context.Context, evs []types.OwnershipEvent, at time.Time) ([]types.OwnershipEvent, error) {
	if l.fail {
		return nil, errors.New("connection reset")
	}
	return l.Log.Append(ctx, evs, at)
}

type colorOf map[string]types.RGB

func (c colorOf) Enrich(owner *types.GuildIdentity) {
	if rgb, ok := c[owner.Name]; ok {
		owner.Color = &rgb
	}
}

type rig struct {
	log    *failingLog
	live   *state.Store
	broker *events.Broker
	sub    *events.Subscription
	poller *Poller
}

func newRig(t *testing.T, fetcher *scriptedFetcher) *rig {
	t.Helper()
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	r := &rig{
		log:    &failingLog{Log: bolt},
		live:   state.NewStore(),
		broker: events.NewBroker(64),
	}
	r.sub = r.broker.Subscribe()
	r.poller = New(Config{
		Fetcher:   fetcher,
		Sequencer: sequencer.New(r.log),
		Live:      r.live,
		Broker:    r.broker,
		Enricher:  colorOf{"GuildY": {R: 9}},
		Rebuilder: history.NewService(r.log, 0, 0),
		Interval:  time.Hour,
	})
	return r
}

func (r *rig) published() []types.OwnershipEvent {
	var out []types.OwnershipEvent
	for {
		select {
		case ev := <-r.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func obs(owner types.GuildIdentity) types.Observation {
	return types.Observation{Owner: owner, AcquiredAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNewTerritoryProducesSingleEvent(t *testing.T) {
	f := &scriptedFetcher{snaps: []types.TerritorySnapshot{
		{"B": obs(guildX)},
		{"A": obs(guildY), "B": obs(guildX)},
	}}
	r := newRig(t, f)
	ctx := context.Background()

	_, err := r.poller.RunOnce(ctx)
	require.NoError(t, err)
	before, err := r.log.Bounds(ctx)
	require.NoError(t, err)

	res, err := r.poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changes)

	after, err := r.log.Bounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.MaxSeq+1, after.MaxSeq)

	pub := r.published()
	require.Len(t, pub, 2)
	a := pub[1]
	assert.Equal(t, "A", a.Territory)
	assert.Nil(t, a.PrevOwner)
	assert.Equal(t, guildY.UUID, a.NewOwner.UUID)
	require.NotNil(t, a.NewOwner.Color)
	assert.Equal(t, uint8(9), a.NewOwner.Color.R)
	assert.Equal(t, after.MaxSeq, r.live.Watermark())
}

func TestOwnerChangeChainsPrevOwner(t *testing.T) {
	f := &scriptedFetcher{snaps: []types.TerritorySnapshot{
		{"A": obs(guildX)},
		{"A": obs(guildY)},
		{"A": obs(guildY)},
	}}
	r := newRig(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.poller.RunOnce(ctx)
		require.NoError(t, err)
	}

	evs, err := r.log.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.NotNil(t, evs[1].PrevOwner)
	assert.Equal(t, evs[0].NewOwner.UUID, evs[1].PrevOwner.UUID)
}

func TestMissingTerritoryKeepsOwner(t *testing.T) {
	f := &scriptedFetcher{snaps: []types.TerritorySnapshot{
		{"A": obs(guildX), "B": obs(guildY)},
		{"A": obs(guildX)},
	}}
	r := newRig(t, f)
	ctx := context.Background()

	_, err := r.poller.RunOnce(ctx)
	require.NoError(t, err)
	res, err := r.poller.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Changes)
	assert.Equal(t, 1, res.Removed)
	b, ok := r.live.Get("B")
	require.True(t, ok)
	assert.Equal(t, guildY.UUID, b.Owner.UUID)
}

func TestFetchFailureChangesNothing(t *testing.T) {
	f := &scriptedFetcher{
		snaps: []types.TerritorySnapshot{nil, {"A": obs(guildX)}},
		errs:  []error{errors.New("upstream 503")},
	}
	r := newRig(t, f)
	ctx := context.Background()
	before := metrics.Observed.Snapshot().UpstreamFetchFailures

	_, err := r.poller.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, before+1, metrics.Observed.Snapshot().UpstreamFetchFailures)
	assert.Zero(t, r.live.Watermark())

	_, err = r.poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.live.Watermark())
}

func TestFetchFailureAfterSuccessMarksPollerUnhealthy(t *testing.T) {
	f := &scriptedFetcher{
		snaps: []types.TerritorySnapshot{{"A": obs(guildX)}, nil, {"A": obs(guildX)}},
		errs:  []error{nil, errors.New("upstream 503")},
	}
	r := newRig(t, f)
	ctx := context.Background()

	_, err := r.poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, metrics.ComponentHealthy("poller"))

	_, err = r.poller.RunOnce(ctx)
	require.Error(t, err)
	assert.False(t, metrics.ComponentHealthy("poller"))

	_, err = r.poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, metrics.ComponentHealthy("poller"))
}

func TestPersistFailureIsNotApplied(t *testing.T) {
	f := &scriptedFetcher{snaps: []types.TerritorySnapshot{{"A": obs(guildX), "B": obs(guildY)}}}
	r := newRig(t, f)
	ctx := context.Background()
	before := metrics.Observed.Snapshot().PersistFailures

	r.log.fail = true
	_, err := r.poller.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, before+1, metrics.Observed.Snapshot().PersistFailures)
	assert.Zero(t, r.live.Watermark())
	assert.Empty(t, r.published())

	r.log.fail = false
	res, err := r.poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.FirstSeq)
	assert.Equal(t, uint64(2), res.LastSeq)
	assert.Len(t, r.published(), 2)
}

func TestRecoversWhenLiveFallsBehind(t *testing.T) {
	f := &scriptedFetcher{snaps: []types.TerritorySnapshot{
		{"A": obs(guildX)},
		{"A": obs(guildY)},
	}}
	r := newRig(t, f)
	ctx := context.Background()

	// a write that bypasses the live store
	_, err := r.log.Append(ctx, []types.OwnershipEvent{{Territory: "Z", NewOwner: guildX}}, time.Now())
	require.NoError(t, err)

	_, err = r.poller.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(2), r.live.Watermark())

	_, err = r.poller.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.live.Watermark())
}

func TestStartStop(t *testing.T) {
	f := &scriptedFetcher{snaps: []types.TerritorySnapshot{{"A": obs(guildX)}}}
	r := newRig(t, f)

	r.poller.Start()
	require.Eventually(t, func() bool { return r.live.Watermark() == 1 }, 2*time.Second, 10*time.Millisecond)
	r.poller.Stop()
	r.poller.Stop()
}
