package guild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	docs  map[string]string
	calls map[string]int
}

func (f *fakeSource) FetchGuild(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	doc, ok := f.docs[name]
	if !ok {
		return nil, fmt.Errorf("guild %s: 404", name)
	}
	return []byte(doc), nil
}

type fakeColors struct {
	colors map[string]types.RGB
	err    error
}

func (f fakeColors) FetchColors(context.Context) (map[string]types.RGB, error) {
	return f.colors, f.err
}

func TestParseNames(t *testing.T) {
	got := ParseNames(" Avicia, ,Paladins United,Avicia,bad/name,  Titans Valor ")
	assert.Equal(t, []string{"Avicia", "Paladins United", "Titans Valor"}, got)
	assert.Empty(t, ParseNames(""))
}

func TestParseOnline(t *testing.T) {
	status, ok := ParseOnline([]byte(`{"online": 7, "seasonRanks": {"9": {"rating": 100}, "21": {"rating": 4200}, "x": {"rating": 1}}}`))
	require.True(t, ok)
	assert.Equal(t, uint32(7), status.Online)
	require.NotNil(t, status.SeasonRating)
	assert.Equal(t, int64(4200), *status.SeasonRating)

	status, ok = ParseOnline([]byte(`{"online": 0}`))
	require.True(t, ok)
	assert.Nil(t, status.SeasonRating)

	_, ok = ParseOnline([]byte(`{"name": "no online field"}`))
	assert.False(t, ok)
}

func TestDirectoryOnline(t *testing.T) {
	src := &fakeSource{docs: map[string]string{
		"Avicia":   `{"online": 3}`,
		"Paladins": `{"online": 11, "seasonRanks": {"20": {"rating": 9}}}`,
	}}
	d := NewDirectory(DirectoryConfig{Source: src, MaxEntries: 64})
	ctx := context.Background()
	before := metrics.Observed.Snapshot()

	got, err := d.Online(ctx, []string{"Avicia", "Paladins", "Missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, uint32(3), got["Avicia"].Online)
	assert.Equal(t, uint32(11), got["Paladins"].Online)

	_, err = d.Online(ctx, []string{"Avicia"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls["Avicia"])

	after := metrics.Observed.Snapshot()
	assert.Equal(t, before.GuildsOnlineRequests+2, after.GuildsOnlineRequests)
	online := after.Caches["guilds_online"]
	assert.GreaterOrEqual(t, online.UpstreamErrors, before.Caches["guilds_online"].UpstreamErrors+1)
	assert.GreaterOrEqual(t, online.Hits, before.Caches["guilds_online"].Hits+1)
	assert.Equal(t, 2, d.Size(ctx))
}

func TestDirectoryOnlineBatchLimit(t *testing.T) {
	d := NewDirectory(DirectoryConfig{Source: &fakeSource{}, MaxOnlineBatch: 2})
	_, err := d.Online(context.Background(), []string{"a", "b", "c"})
	assert.True(t, errors.Is(err, ErrTooManyNames))

	got, err := d.Online(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectoryDetailSharesCache(t *testing.T) {
	src := &fakeSource{docs: map[string]string{"Avicia": `{"online": 3, "level": 100}`}}
	d := NewDirectory(DirectoryConfig{Source: src})
	ctx := context.Background()

	_, err := d.Online(ctx, []string{"Avicia"})
	require.NoError(t, err)
	body, err := d.Detail(ctx, " Avicia ")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"level": 100`)
	assert.Equal(t, 1, src.calls["Avicia"])

	_, err = d.Detail(ctx, "a/b")
	assert.Error(t, err)
}

// slowSource counts calls per name and the peak number of fetches in flight
type slowSource struct {
	delay    time.Duration
	mu       sync.Mutex
	calls    map[string]int
	inFlight int
	peak     int
}

func (s *slowSource) FetchGuild(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[name]++
	s.inFlight++
	s.peak = max(s.peak, s.inFlight)
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return []byte(`{"online": 1}`), nil
}

func TestDirectoryDetailAndOnlineCoalesce(t *testing.T) {
	src := &slowSource{delay: 100 * time.Millisecond}
	d := NewDirectory(DirectoryConfig{Source: src})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := d.Detail(ctx, "Avicia")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		got, err := d.Online(ctx, []string{"Avicia"})
		assert.NoError(t, err)
		assert.Len(t, got, 1)
	}()
	wg.Wait()

	assert.Equal(t, 1, src.calls["Avicia"])
}

func TestDirectorySharesConcurrencyLimit(t *testing.T) {
	src := &slowSource{delay: 50 * time.Millisecond}
	d := NewDirectory(DirectoryConfig{Source: src, MaxConcurrency: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, name := range []string{"a1", "a2", "a3", "a4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Detail(ctx, name)
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := d.Online(ctx, []string{"b1", "b2", "b3", "b4"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.LessOrEqual(t, src.peak, 2)
	assert.Len(t, src.calls, 8)
}

func TestColorsRefreshPersistsAndEnriches(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	gold := types.RGB{R: 255, G: 215}
	c := NewColors(fakeColors{colors: map[string]types.RGB{"Avicia": gold}}, store, 0)
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, 1, c.Len())

	owner := types.GuildIdentity{UUID: "g1", Name: "Avicia"}
	c.Enrich(&owner)
	require.NotNil(t, owner.Color)
	assert.Equal(t, gold, *owner.Color)

	unclaimed := types.Unclaimed()
	c.Enrich(&unclaimed)
	assert.Nil(t, unclaimed.Color)

	restarted := NewColors(fakeColors{err: errors.New("down")}, store, 0)
	require.NoError(t, restarted.LoadPersisted(ctx))
	assert.Error(t, restarted.Refresh(ctx))
	rgb, ok := restarted.Lookup("Avicia")
	assert.True(t, ok)
	assert.Equal(t, gold, rgb)
}
