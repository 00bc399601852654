package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/api"
	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/sequencer"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(seq uint64, territory, owner string) types.OwnershipEvent {
	return types.OwnershipEvent{
		Sequence:   seq,
		RecordedAt: time.Date(2025, 6, 1, 0, 0, int(seq), 0, time.UTC),
		AcquiredAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Territory:  territory,
		NewOwner:   types.GuildIdentity{UUID: owner, Name: owner, Prefix: "TST"},
	}
}

func TestQueries(t *testing.T) {
	l, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	live := state.NewStore()
	seq := sequencer.New(l)
	out, err := seq.Persist(context.Background(), []types.OwnershipEvent{
		event(0, "Detlas", "g1"),
		event(0, "Ragni", "g2"),
	})
	require.NoError(t, err)
	for _, ev := range out {
		require.NoError(t, live.Apply(ev))
	}

	broker := events.NewBroker(4)
	t.Cleanup(broker.Close)
	server := api.NewServer(api.Config{
		Live:    live,
		Broker:  broker,
		History: history.NewService(l, 0, 0),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	c := NewClient(strings.TrimPrefix(srv.URL, "http://"))
	ctx := context.Background()

	snap, err := c.LiveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Watermark)
	assert.Len(t, snap.Entries, 2)

	evs, err := c.EventsAfter(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "Ragni", evs[0].Territory)

	bounds, err := c.Bounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), bounds.MaxSeq)

	one := uint64(1)
	at, err := c.StateAt(ctx, history.StateQuery{Sequence: &one})
	require.NoError(t, err)
	assert.Len(t, at.Ownership, 1)

	old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = c.StateAt(ctx, history.StateQuery{At: &old})
	assert.True(t, IsNotFound(err))

	_, err = c.EventsPage(ctx, 0, 5000)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "limit")

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, health.Territories)
}

// gapServer streams a snapshot at 1, then updates 2 and 4, and serves the
// missing 3 from its history route.
func gapServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := []types.OwnershipEvent{
		event(1, "Detlas", "g1"),
		event(2, "Ragni", "g2"),
		event(3, "Detlas", "g3"),
		event(4, "Almuj", "g4"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		snap := types.Snapshot{Watermark: 1, Entries: []types.LiveOwnershipEntry{log[0].Entry()}}
		write := func(kind string, seq uint64, v any) {
			data, _ := json.Marshal(v)
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, kind, data)
		}
		fmt.Fprint(w, ": hello\n\n")
		write("snapshot", 1, snap)
		write("update", 1, log[0])
		write("update", 2, log[1])
		write("update", 4, log[3])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/history/events", func(w http.ResponseWriter, r *http.Request) {
		after, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)
		page := history.Page{Events: []types.OwnershipEvent{}}
		for _, ev := range log {
			if ev.Sequence > after {
				page.Events = append(page.Events, ev)
			}
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWatchFillsGaps(t *testing.T) {
	srv := gapServer(t)
	c := NewClient(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mirror := state.NewStore()
	var seen []uint64
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, mirror, func(ev types.OwnershipEvent) {
			seen = append(seen, ev.Sequence)
			if ev.Sequence == 4 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not finish")
	}

	assert.Equal(t, []uint64{2, 3, 4}, seen)
	assert.Equal(t, uint64(4), mirror.Watermark())
	entry, ok := mirror.Get("Detlas")
	require.True(t, ok)
	assert.Equal(t, "g3", entry.Owner.UUID)
	assert.Equal(t, 3, mirror.Len())
}

func TestReadFrames(t *testing.T) {
	stream := ": comment\n\nevent: update\ndata: {\"a\":\ndata: 1}\n\ndata: plain\n\n"
	var got []string
	err := readFrames(strings.NewReader(stream), func(kind, data string) error {
		got = append(got, kind+"="+data)
		return nil
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, []string{"update={\"a\":\n1}", "message=plain"}, got)
}

func TestWatchFillsGapsWithinServerPageLimit(t *testing.T) {
	l, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var logged []types.OwnershipEvent
	for i := 0; i < 250; i++ {
		out, err := l.Append(ctx, []types.OwnershipEvent{
			event(0, fmt.Sprintf("T%03d", i), "g1"),
		}, time.Date(2025, 6, 1, 0, 0, i, 0, time.UTC))
		require.NoError(t, err)
		logged = append(logged, out...)
	}

	broker := events.NewBroker(4)
	t.Cleanup(broker.Close)
	server := api.NewServer(api.Config{
		Live:    state.NewStore(),
		Broker:  broker,
		History: history.NewService(l, 100, 200),
	})

	// Stream a snapshot at 1 and then jump straight to the last event.
	mux := http.NewServeMux()
	mux.Handle("/api/history/", server.Handler())
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		snap := types.Snapshot{Watermark: 1, Entries: []types.LiveOwnershipEntry{logged[0].Entry()}}
		last := logged[len(logged)-1]
		data, _ := json.Marshal(snap)
		fmt.Fprintf(w, "id: 1\nevent: snapshot\ndata: %s\n\n", data)
		data, _ = json.Marshal(last)
		fmt.Fprintf(w, "id: %d\nevent: update\ndata: %s\n\n", last.Sequence, data)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mirror := state.NewStore()
	done := make(chan error, 1)
	go func() {
		done <- NewClient(srv.URL).Watch(ctx, mirror, func(ev types.OwnershipEvent) {
			if ev.Sequence == uint64(len(logged)) {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not finish")
	}
	assert.Equal(t, uint64(250), mirror.Watermark())
	assert.Equal(t, 250, mirror.Len())
}
