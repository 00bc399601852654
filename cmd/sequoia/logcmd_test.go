package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/storage"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()

	var batch []types.OwnershipEvent
	for _, territory := range []string{"Detlas", "Ragni", "Almuj"} {
		batch = append(batch, types.OwnershipEvent{
			Territory:  territory,
			NewOwner:   types.GuildIdentity{UUID: "g1", Name: "Guild", Prefix: "G"},
			AcquiredAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	_, err = src.Append(ctx, batch, time.Date(2025, 6, 1, 0, 1, 0, 0, time.UTC))
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := exportEvents(ctx, src, 0, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	events, err := readDump(strings.NewReader(buf.String() + "\n"))
	require.NoError(t, err)
	require.Len(t, events, 3)

	dst, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	inserted, err := dst.Import(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	inserted, err = dst.Import(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	got, err := dst.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.True(t, got[i].Equal(events[i]))
	}
}

func TestReadDumpRejectsBadLines(t *testing.T) {
	_, err := readDump(strings.NewReader("{\"seq\":1}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")

	_, err = readDump(strings.NewReader("{\"territory\":\"Detlas\"}\n"))
	assert.ErrorContains(t, err, "no sequence")
}
