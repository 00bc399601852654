package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const territoryPayload = `{
  "Detlas": {
    "guild": {"uuid": "2B3C4D5E-0000-4000-8000-000000000001", "name": " Avicia ", "prefix": "AVO"},
    "acquired": "2025-02-01T10:00:00.000Z",
    "location": {"start": [0, 0], "end": [10, 10]}
  },
  "Ragni": {
    "guild": {"uuid": null, "name": null, "prefix": null},
    "acquired": "2025-02-01T09:00:00Z"
  },
  "Almuj": {
    "acquired": "2025-02-01T08:00:00Z"
  }
}`

func TestParseTerritories(t *testing.T) {
	snap, err := ParseTerritories([]byte(territoryPayload))
	require.NoError(t, err)
	require.Len(t, snap, 3)

	detlas := snap["Detlas"]
	assert.Equal(t, "2b3c4d5e-0000-4000-8000-000000000001", detlas.Owner.UUID)
	assert.Equal(t, "Avicia", detlas.Owner.Name)
	assert.Equal(t, "AVO", detlas.Owner.Prefix)
	assert.True(t, detlas.AcquiredAt.Equal(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)))

	for _, name := range []string{"Ragni", "Almuj"} {
		assert.True(t, snap[name].Owner.IsUnclaimed(), name)
		assert.Equal(t, types.UnclaimedGuildName, snap[name].Owner.Name)
		assert.Equal(t, types.UnclaimedGuildPrefix, snap[name].Owner.Prefix)
	}
}

func TestHTTPFetcher(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(territoryPayload))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, "sequoia-test", time.Second)
	snap, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.Equal(t, "sequoia-test", gotUA)
}

func TestHTTPFetcherErrors(t *testing.T) {
	long := strings.Repeat("x", 500)
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "status",
			status: http.StatusServiceUnavailable,
			body:   long,
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
				assert.Len(t, se.Preview, 200)
			},
		},
		{
			name:   "decode",
			status: http.StatusOK,
			body:   "<html>maintenance</html>",
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "decode territory payload")
				assert.Contains(t, err.Error(), "maintenance")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPFetcher(srv.URL, "", time.Second).Fetch(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestParseColors(t *testing.T) {
	body := `{"territories": {
		"A": {"guild": "Avicia", "guildColor": "#ffd700"},
		"B": {"guild": null, "guildColor": "#ffffff"},
		"C": {"guild": "Broken", "guildColor": "#12"},
		"D": {"guild": "Nocolor"}
	}}`
	colors, err := ParseColors([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, map[string]types.RGB{"Avicia": {R: 255, G: 215, B: 0}}, colors)
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want types.RGB
		ok   bool
	}{
		{"#ffd700", types.RGB{R: 255, G: 215}, true},
		{"00FF80", types.RGB{G: 255, B: 128}, true},
		{"#fff", types.RGB{}, false},
		{"#gg0000", types.RGB{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseHexColor(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestGuildFetcherEscapesName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"name":"The Aquarium","online":3}`))
	}))
	defer srv.Close()

	f := NewGuildFetcher(srv.URL+"/v3/guild/", "", time.Second)
	body, err := f.FetchGuild(context.Background(), "  The Aquarium ")
	require.NoError(t, err)
	assert.Contains(t, string(body), "online")
	assert.Equal(t, "/v3/guild/The%20Aquarium", gotPath)
}

func TestNormalizeGuildName(t *testing.T) {
	for _, bad := range []string{"", "   ", "a/b", `a\b`, "a?b", "a#b", "a\x00b", strings.Repeat("n", 65)} {
		_, err := NormalizeGuildName(bad)
		assert.ErrorIs(t, err, ErrInvalidGuildName, "%q", bad)
	}
	name, err := NormalizeGuildName("  Avicia ")
	require.NoError(t, err)
	assert.Equal(t, "Avicia", name)
}

func TestParseExtra(t *testing.T) {
	body := `{
		"Ragni": {"resources": {"emeralds": 9000, "ore": 0, "crops": 3600, "fish": 0, "wood": 0}, "connections": ["Maltic", "Emerald Trail"]},
		"Bare": {},
		"Partial": {"resources": {"wood": 7200}}
	}`
	extra, err := ParseExtra([]byte(body))
	require.NoError(t, err)
	require.Len(t, extra, 3)
	assert.Equal(t, types.Resources{Emeralds: 9000, Crops: 3600}, extra["Ragni"].Resources)
	assert.Equal(t, []string{"Maltic", "Emerald Trail"}, extra["Ragni"].Connections)
	assert.Equal(t, types.TerritoryExtra{}, extra["Bare"])
	assert.Equal(t, 7200, extra["Partial"].Resources.Wood)
	assert.Nil(t, extra["Partial"].Connections)

	_, err = ParseExtra([]byte(`[1, 2]`))
	assert.Error(t, err)
}

func TestExtraFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Ragni": {"connections": ["Maltic"]}}`))
	}))
	defer srv.Close()

	extra, err := NewExtraFetcher(srv.URL, "sequoia-test", time.Second).FetchExtra(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Maltic"}, extra["Ragni"].Connections)
}
