package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
)

// ColorFetcher reads guild colours from the community territory cache
type ColorFetcher struct {
	URL       string
	UserAgent string
	client    *http.Client
}

// NewColorFetcher creates a fetcher; an empty url uses the public endpoint
func NewColorFetcher(url, userAgent string, timeout time.Duration) *ColorFetcher {
	if url == "" {
		url = DefaultColorURL
	}
	return &ColorFetcher{URL: url, UserAgent: userAgent, client: newHTTPClient(timeout)}
}

// FetchColors returns guild name to colour
func (f *ColorFetcher) FetchColors(ctx context.Context) (map[string]types.RGB, error) {
	body, err := get(ctx, f.client, f.URL, f.UserAgent)
	if err != nil {
		return nil, err
	}
	colors, err := ParseColors(body)
	if err != nil {
		return nil, fmt.Errorf("decode colour payload: %w; body preview: %s", err, preview(body))
	}
	return colors, nil
}

// ParseColors decodes {territories: {..: {guild, guildColor: "#rrggbb"}}}.
// Rows with no guild or an unparseable colour are skipped; the first colour
// seen for a guild wins.
func ParseColors(body []byte) (map[string]types.RGB, error) {
	var payload struct {
		Territories map[string]struct {
			Guild      *string `json:"guild"`
			GuildColor *string `json:"guildColor"`
		} `json:"territories"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	colors := make(map[string]types.RGB)
	for _, t := range payload.Territories {
		name := trimmed(t.Guild)
		if name == "" || t.GuildColor == nil {
			continue
		}
		if _, seen := colors[name]; seen {
			continue
		}
		if rgb, ok := ParseHexColor(*t.GuildColor); ok {
			colors[name] = rgb
		}
	}
	return colors, nil
}

// ParseHexColor accepts "#rrggbb" or "rrggbb"
func ParseHexColor(s string) (types.RGB, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return types.RGB{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return types.RGB{}, false
	}
	return types.RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, true
}
