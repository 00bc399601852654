package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
	"github.com/google/uuid"
)

// Fetcher produces one full ownership snapshot per call
type Fetcher interface {
	Fetch(ctx context.Context) (types.TerritorySnapshot, error)
}

// HTTPFetcher reads the territory list endpoint
type HTTPFetcher struct {
	URL       string
	UserAgent string
	client    *http.Client
}

// NewHTTPFetcher creates a fetcher; an empty url uses the public endpoint
func NewHTTPFetcher(url, userAgent string, timeout time.Duration) *HTTPFetcher {
	if url == "" {
		url = DefaultTerritoryURL
	}
	return &HTTPFetcher{URL: url, UserAgent: userAgent, client: newHTTPClient(timeout)}
}

type rawGuild struct {
	UUID   *string `json:"uuid"`
	Name   *string `json:"name"`
	Prefix *string `json:"prefix"`
}

type rawTerritory struct {
	Guild    *rawGuild `json:"guild"`
	Acquired time.Time `json:"acquired"`
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context) (types.TerritorySnapshot, error) {
	body, err := get(ctx, f.client, f.URL, f.UserAgent)
	if err != nil {
		return nil, err
	}
	snap, err := ParseTerritories(body)
	if err != nil {
		return nil, fmt.Errorf("decode territory payload: %w; body preview: %s", err, preview(body))
	}
	return snap, nil
}

// ParseTerritories decodes {name: {guild: {uuid, name, prefix}, acquired}}.
// Rows without a guild, or with blank fields, fall back to the unclaimed
// placeholder values field by field.
func ParseTerritories(body []byte) (types.TerritorySnapshot, error) {
	var raw map[string]rawTerritory
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	snap := make(types.TerritorySnapshot, len(raw))
	for name, t := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		snap[name] = types.Observation{
			Owner:      guildFrom(t.Guild),
			AcquiredAt: t.Acquired.UTC(),
		}
	}
	return snap, nil
}

func guildFrom(g *rawGuild) types.GuildIdentity {
	owner := types.Unclaimed()
	if g == nil {
		return owner
	}
	if v := trimmed(g.UUID); v != "" {
		owner.UUID = normalizeUUID(v)
	}
	if v := trimmed(g.Name); v != "" {
		owner.Name = v
	}
	if v := trimmed(g.Prefix); v != "" {
		owner.Prefix = v
	}
	return owner
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// normalizeUUID canonicalises case and hyphenation so the same guild never
// diffs as a change; unparseable ids are kept verbatim.
func normalizeUUID(s string) string {
	id, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return id.String()
}
