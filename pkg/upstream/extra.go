package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
)

// ExtraFetcher reads per-territory resources and connections
type ExtraFetcher struct {
	URL       string
	UserAgent string
	client    *http.Client
}

// NewExtraFetcher creates a fetcher; an empty url uses the public file
func NewExtraFetcher(url, userAgent string, timeout time.Duration) *ExtraFetcher {
	if url == "" {
		url = DefaultExtraURL
	}
	return &ExtraFetcher{URL: url, UserAgent: userAgent, client: newHTTPClient(timeout)}
}

// FetchExtra returns territory name to extra data
func (f *ExtraFetcher) FetchExtra(ctx context.Context) (map[string]types.TerritoryExtra, error) {
	body, err := get(ctx, f.client, f.URL, f.UserAgent)
	if err != nil {
		return nil, err
	}
	extra, err := ParseExtra(body)
	if err != nil {
		return nil, fmt.Errorf("decode extra territory payload: %w; body preview: %s", err, preview(body))
	}
	return extra, nil
}

// ParseExtra decodes {name: {resources: {...}, connections: [...]}}.
// Missing fields decode as zero; unknown fields are ignored.
func ParseExtra(body []byte) (map[string]types.TerritoryExtra, error) {
	var payload map[string]struct {
		Resources   *types.Resources `json:"resources"`
		Connections []string         `json:"connections"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]types.TerritoryExtra, len(payload))
	for name, t := range payload {
		if name == "" {
			continue
		}
		var extra types.TerritoryExtra
		if t.Resources != nil {
			extra.Resources = *t.Resources
		}
		if len(t.Connections) > 0 {
			extra.Connections = append([]string(nil), t.Connections...)
		}
		out[name] = extra
	}
	return out, nil
}
