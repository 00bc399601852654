// Package upstream fetches territory ownership, guild colours and guild
// details from the game's public APIs.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	DefaultTerritoryURL = "https://api.wynncraft.com/v3/guild/list/territory"
	DefaultGuildURL     = "https://api.wynncraft.com/v3/guild"
	DefaultColorURL     = "https://athena.wynntils.com/cache/get/territoryList"
	DefaultExtraURL     = "https://gist.githubusercontent.com/Zatzou/14c82f2df0eb4093dfa1d543b78a73a8/raw/d03273fce33c031498c07e21b94f17644c8aae98/terrextra.json"
	DefaultTimeout      = 10 * time.Second

	previewLen   = 200
	maxBodyBytes = 16 << 20
)

// StatusError reports a non-2xx upstream response
type StatusError struct {
	URL        string
	StatusCode int
	Preview    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d; body preview: %s", e.URL, e.StatusCode, e.Preview)
}

// preview returns at most previewLen runes of body
func preview(body []byte) string {
	if utf8.RuneCount(body) <= previewLen {
		return string(body)
	}
	runes := []rune(string(body))
	return string(runes[:previewLen])
}

// newHTTPClient builds the shared client used by every fetcher
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// get performs a GET and returns the body of a 2xx response
func get(ctx context.Context, client *http.Client, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Preview: preview(body)}
	}
	return body, nil
}
