package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// MaxGuildNameLen bounds names accepted for guild lookups
const MaxGuildNameLen = 64

// ErrInvalidGuildName is returned for names that cannot be looked up
var ErrInvalidGuildName = errors.New("upstream: invalid guild name")

// GuildFetcher reads one guild's detail document
type GuildFetcher struct {
	BaseURL   string
	UserAgent string
	client    *http.Client
}

// NewGuildFetcher creates a fetcher; an empty base uses the public endpoint
func NewGuildFetcher(base, userAgent string, timeout time.Duration) *GuildFetcher {
	if base == "" {
		base = DefaultGuildURL
	}
	return &GuildFetcher{BaseURL: strings.TrimRight(base, "/"), UserAgent: userAgent, client: newHTTPClient(timeout)}
}

// FetchGuild returns the raw JSON document for name
func (f *GuildFetcher) FetchGuild(ctx context.Context, name string) ([]byte, error) {
	name, err := NormalizeGuildName(name)
	if err != nil {
		return nil, err
	}
	return get(ctx, f.client, f.BaseURL+"/"+url.PathEscape(name), f.UserAgent)
}

// NormalizeGuildName trims name and rejects empty, over-long, control or
// path-significant input.
func NormalizeGuildName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxGuildNameLen {
		return "", ErrInvalidGuildName
	}
	if strings.ContainsFunc(name, func(r rune) bool {
		return unicode.IsControl(r) || strings.ContainsRune(`/\?#`, r)
	}) {
		return "", ErrInvalidGuildName
	}
	return name, nil
}
