package guild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/sequoia/pkg/cache"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDetailTTL      = 10 * time.Minute
	DefaultOnlineTTL      = 2 * time.Minute
	DefaultMaxOnlineBatch = 25
)

// metric labels for the two lookup paths
const (
	detailLabel = "guild"
	onlineLabel = "guilds_online"
)

// ErrTooManyNames is returned when an online query exceeds the batch limit
var ErrTooManyNames = errors.New("guild: too many names")

// Source fetches one guild's raw detail document
type Source interface {
	FetchGuild(ctx context.Context, name string) ([]byte, error)
}

// OnlineStatus is the compact per-guild answer for online queries
type OnlineStatus struct {
	Online       uint32 `json:"online"`
	SeasonRating *int64 `json:"season_rating,omitempty"`
}

// DirectoryConfig configures a Directory
type DirectoryConfig struct {
	Source         Source
	Backend        cache.Backend
	DetailTTL      time.Duration
	OnlineTTL      time.Duration
	MaxConcurrency int64
	MaxEntries     int
	MaxOnlineBatch int
}

// Directory serves guild details and online counts from one shared payload
// cache. Detail and online lookups apply different freshness limits to the
// same entries and are counted separately.
type Directory struct {
	source    Source
	payloads  *cache.Cache
	detailTTL time.Duration
	onlineTTL time.Duration
	maxBatch  int
	logger    zerolog.Logger
}

// NewDirectory creates a directory
func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.DetailTTL <= 0 {
		cfg.DetailTTL = DefaultDetailTTL
	}
	if cfg.OnlineTTL <= 0 {
		cfg.OnlineTTL = DefaultOnlineTTL
	}
	if cfg.MaxOnlineBatch <= 0 {
		cfg.MaxOnlineBatch = DefaultMaxOnlineBatch
	}
	if cfg.Backend == nil {
		cfg.Backend = cache.NewMemory(cfg.DetailTTL, 5*time.Minute)
	}

	return &Directory{
		source: cfg.Source,
		// One front for both paths: one refill per guild and one upstream
		// concurrency limit, whichever route asked.
		payloads: cache.New(cfg.Backend, cache.Options{
			Name:           detailLabel,
			MaxConcurrency: cfg.MaxConcurrency,
			MaxEntries:     cfg.MaxEntries,
		}),
		detailTTL: cfg.DetailTTL,
		onlineTTL: cfg.OnlineTTL,
		maxBatch:  cfg.MaxOnlineBatch,
		logger:    log.WithComponent("guild-directory"),
	}
}

// Size returns the number of cached guild payloads
func (d *Directory) Size(ctx context.Context) int {
	n := d.payloads.Len(ctx)
	metrics.GuildCacheSize.Set(float64(n))
	return n
}

// Detail returns the raw detail document for name
func (d *Directory) Detail(ctx context.Context, name string) ([]byte, error) {
	name, err := upstream.NormalizeGuildName(name)
	if err != nil {
		return nil, err
	}
	return d.payloads.GetOrFetchAs(ctx, detailLabel, name, d.detailTTL, d.source.FetchGuild)
}

// ParseNames splits a comma separated list, dropping blanks, invalid names
// and duplicates while keeping first-seen order.
func ParseNames(raw string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, part := range strings.Split(raw, ",") {
		name, err := upstream.NormalizeGuildName(part)
		if err != nil {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Online returns the online status of each guild it could resolve. Guilds
// whose refill failed or whose payload has no online count are omitted.
func (d *Directory) Online(ctx context.Context, names []string) (map[string]OnlineStatus, error) {
	metrics.RecordGuildsOnlineRequest()

	result := make(map[string]OnlineStatus, len(names))
	if len(names) == 0 {
		return result, nil
	}
	if len(names) > d.maxBatch {
		return nil, fmt.Errorf("%w: %d requested, at most %d", ErrTooManyNames, len(names), d.maxBatch)
	}

	statuses := make([]*OnlineStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			data, err := d.payloads.GetOrFetchAs(gctx, onlineLabel, name, d.onlineTTL, d.source.FetchGuild)
			if err != nil {
				d.logger.Debug().Err(err).Str("guild", name).Msg("Online lookup failed")
				return nil
			}
			status, ok := ParseOnline(data)
			if !ok {
				return nil
			}
			statuses[i] = &status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, name := range names {
		if statuses[i] != nil {
			result[name] = *statuses[i]
		}
	}
	return result, nil
}

// ParseOnline extracts the online count and the rating of the newest season
// from a guild detail document.
func ParseOnline(data []byte) (OnlineStatus, bool) {
	var doc struct {
		Online      *uint32 `json:"online"`
		SeasonRanks map[string]struct {
			Rating *int64 `json:"rating"`
		} `json:"seasonRanks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Online == nil {
		return OnlineStatus{}, false
	}

	status := OnlineStatus{Online: *doc.Online}
	latest := -1
	for key, rank := range doc.SeasonRanks {
		season, err := strconv.Atoi(key)
		if err != nil || season <= latest {
			continue
		}
		latest = season
		status.SeasonRating = rank.Rating
	}
	return status, true
}
