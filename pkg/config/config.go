package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// HandoffMode selects how live subscriptions are served. It is resolved once
// at startup and passed explicitly to the subscription handler.
type HandoffMode string

const (
	// HandoffSequenced registers with the hub before snapshotting and
	// forwards only events above the snapshot watermark, filling gaps from
	// history.
	HandoffSequenced HandoffMode = "sequenced"
	// HandoffCoarse sends the current snapshot and whatever the hub
	// delivers afterwards, with no gap filling.
	HandoffCoarse HandoffMode = "coarse"
)

func (m HandoffMode) Sequenced() bool {
	return m == HandoffSequenced
}

const (
	StorageBolt     = "bolt"
	StoragePostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	MaxConns    int32  `yaml:"max_conns" env:"MAX_CONNS"`
}

type UpstreamConfig struct {
	TerritoryURL string        `yaml:"territory_url" env:"TERRITORY_URL"`
	GuildURL     string        `yaml:"guild_url" env:"GUILD_URL"`
	ColorURL     string        `yaml:"color_url" env:"COLOR_URL"`
	ExtraURL     string        `yaml:"extra_url" env:"EXTRA_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	UserAgent    string        `yaml:"user_agent" env:"USER_AGENT"`
}

type PollConfig struct {
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	ColorInterval    time.Duration `yaml:"color_interval" env:"COLOR_INTERVAL"`
	ExtraInterval    time.Duration `yaml:"extra_interval" env:"EXTRA_INTERVAL"`
}

type HistoryConfig struct {
	DefaultPage int `yaml:"default_page" env:"DEFAULT_PAGE"`
	MaxPage     int `yaml:"max_page" env:"MAX_PAGE"`
}

type BroadcastConfig struct {
	Buffer    int           `yaml:"buffer" env:"BUFFER"`
	Keepalive time.Duration `yaml:"keepalive" env:"KEEPALIVE"`
}

type CacheConfig struct {
	Backend          string        `yaml:"backend" env:"BACKEND"`
	GuildTTL         time.Duration `yaml:"guild_ttl" env:"GUILD_TTL"`
	OnlineTTL        time.Duration `yaml:"online_ttl" env:"ONLINE_TTL"`
	MaxConcurrency   int64         `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	MaxEntries       int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxOnlineBatch   int           `yaml:"max_online_batch" env:"MAX_ONLINE_BATCH"`
	RedisAddr        string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB          int           `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix      string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	RedisPassword    string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	EvictionInterval time.Duration `yaml:"eviction_interval" env:"EVICTION_INTERVAL"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// Config is the complete server configuration
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"SEQUOIA_LISTEN_ADDR"`
	DataDir    string          `yaml:"data_dir" env:"SEQUOIA_DATA_DIR"`
	Handoff    HandoffMode     `yaml:"handoff_mode" env:"SEQUOIA_HANDOFF_MODE"`
	Storage    StorageConfig   `yaml:"storage" envPrefix:"SEQUOIA_STORAGE_"`
	Upstream   UpstreamConfig  `yaml:"upstream" envPrefix:"SEQUOIA_UPSTREAM_"`
	Poll       PollConfig      `yaml:"poll" envPrefix:"SEQUOIA_POLL_"`
	History    HistoryConfig   `yaml:"history" envPrefix:"SEQUOIA_HISTORY_"`
	Broadcast  BroadcastConfig `yaml:"broadcast" envPrefix:"SEQUOIA_BROADCAST_"`
	Cache      CacheConfig     `yaml:"cache" envPrefix:"SEQUOIA_CACHE_"`
	Log        LogConfig       `yaml:"log" envPrefix:"SEQUOIA_LOG_"`

	// LegacyHandoff carries the older boolean switch; when set it wins over
	// Handoff.
	LegacyHandoff string `yaml:"-" env:"SEQ_LIVE_HANDOFF_V1"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ListenAddr: ":3000",
		DataDir:    "./sequoia-data",
		Handoff:    HandoffSequenced,
		Storage: StorageConfig{
			Driver:   StorageBolt,
			MaxConns: 10,
		},
		Upstream: UpstreamConfig{
			TerritoryURL: "https://api.wynncraft.com/v3/guild/list/territory",
			GuildURL:     "https://api.wynncraft.com/v3/guild",
			ColorURL:     "https://athena.wynntils.com/cache/get/territoryList",
			ExtraURL:     "https://gist.githubusercontent.com/Zatzou/14c82f2df0eb4093dfa1d543b78a73a8/raw/d03273fce33c031498c07e21b94f17644c8aae98/terrextra.json",
			Timeout:      10 * time.Second,
			UserAgent:    "sequoia/0.1",
		},
		Poll: PollConfig{
			Interval:         10 * time.Second,
			SnapshotInterval: 6 * time.Hour,
			ColorInterval:    10 * time.Minute,
			ExtraInterval:    time.Hour,
		},
		History: HistoryConfig{
			DefaultPage: 500,
			MaxPage:     1000,
		},
		Broadcast: BroadcastConfig{
			Buffer:    256,
			Keepalive: 15 * time.Second,
		},
		Cache: CacheConfig{
			Backend:          CacheMemory,
			GuildTTL:         10 * time.Minute,
			OnlineTTL:        2 * time.Minute,
			MaxConcurrency:   8,
			MaxEntries:       64,
			MaxOnlineBatch:   25,
			RedisAddr:        "localhost:6379",
			RedisPrefix:      "sequoia",
			EvictionInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and finally the process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.LegacyHandoff != "" {
		if truthy(cfg.LegacyHandoff) {
			cfg.Handoff = HandoffSequenced
		} else {
			cfg.Handoff = HandoffCoarse
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.Handoff {
	case HandoffSequenced, HandoffCoarse:
	default:
		errs = append(errs, fmt.Errorf("handoff_mode must be %q or %q, got %q", HandoffSequenced, HandoffCoarse, c.Handoff))
	}
	switch c.Storage.Driver {
	case StorageBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for bolt storage"))
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Upstream.TerritoryURL == "" {
		errs = append(errs, errors.New("upstream.territory_url is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.History.DefaultPage <= 0 || c.History.MaxPage < c.History.DefaultPage {
		errs = append(errs, fmt.Errorf("history pages invalid: default %d, max %d", c.History.DefaultPage, c.History.MaxPage))
	}
	if c.Broadcast.Buffer <= 0 {
		errs = append(errs, errors.New("broadcast.buffer must be positive"))
	}
	if c.Cache.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("cache.max_concurrency must be positive"))
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	return errors.Join(errs...)
}
