package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Live state metrics
	TerritoriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequoia_territories_total",
			Help: "Number of territories in the live snapshot",
		},
	)

	LiveWatermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequoia_live_watermark",
			Help: "Highest sequence applied to the live state store",
		},
	)

	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequoia_subscribers_active",
			Help: "Number of live subscriptions registered with the distribution hub",
		},
	)

	HistoryAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequoia_history_available",
			Help: "Whether durable history is reachable (1 = yes, 0 = no)",
		},
	)

	SeqLiveHandoffEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequoia_seq_live_handoff_enabled",
			Help: "Whether sequence-aware live handoff is enabled (1 = yes, 0 = no)",
		},
	)

	GuildCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequoia_guild_cache_size",
			Help: "Number of entries in the guild cache",
		},
	)

	// Request metrics
	LiveStateRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_live_state_requests_total",
			Help: "Total number of live state requests",
		},
	)

	GuildsOnlineRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_guilds_online_requests_total",
			Help: "Total number of guilds online requests",
		},
	)

	// Pipeline metrics
	PersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_persist_failures_total",
			Help: "Total number of event batches that failed to persist",
		},
	)

	PersistedUpdateEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_persisted_update_events_total",
			Help: "Total number of ownership events durably persisted",
		},
	)

	DroppedUpdateEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_dropped_update_events_total",
			Help: "Total number of broadcast events dropped for slow subscribers",
		},
	)

	ApplyRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_apply_rejections_total",
			Help: "Total number of events rejected by the live state store as out of order",
		},
	)

	UpstreamFetchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sequoia_upstream_fetch_failures_total",
			Help: "Total number of failed upstream territory fetches",
		},
	)

	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequoia_poll_cycle_duration_seconds",
			Help:    "Duration of one fetch, diff, persist, apply and broadcast cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	PersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequoia_persist_duration_seconds",
			Help:    "Duration of sequencer batch persistence",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequoia_cache_hits_total",
			Help: "Total number of auxiliary cache hits by cache",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequoia_cache_misses_total",
			Help: "Total number of auxiliary cache misses by cache",
		},
		[]string{"cache"},
	)

	CacheUpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequoia_cache_upstream_errors_total",
			Help: "Total number of failed cache refills by cache",
		},
		[]string{"cache"},
	)
)

func init() {
	prometheus.MustRegister(TerritoriesTotal)
	prometheus.MustRegister(LiveWatermark)
	prometheus.MustRegister(SubscribersActive)
	prometheus.MustRegister(HistoryAvailable)
	prometheus.MustRegister(SeqLiveHandoffEnabled)
	prometheus.MustRegister(GuildCacheSize)
	prometheus.MustRegister(LiveStateRequestsTotal)
	prometheus.MustRegister(GuildsOnlineRequestsTotal)
	prometheus.MustRegister(PersistFailuresTotal)
	prometheus.MustRegister(PersistedUpdateEventsTotal)
	prometheus.MustRegister(DroppedUpdateEventsTotal)
	prometheus.MustRegister(ApplyRejectionsTotal)
	prometheus.MustRegister(UpstreamFetchFailuresTotal)
	prometheus.MustRegister(PollCycleDuration)
	prometheus.MustRegister(PersistDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheUpstreamErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Counters mirrors the contractual counters in process so the JSON health
// document can report them without scraping the registry.
type Counters struct {
	LiveStateRequests     atomic.Uint64
	GuildsOnlineRequests  atomic.Uint64
	PersistFailures       atomic.Uint64
	PersistedUpdateEvents atomic.Uint64
	DroppedUpdateEvents   atomic.Uint64
	ApplyRejections       atomic.Uint64
	UpstreamFetchFailures atomic.Uint64

	mu     sync.Mutex
	caches map[string]*cacheCounters
}

type cacheCounters struct {
	hits, misses, upstreamErrors atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	LiveStateRequests     uint64                        `json:"live_state_requests_total"`
	GuildsOnlineRequests  uint64                        `json:"guilds_online_requests_total"`
	PersistFailures       uint64                        `json:"persist_failures_total"`
	PersistedUpdateEvents uint64                        `json:"persisted_update_events_total"`
	DroppedUpdateEvents   uint64                        `json:"dropped_update_events_total"`
	ApplyRejections       uint64                        `json:"apply_rejections_total"`
	UpstreamFetchFailures uint64                        `json:"upstream_fetch_failures_total"`
	Caches                map[string]CacheCounterValues `json:"caches"`
}

type CacheCounterValues struct {
	Hits           uint64 `json:"hits_total"`
	Misses         uint64 `json:"misses_total"`
	UpstreamErrors uint64 `json:"upstream_errors_total"`
}

// Observed holds the process-wide counters.
var Observed = &Counters{}

func (c *Counters) cache(name string) *cacheCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caches == nil {
		c.caches = make(map[string]*cacheCounters)
	}
	cc, ok := c.caches[name]
	if !ok {
		cc = &cacheCounters{}
		c.caches[name] = cc
	}
	return cc
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	snap := CounterSnapshot{
		LiveStateRequests:     c.LiveStateRequests.Load(),
		GuildsOnlineRequests:  c.GuildsOnlineRequests.Load(),
		PersistFailures:       c.PersistFailures.Load(),
		PersistedUpdateEvents: c.PersistedUpdateEvents.Load(),
		DroppedUpdateEvents:   c.DroppedUpdateEvents.Load(),
		ApplyRejections:       c.ApplyRejections.Load(),
		UpstreamFetchFailures: c.UpstreamFetchFailures.Load(),
		Caches:                make(map[string]CacheCounterValues),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, cc := range c.caches {
		snap.Caches[name] = CacheCounterValues{
			Hits:           cc.hits.Load(),
			Misses:         cc.misses.Load(),
			UpstreamErrors: cc.upstreamErrors.Load(),
		}
	}
	return snap
}

func RecordLiveStateRequest() {
	Observed.LiveStateRequests.Add(1)
	LiveStateRequestsTotal.Inc()
}

func RecordGuildsOnlineRequest() {
	Observed.GuildsOnlineRequests.Add(1)
	GuildsOnlineRequestsTotal.Inc()
}

func RecordPersistFailure() {
	Observed.PersistFailures.Add(1)
	PersistFailuresTotal.Inc()
}

func RecordPersistedUpdateEvents(n int) {
	Observed.PersistedUpdateEvents.Add(uint64(n))
	PersistedUpdateEventsTotal.Add(float64(n))
}

func RecordDroppedUpdateEvents(n int) {
	Observed.DroppedUpdateEvents.Add(uint64(n))
	DroppedUpdateEventsTotal.Add(float64(n))
}

func RecordApplyRejection() {
	Observed.ApplyRejections.Add(1)
	ApplyRejectionsTotal.Inc()
}

func RecordUpstreamFetchFailure() {
	Observed.UpstreamFetchFailures.Add(1)
	UpstreamFetchFailuresTotal.Inc()
}

func RecordCacheHit(cache string) {
	Observed.cache(cache).hits.Add(1)
	CacheHitsTotal.WithLabelValues(cache).Inc()
}

func RecordCacheMiss(cache string) {
	Observed.cache(cache).misses.Add(1)
	CacheMissesTotal.WithLabelValues(cache).Inc()
}

func RecordCacheUpstreamError(cache string) {
	Observed.cache(cache).upstreamErrors.Add(1)
	CacheUpstreamErrorsTotal.WithLabelValues(cache).Inc()
}

// SetFlag sets a 0/1 gauge from a bool.
func SetFlag(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}
