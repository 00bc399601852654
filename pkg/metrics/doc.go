/*
Package metrics provides Prometheus metrics and health probes for sequoia.

All collectors are package-level variables registered with the default
registry in init() and exposed through Handler (promhttp).

# What is measured

Gauges describe the live system and are sampled by Collector:

	sequoia_territories_total          territories in the live snapshot
	sequoia_live_watermark             highest applied sequence
	sequoia_guild_cache_size           entries in the guild cache
	sequoia_subscribers_active         registered live subscriptions
	sequoia_history_available          durable history reachable (0/1)
	sequoia_seq_live_handoff_enabled   sequence-aware handoff active (0/1)

Counters are incremented at the exact point the pipeline observes the
condition, through the Record* helpers:

	sequoia_persist_failures_total         sequencer batch did not commit
	sequoia_persisted_update_events_total  events durably written
	sequoia_dropped_update_events_total    broadcast events dropped for a slow subscriber
	sequoia_apply_rejections_total         out-of-order apply attempts
	sequoia_upstream_fetch_failures_total  failed territory polls
	sequoia_live_state_requests_total      GET /api/live/state
	sequoia_guilds_online_requests_total   GET /api/guilds/online
	sequoia_cache_{hits,misses,upstream_errors}_total{cache}

Every Record* helper also bumps an in-process mirror (Observed) so the JSON
health document reports the same numbers without scraping.

# Health

HealthChecker is a small component registry. Liveness always answers 200.
Readiness answers 200 only once every critical component (storage and poller
by default) has reported healthy.
*/
package metrics
