/*
Package api serves the public HTTP surface of sequoia.

Routes are registered on a chi router:

	GET /api/live/state          live snapshot, ETag "live-state-<seq>"
	GET /api/territories         owner listing with resources and connections, ETag "territories-<seq>-<extra version>"
	GET /api/events              server-sent events: one snapshot, then updates
	GET /api/history/events      ?after_seq=&limit= cursor pages of the log
	GET /api/history/bounds      persisted range of the log
	GET /api/history/at          ?t=<RFC 3339> or ?seq=<n>, never both
	GET /api/guild/{name}        cached guild detail document
	GET /api/guilds/online       ?names=a,b,c online counts
	GET /api/health              counters and feature flags
	GET /healthz, /ready         liveness and readiness
	GET /metrics                 Prometheus exposition

# Event stream

Each frame carries the sequence it brings the client to as its SSE id:

	id: 42
	event: snapshot
	data: {"seq":42,"timestamp":"...","entries":[...]}

	id: 43
	event: update
	data: {"seq":43,"territory":"...","new_owner":{...}}

A comment line is written every keepalive interval so idle proxies keep
the connection open. In sequenced mode the stream never repeats or skips a
sequence; gaps caused by a slow subscriber are filled from history when a
history service is configured. In coarse mode the server resends a full
snapshot instead.

# Errors

Failures are reported as {"error": "..."} with a status derived from the
error: invalid parameters 400, missing data 404, unreachable upstream 502,
unconfigured or unreachable storage 503.
*/
package api
