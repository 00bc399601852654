package api

import (
	"net/http"
	"time"

	"github.com/cuemby/sequoia/pkg/metrics"
)

// HealthResponse is the process summary served at /api/health
type HealthResponse struct {
	Status           string                  `json:"status"`
	Timestamp        time.Time               `json:"timestamp"`
	Uptime           string                  `json:"uptime"`
	Territories      int                     `json:"territories"`
	Watermark        uint64                  `json:"seq"`
	Subscribers      int                     `json:"subscribers"`
	GuildCacheSize   int                     `json:"guild_cache_size"`
	HistoryAvailable bool                    `json:"history_available"`
	SeqLiveHandoffV1 bool                    `json:"seq_live_handoff_v1"`
	Observability    metrics.CounterSnapshot `json:"observability"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "ok",
		Timestamp:        time.Now().UTC(),
		Uptime:           metrics.Uptime().Round(time.Second).String(),
		Territories:      s.cfg.Live.Len(),
		Watermark:        s.cfg.Live.Watermark(),
		SeqLiveHandoffV1: s.cfg.Mode.Sequenced(),
		Observability:    metrics.Observed.Snapshot(),
	}
	if s.cfg.Broker != nil {
		resp.Subscribers = s.cfg.Broker.SubscriberCount()
	}
	if s.cfg.Guilds != nil {
		resp.GuildCacheSize = s.cfg.Guilds.Size(r.Context())
	}
	if s.cfg.History != nil {
		resp.HistoryAvailable = s.cfg.History.Available(r.Context())
	}

	writeJSON(w, http.StatusOK, resp)
}
