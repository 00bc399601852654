package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/sequoia/pkg/metrics"
	"github.com/cuemby/sequoia/pkg/types"
)

const liveCacheControl = "public, max-age=5"

// TerritoryView is one territory in the compact territories listing
type TerritoryView struct {
	Guild       types.GuildIdentity `json:"guild"`
	Acquired    time.Time           `json:"acquired"`
	Resources   *types.Resources    `json:"resources,omitempty"`
	Connections []string            `json:"connections,omitempty"`
}

func (s *Server) handleLiveState(w http.ResponseWriter, r *http.Request) {
	metrics.RecordLiveStateRequest()

	snap := s.cfg.Live.Snapshot()
	if s.notModified(w, r, fmt.Sprintf(`"live-state-%d"`, snap.Watermark)) {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTerritories(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Live.Snapshot()
	var extraVersion uint64
	if s.cfg.Extra != nil {
		extraVersion = s.cfg.Extra.Version()
	}
	if s.notModified(w, r, fmt.Sprintf(`"territories-%d-%d"`, snap.Watermark, extraVersion)) {
		return
	}

	out := make(map[string]TerritoryView, len(snap.Entries))
	for _, e := range snap.Entries {
		view := TerritoryView{Guild: e.Owner, Acquired: e.AcquiredAt}
		if s.cfg.Extra != nil {
			if extra, ok := s.cfg.Extra.Lookup(e.Territory); ok {
				res := extra.Resources
				view.Resources = &res
				view.Connections = extra.Connections
			}
		}
		out[e.Territory] = view
	}
	writeJSON(w, http.StatusOK, out)
}

// notModified sets the validators and answers 304 when the client already
// holds etag.
func (s *Server) notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", liveCacheControl)
	if !etagMatches(r.Header.Get("If-None-Match"), etag) {
		return false
	}
	w.WriteHeader(http.StatusNotModified)
	return true
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
