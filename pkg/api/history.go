package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/types"
)

// StateResponse is the reconstructed ownership at one point of the log
type StateResponse struct {
	Seq       uint64                           `json:"seq"`
	Timestamp time.Time                        `json:"timestamp"`
	Ownership map[string]types.OwnershipRecord `json:"ownership"`
}

func (s *Server) handleHistoryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after uint64
	if raw := q.Get("after_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid after_seq %q", raw))
			return
		}
		after = v
	}

	limit := s.cfg.History.DefaultPage()
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = v
	}

	page, err := s.cfg.History.EventsPage(r.Context(), after, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleHistoryBounds(w http.ResponseWriter, r *http.Request) {
	bounds, err := s.cfg.History.Bounds(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bounds)
}

func (s *Server) handleHistoryAt(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var query history.StateQuery
	if raw := q.Get("t"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid t %q: want RFC 3339", raw))
			return
		}
		query.At = &t
	}
	if raw := q.Get("seq"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid seq %q", raw))
			return
		}
		query.Sequence = &seq
	}

	snap, err := s.cfg.History.StateAt(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		Seq:       snap.Watermark,
		Timestamp: snap.TakenAt,
		Ownership: snap.Ownership(),
	})
}
