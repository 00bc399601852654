package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/sequoia/pkg/cache"
	"github.com/cuemby/sequoia/pkg/guild"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/upstream"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var upstreamStatus *upstream.StatusError
	switch {
	case errors.Is(err, history.ErrInvalidRange),
		errors.Is(err, history.ErrAmbiguousQuery),
		errors.Is(err, upstream.ErrInvalidGuildName),
		errors.Is(err, guild.ErrTooManyNames):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, history.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstreamStatus) && upstreamStatus.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, cache.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}
