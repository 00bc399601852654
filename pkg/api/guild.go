package api

import (
	"net/http"
	"net/url"

	"github.com/cuemby/sequoia/pkg/guild"
	"github.com/go-chi/chi/v5"
)

const guildCacheControl = "public, max-age=300"

func (s *Server) handleGuild(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid guild name encoding")
		return
	}

	data, err := s.cfg.Guilds.Detail(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", guildCacheControl)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleGuildsOnline(w http.ResponseWriter, r *http.Request) {
	names := guild.ParseNames(r.URL.Query().Get("names"))
	statuses, err := s.cfg.Guilds.Online(r.Context(), names)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}
