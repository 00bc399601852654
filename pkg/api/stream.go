package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/handoff"
)

var errStreamClosed = errors.New("event stream closed")

// sseWriter serialises frames and keepalives onto one response
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (sw *sseWriter) frame(f handoff.Frame) error {
	var payload any = f.Event
	if f.Kind == handoff.FrameSnapshot {
		payload = f.Snapshot
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "id: %d\nevent: %s\ndata: %s\n\n", f.Sequence(), f.Kind, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) keepalive() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return errStreamClosed
	}
	if _, err := fmt.Fprint(sw.w, ": keepalive\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// handleEvents streams a snapshot followed by updates. The handoff mode is
// fixed by server configuration.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if s.cfg.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "live updates are not configured")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &sseWriter{w: w, flusher: flusher}
	ctx := r.Context()

	done := make(chan struct{})
	defer func() {
		// The response must not be touched once the handler returns.
		sw.mu.Lock()
		sw.closed = true
		sw.mu.Unlock()
		close(done)
	}()
	go func() {
		ticker := time.NewTicker(s.cfg.Keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sw.keepalive(); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cfg := handoff.SessionConfig{
		Mode:   s.cfg.Mode,
		Live:   s.cfg.Live,
		Broker: s.cfg.Broker,
	}
	if s.cfg.History != nil {
		cfg.History = s.cfg.History
		cfg.PageSize = s.cfg.History.MaxPage()
	}

	session := handoff.NewSession(cfg)
	if err := session.Run(ctx, sw.frame); err != nil && ctx.Err() == nil {
		s.logger.Debug().Err(err).Msg("Event stream ended")
	}
}
