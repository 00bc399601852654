package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/sequoia/pkg/handoff"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/types"
)

const (
	maxFrameSize = 16 << 20
	// serverDefaultPage omits the limit so the server pages with its own
	// default, which is never above its configured maximum.
	serverDefaultPage = 0
)

// Mirror is where Watch keeps the server's state
type Mirror interface {
	Restore(types.Snapshot)
	Apply(types.OwnershipEvent) error
}

var _ Mirror = (*state.Store)(nil)

// Watch follows the event stream and keeps mirror equal to the server's live
// state. onEvent, if set, sees every applied update in sequence order.
// Gaps are filled from the history routes before later updates are applied.
// It returns nil when ctx ends and io.ErrUnexpectedEOF when the server
// closes the stream.
func (c *Client) Watch(ctx context.Context, mirror Mirror, onEvent func(types.OwnershipEvent)) error {
	logger := log.WithComponent("watch")

	req, err := c.newRequest(ctx, "/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var tracker *handoff.Tracker
	apply := func(ev types.OwnershipEvent) error {
		if err := mirror.Apply(ev); err != nil {
			return err
		}
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	}

	err = readFrames(resp.Body, func(kind, data string) error {
		switch handoff.FrameKind(kind) {
		case handoff.FrameSnapshot:
			var snap types.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			mirror.Restore(snap)
			tracker = handoff.NewTracker(snap.Watermark)
			logger.Debug().Uint64("seq", snap.Watermark).Int("territories", len(snap.Entries)).Msg("Snapshot received")

		case handoff.FrameUpdate:
			if tracker == nil {
				return errors.New("update before snapshot")
			}
			var ev types.OwnershipEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("decode update: %w", err)
			}
			switch tracker.Observe(ev) {
			case handoff.Applied:
				return apply(ev)
			case handoff.Gap:
				logger.Info().
					Uint64("expected_seq", tracker.Watermark()+1).
					Uint64("received_seq", ev.Sequence).
					Msg("Gap in event stream, filling from history")
				return tracker.Fill(ctx, c, ev.Sequence, serverDefaultPage, apply)
			}
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readFrames parses a server-sent event stream and calls fn for every frame
// that carries data.
func readFrames(r io.Reader, fn func(kind, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)

	kind := "message"
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := fn(kind, data.String()); err != nil {
					return err
				}
			}
			kind = "message"
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

var _ handoff.EventSource = (*Client)(nil)
