package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/sequoia/pkg/config"
	"github.com/cuemby/sequoia/pkg/events"
	"github.com/cuemby/sequoia/pkg/log"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/rs/zerolog"
)

// State is a subscription's position in the handshake
type State int32

const (
	Disconnected State = iota
	Handshaking
	Streaming
	Resyncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Streaming:
		return "streaming"
	case Resyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameKind distinguishes the payloads a session emits
type FrameKind string

const (
	FrameSnapshot FrameKind = "snapshot"
	FrameUpdate   FrameKind = "update"
)

// Frame is one payload for the transport. Exactly one of Snapshot and Event
// is set.
type Frame struct {
	Kind     FrameKind
	Snapshot *types.Snapshot
	Event    *types.OwnershipEvent
}

// Sequence is the frame's position in the stream: the watermark for a
// snapshot, the event sequence for an update.
func (f Frame) Sequence() uint64 {
	if f.Snapshot != nil {
		return f.Snapshot.Watermark
	}
	if f.Event != nil {
		return f.Event.Sequence
	}
	return 0
}

// LiveSource is the live state store as seen by a session
type LiveSource interface {
	Snapshot() types.Snapshot
}

// SessionConfig wires a session to the rest of the process
type SessionConfig struct {
	Mode    config.HandoffMode
	Live    LiveSource
	Broker  *events.Broker
	History EventSource // optional; without it gaps are forwarded for the client to fill
	// PageSize bounds each history page during resync
	PageSize int
}

// Session serves one subscriber. Run it once per connection.
type Session struct {
	cfg    SessionConfig
	state  atomic.Int32
	logger zerolog.Logger
}

// NewSession creates a session in the Disconnected state
func NewSession(cfg SessionConfig) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Session{
		cfg:    cfg,
		logger: log.WithComponent("handoff").With().Str("mode", string(cfg.Mode)).Logger(),
	}
}

// State returns the current handshake state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug().Stringer("from", prev).Stringer("to", st).Msg("Session state changed")
	}
}

// Run performs the handshake and streams until ctx ends, the broker closes,
// or send fails. It always returns in the Disconnected state.
func (s *Session) Run(ctx context.Context, send func(Frame) error) error {
	defer s.setState(Disconnected)

	if s.cfg.Mode.Sequenced() {
		return s.runSequenced(ctx, send)
	}
	return s.runCoarse(ctx, send)
}

func (s *Session) runSequenced(ctx context.Context, send func(Frame) error) error {
	s.setState(Handshaking)

	// Register first: anything applied after this point reaches sub, anything
	// applied before it is in the snapshot.
	sub := s.cfg.Broker.Subscribe()
	defer sub.Close()
	logger := s.logger.With().Str("subscriber_id", sub.ID).Logger()

	snap := s.cfg.Live.Snapshot()
	if err := send(Frame{Kind: FrameSnapshot, Snapshot: &snap}); err != nil {
		return err
	}
	tracker := NewTracker(snap.Watermark)
	s.setState(Streaming)

	forward := func(ev types.OwnershipEvent) error {
		return send(Frame{Kind: FrameUpdate, Event: &ev})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch tracker.Observe(ev) {
			case Duplicate:
				continue
			case Applied:
				if err := forward(ev); err != nil {
					return err
				}
			case Gap:
				if s.cfg.History == nil {
					logger.Warn().
						Uint64("expected_seq", tracker.Watermark()+1).
						Uint64("received_seq", ev.Sequence).
						Msg("Gap in live stream, forwarding for client resync")
					tracker.Reset(ev.Sequence)
					if err := forward(ev); err != nil {
						return err
					}
					continue
				}

				s.setState(Resyncing)
				logger.Info().
					Uint64("expected_seq", tracker.Watermark()+1).
					Uint64("received_seq", ev.Sequence).
					Msg("Gap in live stream, filling from history")
				if err := tracker.Fill(ctx, s.cfg.History, ev.Sequence, s.cfg.PageSize, forward); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				s.setState(Streaming)
			}
		}
	}
}

func (s *Session) runCoarse(ctx context.Context, send func(Frame) error) error {
	s.setState(Handshaking)

	snap := s.cfg.Live.Snapshot()
	sub := s.cfg.Broker.Subscribe()
	defer sub.Close()

	if err := send(Frame{Kind: FrameSnapshot, Snapshot: &snap}); err != nil {
		return err
	}
	s.setState(Streaming)

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			// A lagging coarse subscriber gets a fresh snapshot instead of a gap fill.
			if d := sub.Dropped(); d != dropped {
				dropped = d
				snap := s.cfg.Live.Snapshot()
				if err := send(Frame{Kind: FrameSnapshot, Snapshot: &snap}); err != nil {
					return err
				}
				continue
			}
			if err := send(Frame{Kind: FrameUpdate, Event: &ev}); err != nil {
				return err
			}
		}
	}
}
