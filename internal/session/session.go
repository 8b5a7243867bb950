package session

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/bridge"
	"github.com/MrWong99/callbridge/pkg/audio"
)

// State is a session lifecycle state.
type State int32

const (
	StateNoMedia State = iota
	StateMediaActive
	StateClosing
	StateClosed
)

// String returns the state name used in logs and the admin API.
func (s State) String() string {
	switch s {
	case StateNoMedia:
		return "no_media"
	case StateMediaActive:
		return "media_active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	CallID    string               `json:"call_id"`
	SessionID string               `json:"session_id"`
	State     string               `json:"state"`
	Format    string               `json:"format"`
	StartedAt time.Time            `json:"started_at"`
	Capture   bridge.CaptureStats  `json:"capture"`
	Playback  bridge.PlaybackStats `json:"playback"`
	Requests  bridge.HandleStats   `json:"requests"`
}

// Session is the bridge for one call's audio. It owns the capture adapter and,
// through its [bridge.Handle], the playback adapter.
type Session struct {
	id        string
	callID    string
	format    audio.Format
	startedAt time.Time
	media     CallMedia

	handle   *bridge.Handle
	capture  atomic.Pointer[bridge.CaptureAdapter]
	playback *bridge.PlaybackAdapter

	state atomic.Int32
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CallID returns the identifier of the bridged call.
func (s *Session) CallID() string { return s.callID }

// Token returns the opaque token the processor sees for this session.
func (s *Session) Token() string { return s.handle.Token() }

// Format returns the negotiated session format.
func (s *Session) Format() audio.Format { return s.format }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Info returns a snapshot of the session and its adapter counters.
func (s *Session) Info() Info {
	info := Info{
		CallID:    s.callID,
		SessionID: s.id,
		State:     s.State().String(),
		Format:    s.format.String(),
		StartedAt: s.startedAt,
		Playback:  s.playback.Stats(),
		Requests:  s.handle.Stats(),
	}
	if c := s.capture.Load(); c != nil {
		info.Capture = c.Stats()
	}
	return info
}

// close runs the Closing and Closed transitions. Only the first call does any
// work: releasing the handle is the ownership transfer, and every later call
// finds it empty. It reports whether this call performed the teardown.
func (s *Session) close(log *slog.Logger) bool {
	pb := s.handle.Release()
	if pb == nil {
		return false
	}
	s.state.Store(int32(StateClosing))

	// Each direction is attempted even if the other fails.
	if err := s.media.DisconnectCapture(); err != nil {
		log.Warn("session: disconnect capture failed", "call_id", s.callID, "session_id", s.id, "err", err)
	}
	if err := s.media.DisconnectPlayback(); err != nil {
		log.Warn("session: disconnect playback failed", "call_id", s.callID, "session_id", s.id, "err", err)
	}

	if c := s.capture.Swap(nil); c != nil {
		c.Close()
	}
	pb.Close()
	s.state.Store(int32(StateClosed))
	return true
}
