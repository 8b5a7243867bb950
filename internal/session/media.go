package session

import (
	"context"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// CallMedia is the media-engine side of one call. The controller uses it to
// wire the bridge adapters into the call's audio paths and to end the call.
//
// Connect and Disconnect operations are called from the control goroutine.
// After ConnectCapture the media clock starts pushing frames into the sink;
// after ConnectPlayback it starts pulling frames from the source.
type CallMedia interface {
	// CallID returns the identifier of the call this media belongs to.
	CallID() string

	// ConnectCapture routes the call's received audio into sink.
	ConnectCapture(sink audio.FrameSink) error

	// ConnectPlayback routes frames pulled from src into the call's
	// transmitted audio.
	ConnectPlayback(src audio.FrameSource) error

	// DisconnectCapture stops pushing frames. Safe to call when not connected.
	DisconnectCapture() error

	// DisconnectPlayback stops pulling frames. Safe to call when not connected.
	DisconnectPlayback() error

	// Hangup ends the call.
	Hangup(ctx context.Context) error
}

// EventKind identifies a call lifecycle notification.
type EventKind int

const (
	// EventMediaActive reports that the call's media stream is up and its
	// format negotiated.
	EventMediaActive EventKind = iota + 1

	// EventMediaInactive reports that the media stream stopped (hold, stream
	// end) while the call may still exist.
	EventMediaInactive

	// EventMediaError reports a media stream failure.
	EventMediaError

	// EventDisconnected reports that the call is gone.
	EventDisconnected
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventMediaActive:
		return "media_active"
	case EventMediaInactive:
		return "media_inactive"
	case EventMediaError:
		return "media_error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a call lifecycle notification delivered by the media engine.
type Event struct {
	Kind   EventKind
	CallID string

	// Media is required for EventMediaActive. On the other kinds it is
	// optional; when set, only a session bridged over this media is closed.
	Media CallMedia

	// Format is set for EventMediaActive.
	Format audio.Format

	// Err carries the cause of an EventMediaError.
	Err error
}
