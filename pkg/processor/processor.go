// Package processor defines the interface to the external audio-processing
// service the call bridge relays captured audio through.
//
// A Processor receives one fixed-length chunk of captured call audio and
// eventually returns a response chunk (for example synthesised speech from a
// voice AI service). Calls are independent: the bridge may have many requests
// in flight for the same session at once and makes no assumption about the
// order in which they complete.
//
// Requests are correlated with their session only through the opaque
// [Request.Token]. Implementations that keep per-session state (such as a
// persistent connection) should implement [SessionCloser] so the bridge can
// release that state when the call ends.
//
// All implementations must be safe for concurrent use.
package processor

import (
	"context"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Request is a single unit of work submitted to a [Processor].
type Request struct {
	// Token is an opaque identifier of the owning session. It is stable for the
	// lifetime of a session and never reused.
	Token string

	// Seq is the capture sequence number of Chunk within its session, starting
	// at zero. Processors may use it for logging or reassembly; the bridge does
	// not reorder responses.
	Seq uint64

	// Chunk is the captured audio. Processors must not modify Chunk.Samples.
	Chunk audio.Chunk
}

// Processor is the abstraction over the external processing collaborator.
type Processor interface {
	// Process sends req to the service and blocks until a response chunk is
	// available, ctx is cancelled, or the exchange fails.
	//
	// The returned chunk should carry the session format (req.Chunk.Format).
	// An empty chunk with a nil error means the service produced no audio for
	// this input, which is not an error.
	Process(ctx context.Context, req Request) (audio.Chunk, error)
}

// SessionCloser is implemented by processors that hold per-session state.
// CloseSession is called once after the session identified by token has been
// torn down. Requests still in flight for token may fail afterwards.
type SessionCloser interface {
	CloseSession(token string) error
}

// Namer is implemented by processors that want a stable label in logs and
// metrics.
type Namer interface {
	Name() string
}

// Name returns a label for p: its Name method if it implements [Namer],
// otherwise its dynamic type.
func Name(p Processor) string {
	if n, ok := p.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
