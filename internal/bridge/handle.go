package bridge

import (
	"sync/atomic"
)

// Handle is the liveness reference that in-flight processing requests hold on
// their session. It points at the session's [PlaybackAdapter] until
// [Handle.Release] is called; after that, every completion that looks the
// adapter up finds nil and drops its response.
//
// The session owns the handle. Dispatcher goroutines only ever read it.
type Handle struct {
	token    string
	playback atomic.Pointer[PlaybackAdapter]
	seq      atomic.Uint64

	submitted atomic.Uint64
	delivered atomic.Uint64
	stale     atomic.Uint64
	failed    atomic.Uint64
}

// HandleStats is a snapshot of a handle's request counters.
type HandleStats struct {
	Submitted uint64 `json:"submitted"`
	Delivered uint64 `json:"delivered"`
	Stale     uint64 `json:"stale"`
	Failed    uint64 `json:"failed"`
}

// NewHandle returns an unattached handle for the session identified by token.
func NewHandle(token string) *Handle {
	return &Handle{token: token}
}

// Token returns the opaque session token passed to the processor.
func (h *Handle) Token() string { return h.token }

// Attach points the handle at p. Attaching after Release revives nothing:
// callers attach exactly once, before the first chunk is captured.
func (h *Handle) Attach(p *PlaybackAdapter) {
	h.playback.Store(p)
}

// Playback returns the live playback adapter, or nil once released.
func (h *Handle) Playback() *PlaybackAdapter {
	return h.playback.Load()
}

// Release detaches the playback adapter and returns it. Only the first call
// returns non-nil, which makes it the single-owner transfer point for
// teardown.
func (h *Handle) Release() *PlaybackAdapter {
	return h.playback.Swap(nil)
}

// Live reports whether the handle still refers to a playback adapter.
func (h *Handle) Live() bool {
	return h.playback.Load() != nil
}

// Stats returns a snapshot of the request counters.
func (h *Handle) Stats() HandleStats {
	return HandleStats{
		Submitted: h.submitted.Load(),
		Delivered: h.delivered.Load(),
		Stale:     h.stale.Load(),
		Failed:    h.failed.Load(),
	}
}

// nextSeq returns the next capture sequence number, starting at zero.
func (h *Handle) nextSeq() uint64 {
	return h.seq.Add(1) - 1
}
