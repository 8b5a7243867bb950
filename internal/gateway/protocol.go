package gateway

import (
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// Control events exchanged as JSON text messages. Audio travels in binary
// messages as little-endian PCM16 in the negotiated format.
const (
	eventStart    = "start"
	eventStop     = "stop"
	eventStarted  = "started"
	eventRejected = "rejected"
	eventHangup   = "hangup"
)

const (
	defaultPtime = 20 * time.Millisecond
	minPtime     = 5 * time.Millisecond
	maxPtime     = 200 * time.Millisecond
)

// message is the JSON body of every control message.
type message struct {
	Event      string `json:"event"`
	CallID     string `json:"call_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	BitDepth   int    `json:"bit_depth,omitempty"`
	PtimeMS    int    `json:"ptime_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// media returns the negotiated format and packet time of a start message.
// Channels default to mono and bit depth to 16.
func (m message) media() (audio.Format, time.Duration, error) {
	f := audio.Format{SampleRate: m.SampleRate, Channels: m.Channels, BitDepth: m.BitDepth}
	if f.Channels == 0 {
		f.Channels = 1
	}
	if f.BitDepth == 0 {
		f.BitDepth = 16
	}
	ptime := defaultPtime
	if m.PtimeMS != 0 {
		ptime = time.Duration(m.PtimeMS) * time.Millisecond
	}
	if ptime < minPtime || ptime > maxPtime {
		return f, 0, fmt.Errorf("gateway: ptime %s outside [%s, %s]", ptime, minPtime, maxPtime)
	}
	return f, ptime, nil
}
