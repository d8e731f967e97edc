// Package streaming defines the wire format of the live session stream.
package streaming

import (
	"encoding/json"

	"github.com/rollcap/recorder/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeImuSamples   = "imu_samples"
	TypeFrameStamps  = "frame_stamps"
	TypePerformance  = "performance"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// SessionPayload carries the session metadata for start_session and end_session.
type SessionPayload struct {
	Session *core.SessionMetadata `json:"session"`
}

// ImuSamplesPayload is one drained batch of samples.
type ImuSamplesPayload struct {
	SessionID string           `json:"sessionId"`
	Samples   []core.ImuSample `json:"samples"`
}

// FrameStampsPayload is one drained batch of frame stamps.
type FrameStampsPayload struct {
	SessionID string            `json:"sessionId"`
	Frames    []core.FrameStamp `json:"frames"`
}
