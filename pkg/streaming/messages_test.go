package streaming

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rollcap/recorder/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeSerialization(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := FrameStampsPayload{SessionID: "abc", Frames: []core.FrameStamp{{Seq: 3, CapturedAt: at}}}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	env := Envelope{Type: TypeFrameStamps, Payload: raw}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeFrameStamps, decoded.Type)

	var fp FrameStampsPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &fp))
	assert.Equal(t, "abc", fp.SessionID)
	require.Len(t, fp.Frames, 1)
	assert.Equal(t, uint64(3), fp.Frames[0].Seq)
	assert.True(t, at.Equal(fp.Frames[0].CapturedAt))
}

func TestAckMessage(t *testing.T) {
	var ack AckMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"ack","for":"start_session"}`), &ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, TypeStartSession, ack.For)
}
