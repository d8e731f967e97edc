// Package websocket streams drained batches to a live viewer over WebSocket.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rollcap/recorder/pkg/core"
	"github.com/rollcap/recorder/pkg/streaming"
)

// Config holds WebSocket backend configuration.
type Config struct {
	URL    string
	Secret string
	// AckTimeout bounds start_session and end_session. Defaults to 10s.
	AckTimeout time.Duration
	// LaneCapacity is the number of batches queued per stream before the
	// oldest is evicted. Defaults to 1024.
	LaneCapacity int
	// ReconnectBackoff is the first reconnect delay, doubled per attempt.
	ReconnectBackoff time.Duration
}

// Backend streams session data to a live viewer. Batches are queued per
// stream and never block the drain; only the session boundaries wait for an
// ack from the viewer.
type Backend struct {
	link *link
	cfg  Config

	mu        sync.Mutex
	sessionID string
}

// New creates a new WebSocket storage backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = ackTimeout
	}
	return &Backend{
		link: newLink(cfg, logger.With("backend", "websocket")),
		cfg:  cfg,
	}
}

// Init connects to the viewer.
func (b *Backend) Init() error {
	return b.link.open()
}

// Close disconnects from the viewer.
func (b *Backend) Close() error {
	return b.link.close()
}

// Dropped returns the number of batches evicted or lost across all streams.
func (b *Backend) Dropped() uint64 {
	var total uint64
	for _, name := range laneOrder {
		total += b.link.droppedBy(name)
	}
	return total
}

// DroppedBy returns the number of batches dropped for one message type.
func (b *Backend) DroppedBy(msgType string) uint64 {
	return b.link.droppedBy(msgType)
}

// Reconnects returns how many times the link was re-established.
func (b *Backend) Reconnects() uint64 {
	return b.link.reconnects.Load()
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(streaming.Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

func (b *Backend) enqueue(msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	b.link.enqueue(msgType, data)
	return nil
}

func (b *Backend) currentSession() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// StartSession announces the session and waits for the ack. The message is
// kept and replayed after every reconnect until EndSession.
func (b *Backend) StartSession(meta *core.SessionMetadata) error {
	data, err := marshalEnvelope(streaming.TypeStartSession, streaming.SessionPayload{Session: meta})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sessionID = meta.ID
	b.mu.Unlock()

	b.link.setStart(data)
	return b.link.sendAndWait(data, streaming.TypeStartSession, b.cfg.AckTimeout)
}

// EndSession sends the final metadata after every queued batch and waits
// for the ack.
func (b *Backend) EndSession(meta *core.SessionMetadata) error {
	data, err := marshalEnvelope(streaming.TypeEndSession, streaming.SessionPayload{Session: meta})
	if err != nil {
		return err
	}
	err = b.link.sendAndWait(data, streaming.TypeEndSession, b.cfg.AckTimeout)
	b.link.setStart(nil)
	if dropped := b.Dropped(); dropped > 0 {
		b.link.logger.Warn("Viewer missed batches during the session",
			"imuSamples", b.DroppedBy(streaming.TypeImuSamples),
			"frameStamps", b.DroppedBy(streaming.TypeFrameStamps),
			"performance", b.DroppedBy(streaming.TypePerformance),
			"reconnects", b.Reconnects())
	}
	return err
}

func (b *Backend) RecordImuSamples(samples []core.ImuSample) error {
	if len(samples) == 0 {
		return nil
	}
	return b.enqueue(streaming.TypeImuSamples, streaming.ImuSamplesPayload{
		SessionID: b.currentSession(),
		Samples:   samples,
	})
}

func (b *Backend) RecordFrameStamps(frames []core.FrameStamp) error {
	if len(frames) == 0 {
		return nil
	}
	return b.enqueue(streaming.TypeFrameStamps, streaming.FrameStampsPayload{
		SessionID: b.currentSession(),
		Frames:    frames,
	})
}

func (b *Backend) RecordPerformance(p core.Performance) error {
	return b.enqueue(streaming.TypePerformance, p)
}
