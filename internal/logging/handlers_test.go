package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu        sync.Mutex
	id, state string
}

func (f *fakeSession) Current() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.state
}

func (f *fakeSession) set(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id, f.state = id, state
}

type failingHandler struct {
	slog.Handler
	err error
}

func (h *failingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *failingHandler) Handle(context.Context, slog.Record) error { return h.err }

func TestTee_WritesToEveryHandler(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h := Tee(
		slog.NewTextHandler(&buf1, nil),
		nil,
		slog.NewTextHandler(&buf2, nil),
	)
	slog.New(h).With("loop", "sensor").WithGroup("stats").Info("tick", "overruns", 2)

	for _, out := range []string{buf1.String(), buf2.String()} {
		assert.Contains(t, out, "loop=sensor")
		assert.Contains(t, out, "stats.overruns=2")
	}
}

func TestTee_SingleHandlerIsUnwrapped(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, nil)
	assert.Same(t, inner, Tee(nil, inner))
}

func TestTee_EnabledByAnyHandler(t *testing.T) {
	info := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo})
	debug := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	ctx := context.Background()

	assert.False(t, Tee().Enabled(ctx, slog.LevelError))
	assert.False(t, Tee(info, info).Enabled(ctx, slog.LevelDebug))
	assert.True(t, Tee(info, debug).Enabled(ctx, slog.LevelDebug))
}

func TestTee_ReportsFailuresAfterDelivering(t *testing.T) {
	var buf bytes.Buffer
	errDisk := errors.New("disk full")
	h := Tee(&failingHandler{err: errDisk}, slog.NewTextHandler(&buf, nil))

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelWarn, "battery low", 0))
	assert.ErrorIs(t, err, errDisk)
	assert.Contains(t, buf.String(), "battery low")
}

func TestSessionHandler_TagsOnceSessionStarts(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSession{}
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "info", Format: FormatJSON, Session: src})
	logger := m.Logger()

	logger.Info("opening devices")
	src.set("2f1c", "starting")
	logger.Info("camera ready")
	src.set("2f1c", "running")
	logger.Info("loops started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var recs []map[string]any
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		recs = append(recs, rec)
	}
	assert.NotContains(t, recs[0], "session")
	assert.Equal(t, "2f1c", recs[1]["session"])
	assert.Equal(t, "starting", recs[1]["state"])
	assert.Equal(t, "running", recs[2]["state"])
}

func TestSessionHandler_StaysTopLevelUnderGroups(t *testing.T) {
	var buf bytes.Buffer
	src := &fakeSession{id: "9a", state: "stopping"}
	logger := slog.New(newSessionHandler(slog.NewJSONHandler(&buf, nil), src))

	logger.With("loop", "frames").WithGroup("sink").Info("flush failed", "attempt", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "9a", rec["session"])
	assert.Equal(t, "stopping", rec["state"])
	assert.Equal(t, "frames", rec["loop"])
	assert.Equal(t, map[string]any{"attempt": float64(3)}, rec["sink"])
}

func TestSessionHandler_ReusesDerivedHandler(t *testing.T) {
	src := &fakeSession{id: "a", state: "running"}
	h := newSessionHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), src)

	first := h.resolve()
	assert.Same(t, first, h.resolve())

	src.set("a", "stopping")
	assert.NotSame(t, first, h.resolve())
}

func TestSessionHandler_EmptyWithReturnsSelf(t *testing.T) {
	h := newSessionHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), &fakeSession{})
	assert.Same(t, h, h.WithGroup(""))
	assert.Same(t, h, h.WithAttrs(nil))
}
