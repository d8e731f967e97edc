package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rollcap/recorder/pkg/streaming"
)

const (
	defaultLaneCapacity = 1024
	defaultBackoff      = time.Second
	maxReconnect        = 10
	maxBackoff          = 30 * time.Second
	writeWait           = 10 * time.Second
	ackTimeout          = 10 * time.Second
)

// laneOrder is the order batches are flushed in.
var laneOrder = []string{streaming.TypeImuSamples, streaming.TypeFrameStamps, streaming.TypePerformance}

// errLinkDown is returned once reconnecting has been given up.
var errLinkDown = errors.New("websocket link down")

// lane holds batches of one stream waiting for the writer. When full the
// oldest batch is evicted, a live viewer cares more about fresh data.
type lane struct {
	mu      sync.Mutex
	pending [][]byte
	limit   int
	dropped atomic.Uint64
}

func (l *lane) push(msg []byte) (evicted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) >= l.limit {
		l.pending = l.pending[1:]
		evicted = true
	}
	l.pending = append(l.pending, msg)
	if evicted {
		l.dropped.Add(1)
	}
	return evicted
}

func (l *lane) take() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// link is the connection to the viewer. A single writer goroutine owns every
// write, reconnects and replays the session start before resuming.
type link struct {
	rawURL  string
	secret  string
	backoff time.Duration
	logger  *slog.Logger
	dialer  *ws.Dialer

	lanes   map[string]*lane
	control chan []byte
	wake    chan struct{}
	broken  chan *ws.Conn
	acks    chan string
	done    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	conn    *ws.Conn
	start   []byte
	running bool
	closed  bool

	down       atomic.Bool
	reconnects atomic.Uint64
}

func newLink(cfg Config, logger *slog.Logger) *link {
	capacity := cfg.LaneCapacity
	if capacity <= 0 {
		capacity = defaultLaneCapacity
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	l := &link{
		rawURL:  cfg.URL,
		secret:  cfg.Secret,
		backoff: backoff,
		logger:  logger,
		dialer:  &ws.Dialer{HandshakeTimeout: writeWait},
		lanes:   make(map[string]*lane, len(laneOrder)),
		control: make(chan []byte, 4),
		wake:    make(chan struct{}, 1),
		broken:  make(chan *ws.Conn, 1),
		acks:    make(chan string, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, name := range laneOrder {
		l.lanes[name] = &lane{limit: capacity}
	}
	return l
}

func (l *link) open() error {
	conn, err := l.dial()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = conn.Close()
		return errLinkDown
	}
	l.running = true
	l.attachLocked(conn)
	go l.writeLoop()
	return nil
}

func (l *link) dial() (*ws.Conn, error) {
	u, err := url.Parse(l.rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("secret", l.secret)
	u.RawQuery = q.Encode()

	conn, _, err := l.dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (l *link) attachLocked(conn *ws.Conn) {
	l.conn = conn
	go l.readLoop(conn)
}

// readLoop routes acks and reports a broken connection to the writer.
func (l *link) readLoop(conn *ws.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			current := l.conn == conn && !l.closed
			l.mu.Unlock()
			if current {
				l.logger.Warn("WebSocket read error", "error", err)
				select {
				case l.broken <- conn:
				default:
				}
			}
			return
		}

		var ack streaming.AckMessage
		if err := json.Unmarshal(raw, &ack); err != nil || ack.Type != "ack" {
			l.logger.Debug("Ignoring viewer message", "raw", string(raw))
			continue
		}
		select {
		case l.acks <- ack.For:
		default:
			l.logger.Debug("Ack backlog full, dropping", "for", ack.For)
		}
	}
}

func (l *link) writeLoop() {
	defer close(l.stopped)
	for {
		select {
		case <-l.done:
			return
		case conn := <-l.broken:
			l.mu.Lock()
			stale := conn != l.conn
			l.mu.Unlock()
			if !stale {
				l.reconnect()
			}
		case msg := <-l.control:
			// batches queued before a session boundary go out first
			l.flushLanes()
			l.deliver(msg)
		case <-l.wake:
			l.flushLanes()
		}
	}
}

func (l *link) flushLanes() {
	for _, name := range laneOrder {
		ln := l.lanes[name]
		for _, msg := range ln.take() {
			if !l.deliver(msg) {
				ln.dropped.Add(1)
			}
		}
	}
}

// deliver writes msg, reconnecting once on failure.
func (l *link) deliver(msg []byte) bool {
	if l.down.Load() {
		return false
	}
	err := l.write(msg)
	if err == nil {
		return true
	}
	l.logger.Warn("WebSocket write error", "error", err)
	if !l.reconnect() {
		return false
	}
	return l.write(msg) == nil
}

func (l *link) write(msg []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errLinkDown
	}
	return writeText(conn, msg)
}

func writeText(conn *ws.Conn, msg []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, msg)
}

// reconnect replaces the connection with exponential backoff and replays the
// cached session start. It gives up after maxReconnect attempts, after which
// every batch is counted as dropped.
func (l *link) reconnect() bool {
	l.mu.Lock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()

	backoff := l.backoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		l.logger.Info("Reconnecting to viewer", "attempt", attempt, "backoff", backoff)
		select {
		case <-l.done:
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)

		conn, err := l.dial()
		if err != nil {
			l.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			continue
		}

		l.mu.Lock()
		start := l.start
		l.mu.Unlock()
		if start != nil {
			if err := writeText(conn, start); err != nil {
				l.logger.Warn("Failed to replay session start", "error", err)
				_ = conn.Close()
				continue
			}
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return false
		}
		l.attachLocked(conn)
		l.mu.Unlock()
		l.reconnects.Add(1)
		l.logger.Info("Viewer reconnected", "attempt", attempt, "replayedStart", start != nil)
		return true
	}

	l.logger.Error("Giving up on viewer connection", "maxAttempts", maxReconnect)
	l.down.Store(true)
	return false
}

// enqueue queues a batch on its lane without blocking.
func (l *link) enqueue(msgType string, msg []byte) {
	ln, ok := l.lanes[msgType]
	if !ok {
		return
	}
	if ln.push(msg) && ln.dropped.Load() == 1 {
		l.logger.Warn("Viewer lagging, evicting oldest batches", "stream", msgType)
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// sendAndWait queues a session boundary and waits for the viewer's ack.
func (l *link) sendAndWait(msg []byte, ackFor string, timeout time.Duration) error {
	if l.down.Load() {
		return errLinkDown
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.control <- msg:
	case <-timer.C:
		return fmt.Errorf("timeout queueing %q", ackFor)
	case <-l.done:
		return fmt.Errorf("connection closed before sending %q", ackFor)
	}

	for {
		select {
		case got := <-l.acks:
			if got == ackFor {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-l.done:
			return fmt.Errorf("connection closed while waiting for ack of %q", ackFor)
		}
	}
}

func (l *link) setStart(msg []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = msg
}

func (l *link) droppedBy(msgType string) uint64 {
	if ln, ok := l.lanes[msgType]; ok {
		return ln.dropped.Load()
	}
	return 0
}

// close stops the writer, then says goodbye on the current connection.
func (l *link) close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	running := l.running
	close(l.done)
	l.mu.Unlock()

	if running {
		<-l.stopped
	}

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	return conn.Close()
}
