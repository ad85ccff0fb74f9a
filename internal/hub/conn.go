package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
)

// Conn is a push transport. WriteFrame is only called from the client's
// writer goroutine.
type Conn interface {
	WriteFrame(f Frame) error
	// Closed is closed when the peer goes away.
	Closed() <-chan struct{}
	Close() error
}

// SSEConn streams frames over a text/event-stream response.
type SSEConn struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	done    <-chan struct{}
}

// NewSSEConn writes the event-stream headers. done is usually the request
// context's Done channel.
func NewSSEConn(w http.ResponseWriter, done <-chan struct{}) (*SSEConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEConn{w: w, flusher: flusher, rc: http.NewResponseController(w), done: done}, nil
}

func (c *SSEConn) WriteFrame(f Frame) error {
	// not every writer supports deadlines; the write then relies on the
	// server's own timeouts
	_ = c.rc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.w.Write(f.SSE()); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEConn) Closed() <-chan struct{} { return c.done }

func (c *SSEConn) Close() error { return nil }

// WSConn sends each frame as one JSON text message. Heartbeats become
// websocket pings.
type WSConn struct {
	conn     *websocket.Conn
	readWait time.Duration
	closed   chan struct{}
	once     sync.Once
}

type wsMessage struct {
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWSConn takes ownership of conn and starts its read pump, which only
// services control frames and detects disconnects. heartbeat is the ping
// interval the hub will use for this client; the peer is considered gone
// when no pong arrives within two intervals.
func NewWSConn(conn *websocket.Conn, heartbeat time.Duration) *WSConn {
	return newWSConn(conn, readWaitFor(heartbeat))
}

func readWaitFor(heartbeat time.Duration) time.Duration { return 2*heartbeat + writeWait }

func newWSConn(conn *websocket.Conn, readWait time.Duration) *WSConn {
	c := &WSConn{conn: conn, readWait: readWait, closed: make(chan struct{})}
	go c.readPump()
	return c
}

func (c *WSConn) readPump() {
	defer c.markClosed()
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *WSConn) markClosed() { c.once.Do(func() { close(c.closed) }) }

func (c *WSConn) WriteFrame(f Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if f.IsHeartbeat() {
		return c.conn.WriteMessage(websocket.PingMessage, nil)
	}
	b, err := json.Marshal(wsMessage{ID: f.ID, Event: f.Event, Data: f.Data})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *WSConn) Closed() <-chan struct{} { return c.closed }

func (c *WSConn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.markClosed()
	return c.conn.Close()
}
