// Package hub pushes bus events to long-lived client connections, each with
// its own filter and heartbeat.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

var ErrClosed = errors.New("hub: closed")

type Options struct {
	Heartbeat    time.Duration
	MinHeartbeat time.Duration
	// SendBuffer is the number of frames a client may lag behind before it
	// is dropped.
	SendBuffer int
	Logger     logging.Logger
	Metrics    *metrics.Metrics
}

type Hub struct {
	heartbeat    time.Duration
	minHeartbeat time.Duration
	sendBuffer   int

	// mu also orders Broadcast so frame ids reach every client in sequence.
	mu       sync.Mutex
	seq      uint64
	clients  map[uint64]*Client
	clientID uint64
	closed   bool
	bus      *events.Bus
	subs     []events.Subscription

	log     logging.Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

// Client is one registered connection.
type Client struct {
	id        uint64
	hub       *Hub
	conn      Conn
	filter    Filter
	heartbeat time.Duration
	send      chan Frame
	quit      chan struct{}
	done      chan struct{}
	once      sync.Once
}

func New(opts Options) *Hub {
	if opts.MinHeartbeat <= 0 {
		opts.MinHeartbeat = 5 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	if opts.Heartbeat < opts.MinHeartbeat {
		opts.Heartbeat = opts.MinHeartbeat
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		heartbeat:    opts.Heartbeat,
		minHeartbeat: opts.MinHeartbeat,
		sendBuffer:   opts.SendBuffer,
		clients:      map[uint64]*Client{},
		log:          logging.Component(logger, "hub"),
		metrics:      opts.Metrics,
		now:          time.Now,
	}
}

// Attach subscribes the hub to every event on bus.
func (h *Hub) Attach(bus *events.Bus) {
	subs := bus.OnAll(h.Broadcast)
	h.mu.Lock()
	h.bus = bus
	h.subs = append(h.subs, subs...)
	h.mu.Unlock()
}

// HeartbeatFor returns the heartbeat interval a client with filter f gets.
func (h *Hub) HeartbeatFor(f Filter) time.Duration {
	hb := h.heartbeat
	if f.Heartbeat > 0 {
		hb = f.Heartbeat
	}
	return max(hb, h.minHeartbeat)
}

// AddClient registers conn, queues the ready frame and starts the client's
// writer and heartbeat.
func (h *Hub) AddClient(conn Conn, f Filter) (*Client, error) {
	hb := h.HeartbeatFor(f)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.clientID++
	c := &Client{
		id:        h.clientID,
		hub:       h,
		conn:      conn,
		filter:    f,
		heartbeat: hb,
		send:      make(chan Frame, h.sendBuffer+1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	ready, _ := json.Marshal(struct {
		ClientID    uint64   `json:"clientId"`
		Events      []string `json:"events,omitempty"`
		HeartbeatMs int64    `json:"heartbeatMs"`
	}{c.id, f.eventNames(), hb.Milliseconds()})
	// ready is queued before the client becomes visible to Broadcast
	c.send <- Frame{kind: frameReady, Event: "ready", Data: ready}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.HubClients.Set(float64(n))
	}
	h.log.WithFields(logging.Fields{"client_id": c.id, "client_count": n}).Info("Client connected")
	go c.run()
	return c, nil
}

// Broadcast frames ev for every client whose filter matches. A client whose
// buffer is full is removed instead of blocking the publisher.
func (h *Hub) Broadcast(ev events.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		h.log.WithError(err).WithField("event", ev.Name).Error("Failed to encode event")
		return
	}

	var full []*Client
	sent := 0
	h.mu.Lock()
	var f Frame
	for _, c := range h.clients {
		if !c.filter.Matches(ev) {
			continue
		}
		if f.ID == 0 {
			h.seq++
			f = Frame{kind: frameEvent, ID: h.seq, Event: string(ev.Name), Data: data}
		}
		select {
		case c.send <- f:
			sent++
		default:
			full = append(full, c)
		}
	}
	h.mu.Unlock()

	if sent > 0 && h.metrics != nil {
		h.metrics.HubFrames.WithLabelValues(string(ev.Name)).Add(float64(sent))
	}
	for _, c := range full {
		h.removeClient(c, "send buffer full")
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	bus, subs := h.bus, h.subs
	h.subs = nil
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, s := range subs {
		bus.Off(s)
	}
	for _, c := range clients {
		h.removeClient(c, "")
		<-c.done
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		n := len(h.clients)
		h.mu.Unlock()
		close(c.quit)

		if h.metrics != nil {
			h.metrics.HubClients.Set(float64(n))
			if reason != "" {
				h.metrics.HubDropped.Inc()
			}
		}
		entry := h.log.WithFields(logging.Fields{"client_id": c.id, "client_count": n})
		if reason != "" {
			entry.WithField("reason", reason).Warn("Client dropped")
		} else {
			entry.Info("Client disconnected")
		}
	})
}

func (c *Client) ID() uint64 { return c.id }

// Done is closed once the client is removed and its writer has stopped
// touching the connection.
func (c *Client) Done() <-chan struct{} { return c.done }

// Remove disconnects the client.
func (c *Client) Remove() { c.hub.removeClient(c, "") }

func (c *Client) run() {
	t := time.NewTicker(c.heartbeat)
	defer func() {
		t.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case <-c.quit:
			return
		case <-c.conn.Closed():
			c.hub.removeClient(c, "")
			return
		case f := <-c.send:
			if err := c.conn.WriteFrame(f); err != nil {
				c.hub.removeClient(c, "write failed: "+err.Error())
				return
			}
		case <-t.C:
			if err := c.conn.WriteFrame(Frame{kind: framePing, At: c.hub.now()}); err != nil {
				c.hub.removeClient(c, "heartbeat failed: "+err.Error())
				return
			}
		}
	}
}
