package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

type fakeConn struct {
	frames  chan Frame
	closed  chan struct{}
	failErr error
	block   chan struct{}

	mu          sync.Mutex
	closeCalled bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 100), closed: make(chan struct{})}
}

func (c *fakeConn) WriteFrame(f Frame) error {
	if c.block != nil {
		<-c.block
	}
	if c.failErr != nil && !isReady(f) {
		return c.failErr
	}
	c.frames <- f
	return nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.closed }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalled = true
	c.mu.Unlock()
	return nil
}

func isReady(f Frame) bool { return f.kind == frameReady }

func (c *fakeConn) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func (c *fakeConn) nextEvent(t *testing.T) Frame {
	t.Helper()
	for {
		if f := c.next(t); f.kind == frameEvent {
			return f
		}
	}
}

func (c *fakeConn) assertNoEvent(t *testing.T) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case f := <-c.frames:
			if f.kind == frameEvent {
				t.Fatalf("unexpected %s frame", f.Event)
			}
		case <-deadline:
			return
		}
	}
}

func newTestHub() *Hub {
	return New(Options{Heartbeat: time.Hour, MinHeartbeat: time.Millisecond, SendBuffer: 4, Metrics: metrics.New()})
}

func ev(p events.Payload) events.Event {
	return events.New(p, time.Unix(1_700_000_000, 0))
}

func TestAddClientSendsReadyFrame(t *testing.T) {
	h := newTestHub()
	conn := newFakeConn()
	_, err := h.AddClient(conn, Filter{})
	require.NoError(t, err)

	f := conn.next(t)
	assert.Equal(t, "ready", f.Event)
	assert.Contains(t, string(f.Data), `"clientId":1`)
	assert.Equal(t, 1, h.Count())
}

func TestFilteredClientOnlyGetsItsEvents(t *testing.T) {
	h := newTestHub()
	bus := events.NewBus(nil, nil)
	h.Attach(bus)

	all := newFakeConn()
	prices := newFakeConn()
	_, err := h.AddClient(all, Filter{})
	require.NoError(t, err)
	_, err = h.AddClient(prices, Filter{Events: map[events.Name]struct{}{events.PriceChanged: {}}})
	require.NoError(t, err)

	bus.Emit(ev(events.SaleUpdated{}))
	bus.Emit(ev(events.PricesChanged{}))

	assert.Equal(t, "sale.update", all.nextEvent(t).Event)
	assert.Equal(t, "price.changed", all.nextEvent(t).Event)
	assert.Equal(t, "price.changed", prices.nextEvent(t).Event)
	prices.assertNoEvent(t)
}

func TestCreatorFilterIsCaseInsensitive(t *testing.T) {
	h := newTestHub()
	conn := newFakeConn()
	_, err := h.AddClient(conn, Filter{Creators: map[string]struct{}{"noxcrew": {}}})
	require.NoError(t, err)

	h.Broadcast(ev(events.ItemsCreated{Items: []playfab.Item{{ID: "1", Creator: "Blockworks"}}}))
	h.Broadcast(ev(events.ItemsCreated{Items: []playfab.Item{{ID: "2", Creator: "NoxCrew"}}}))

	f := conn.nextEvent(t)
	assert.Contains(t, string(f.Data), `"id":"2"`)
	conn.assertNoEvent(t)
}

func TestDeliveryIDsAreMonotonic(t *testing.T) {
	h := newTestHub()
	conn := newFakeConn()
	_, err := h.AddClient(conn, Filter{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.Broadcast(ev(events.ItemsSnapshot{Count: i}))
	}
	var ids []uint64
	for i := 0; i < 3; i++ {
		ids = append(ids, conn.nextEvent(t).ID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestConcurrentBroadcastsKeepIDsInOrder(t *testing.T) {
	h := New(Options{Heartbeat: time.Hour, SendBuffer: 256})
	conn := &fakeConn{frames: make(chan Frame, 256), closed: make(chan struct{})}
	_, err := h.AddClient(conn, Filter{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Broadcast(ev(events.ItemsSnapshot{Count: i}))
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < 200; i++ {
		id := conn.nextEvent(t).ID
		require.Greater(t, id, last, "frame %d arrived out of order", i)
		last = id
	}
	assert.Equal(t, uint64(200), last)
}

func TestReadyFrameComesBeforeConcurrentEvents(t *testing.T) {
	h := New(Options{Heartbeat: time.Hour, SendBuffer: 1024})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast(ev(events.ItemsSnapshot{Count: 1}))
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 20; i++ {
		conn := &fakeConn{frames: make(chan Frame, 2048), closed: make(chan struct{})}
		_, err := h.AddClient(conn, Filter{})
		require.NoError(t, err)
		assert.Equal(t, "ready", conn.next(t).Event)
	}
}

func TestWriteFailureRemovesOnlyThatClient(t *testing.T) {
	h := newTestHub()
	good := newFakeConn()
	bad := newFakeConn()
	bad.failErr = errors.New("broken pipe")

	_, err := h.AddClient(good, Filter{})
	require.NoError(t, err)
	badClient, err := h.AddClient(bad, Filter{})
	require.NoError(t, err)

	h.Broadcast(ev(events.ItemsSnapshot{Count: 1}))

	select {
	case <-badClient.Done():
	case <-time.After(time.Second):
		t.Fatal("failing client was not removed")
	}
	assert.Equal(t, "item.snapshot", good.nextEvent(t).Event)
	assert.Equal(t, 1, h.Count())
	bad.mu.Lock()
	assert.True(t, bad.closeCalled)
	bad.mu.Unlock()
}

func TestSlowClientIsDroppedWhenBufferFills(t *testing.T) {
	h := newTestHub()
	slow := newFakeConn()
	slow.block = make(chan struct{})
	c, err := h.AddClient(slow, Filter{})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.Broadcast(ev(events.ItemsSnapshot{Count: i}))
	}
	assert.Equal(t, 0, h.Count())
	close(slow.block)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client writer did not stop")
	}
}

func TestHeartbeatRespectsFloor(t *testing.T) {
	h := New(Options{Heartbeat: time.Hour, MinHeartbeat: 20 * time.Millisecond})
	conn := newFakeConn()
	c, err := h.AddClient(conn, Filter{Heartbeat: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, c.heartbeat)

	conn.next(t) // ready
	f := conn.next(t)
	assert.True(t, f.IsHeartbeat())
	assert.True(t, strings.HasPrefix(string(f.SSE()), ": ping "))
}

func TestPeerDisconnectRemovesClient(t *testing.T) {
	h := newTestHub()
	conn := newFakeConn()
	c, err := h.AddClient(conn, Filter{})
	require.NoError(t, err)

	close(conn.closed)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not removed after disconnect")
	}
	assert.Equal(t, 0, h.Count())
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	h := newTestHub()
	bus := events.NewBus(nil, nil)
	h.Attach(bus)
	for i := 0; i < 3; i++ {
		_, err := h.AddClient(newFakeConn(), Filter{})
		require.NoError(t, err)
	}

	h.Close()
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 0, bus.ListenerCount(events.ItemCreated))
	_, err := h.AddClient(newFakeConn(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFrameSSEFormat(t *testing.T) {
	f := Frame{kind: frameEvent, ID: 7, Event: "price.changed", Data: []byte(`{"changes":[]}`)}
	assert.Equal(t, "id: 7\nevent: price.changed\ndata: {\"changes\":[]}\n\n", string(f.SSE()))

	ping := Frame{kind: framePing, At: time.Unix(1700000000, 0)}
	assert.Equal(t, ": ping 1700000000\n\n", string(ping.SSE()))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("price.changed, sale.update", "NoxCrew,,Blockworks", "15000")
	require.NoError(t, err)
	assert.Len(t, f.Events, 2)
	assert.Contains(t, f.Creators, "noxcrew")
	assert.Equal(t, 15*time.Second, f.Heartbeat)

	empty, err := ParseFilter("", "", "")
	require.NoError(t, err)
	assert.Nil(t, empty.Events)
	assert.True(t, empty.Matches(ev(events.SaleUpdated{})))

	_, err = ParseFilter("item.deleted", "", "")
	assert.Error(t, err)
	_, err = ParseFilter("", "", "soon")
	assert.Error(t, err)
}

func TestSSEConnStreamsFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	conn, err := NewSSEConn(rec, make(chan struct{}))
	require.NoError(t, err)

	require.NoError(t, conn.WriteFrame(Frame{kind: frameEvent, ID: 1, Event: "item.snapshot", Data: []byte(`{"count":2}`)}))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "id: 1\nevent: item.snapshot\ndata: {\"count\":2}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

// dialHub serves h over a websocket endpoint whose connections use readWait
// as their read deadline, connects one client and returns the text messages
// that client reads.
func dialHub(t *testing.T, h *Hub, f Filter, readWait time.Duration) <-chan []byte {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(ws, readWait)
		if _, err := h.AddClient(conn, f); err != nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		// reading is what answers the hub's pings with pongs
		for {
			_, b, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msgs <- b
		}
	}()
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	return msgs
}

func TestWebSocketReadDeadlineCoversHeartbeat(t *testing.T) {
	for _, hb := range []time.Duration{5 * time.Second, 90 * time.Second, 10 * time.Minute} {
		assert.Greater(t, readWaitFor(hb), hb+writeWait, "heartbeat %s", hb)
	}
	h := New(Options{Heartbeat: 2 * time.Minute})
	assert.Equal(t, 90*time.Second, h.HeartbeatFor(Filter{Heartbeat: 90 * time.Second}))
	assert.Equal(t, 2*time.Minute, h.HeartbeatFor(Filter{}))
}

func TestWebSocketClientSurvivesSeveralReadWindows(t *testing.T) {
	h := New(Options{Heartbeat: time.Hour, MinHeartbeat: time.Millisecond})
	t.Cleanup(h.Close)
	msgs := dialHub(t, h, Filter{Heartbeat: 100 * time.Millisecond}, 250*time.Millisecond)

	time.Sleep(time.Second)
	require.Equal(t, 1, h.Count())

	h.Broadcast(ev(events.ItemsSnapshot{Count: 3}))
	var got struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	for got.Event != "item.snapshot" {
		select {
		case b, ok := <-msgs:
			require.True(t, ok, "connection closed")
			require.NoError(t, json.Unmarshal(b, &got))
		case <-time.After(time.Second):
			t.Fatal("no event after idle period")
		}
	}
	assert.JSONEq(t, `{"count":3}`, string(got.Data))
}

func TestWebSocketClientWithoutPongsIsDropped(t *testing.T) {
	h := New(Options{Heartbeat: time.Hour})
	t.Cleanup(h.Close)
	dialHub(t, h, Filter{}, 100*time.Millisecond)

	require.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
