package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/backoff"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func updatedEvent(ids ...string) events.Event {
	var changes []events.ItemChange
	for _, id := range ids {
		changes = append(changes, events.ItemChange{
			Before: playfab.Item{ID: id, Title: "old " + id, Creator: "Blockworks"},
			After:  playfab.Item{ID: id, Title: "new " + id, Creator: "Blockworks"},
		})
	}
	return events.New(events.ItemsUpdated{Changes: changes}, at)
}

func TestExpandOneUnitPerChangedItem(t *testing.T) {
	units := Expand(updatedEvent("a", "b", "c"))
	require.Len(t, units, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, events.ItemUpdated, units[i].Event)
		assert.Equal(t, id, units[i].Key)
		assert.Equal(t, []string{"Blockworks"}, units[i].Creators)
	}

	snap := Expand(events.New(events.SalesSnapshot{Count: 4}, at))
	require.Len(t, snap, 1)
	assert.Empty(t, snap[0].Key)

	sale := Expand(events.New(events.SaleUpdated{
		Created: []playfab.Store{{ID: "s1"}},
		Deleted: []playfab.Store{{ID: "s2"}},
	}, at))
	require.Len(t, sale, 2)
	assert.Equal(t, "deleted", sale[1].Data.(StoreChange).Change)
}

func TestRegistrationIDIsContentHash(t *testing.T) {
	a := Registration{URL: "https://example.com/hook", Event: "Item.Created", Creators: []string{"Noxcrew", "blockworks", "noxcrew"}}
	b := Registration{URL: " https://example.com/hook ", Event: "item.created", Creators: []string{"BlockWorks", "NoxCrew"}}
	require.NoError(t, a.Normalize())
	require.NoError(t, b.Normalize())
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.ID, 32)
	assert.Equal(t, []string{"blockworks", "noxcrew"}, a.Creators)

	c := b
	c.Secret = "s3cret"
	require.NoError(t, c.Normalize())
	assert.NotEqual(t, a.ID, c.ID)

	bad := Registration{URL: "ftp://example.com"}
	assert.Error(t, bad.Normalize())
	bad = Registration{URL: "https://example.com", Event: "item.deleted"}
	assert.Error(t, bad.Normalize())
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	first, created, err := reg.Add(Registration{URL: "https://example.com/a"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Wildcard, first.Event)

	again, created, err := reg.Add(Registration{URL: "https://example.com/a", Event: "*"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, reg.List(), 1)

	require.NoError(t, reg.Remove(first.ID))
	assert.ErrorIs(t, reg.Remove(first.ID), ErrNotFound)
}

func TestMatchesEventAndCreators(t *testing.T) {
	u := Unit{Event: events.PriceChanged, Creators: []string{"Noxcrew"}}

	assert.True(t, Registration{Event: Wildcard}.Matches(u))
	assert.True(t, Registration{Event: "price.changed", Creators: []string{"noxcrew"}}.Matches(u))
	assert.False(t, Registration{Event: "item.created"}.Matches(u))
	assert.False(t, Registration{Event: Wildcard, Creators: []string{"everbloom"}}.Matches(u))
	assert.False(t, Registration{Event: Wildcard, Creators: []string{"noxcrew"}}.Matches(Unit{Event: events.SaleUpdate}))
}

func TestSignatureRoundTrip(t *testing.T) {
	body, err := genericRenderer{}.Render(Delivery{ID: "d1", Unit: Expand(updatedEvent("a"))[0]})
	require.NoError(t, err)

	sig := Sign("s3cret", body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)/2] ^= 0x01
	assert.False(t, Verify("s3cret", tampered, sig))

	var env map[string]any
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "d1", env["id"])
	assert.Equal(t, "item.updated", env["event"])
	assert.Contains(t, env, "data")
	assert.Contains(t, env, "timestamp")
}

func TestProviderDetection(t *testing.T) {
	cases := map[string]Registration{
		ProviderDiscord: {URL: "https://discord.com/api/webhooks/1/abc"},
		ProviderSlack:   {URL: "https://hooks.slack.com/services/T/B/X"},
		ProviderGeneric: {URL: "https://example.com/hook"},
	}
	for want, reg := range cases {
		assert.Equal(t, want, ProviderFor(reg), reg.URL)
	}
	assert.Equal(t, ProviderSlack, ProviderFor(Registration{URL: "https://relay.internal/x", Provider: "slack"}))
	assert.Equal(t, ProviderDiscord, ProviderFor(Registration{URL: "https://canary.discordapp.com/api/webhooks/1"}))
}

func TestChatRenderersProduceVendorShapes(t *testing.T) {
	u := Expand(events.New(events.PricesChanged{Changes: []events.PriceChange{{
		ItemID: "a", Title: "Castle", Creator: "Blockworks",
		Before: []playfab.Price{{Currency: "minecoin", Amount: 990}},
		After:  []playfab.Price{{Currency: "minecoin", Amount: 490}},
	}}}, at))[0]

	body, err := discordRenderer{}.Render(Delivery{ID: "d", Unit: u})
	require.NoError(t, err)
	var discord struct {
		Embeds []struct {
			Title  string `json:"title"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(body, &discord))
	require.Len(t, discord.Embeds, 1)
	assert.Equal(t, "Price changed: Castle", discord.Embeds[0].Title)
	assert.Equal(t, "490 minecoin", discord.Embeds[0].Fields[2].Value)

	body, err = slackRenderer{}.Render(Delivery{ID: "d", Unit: u})
	require.NoError(t, err)
	var slack struct {
		Text   string           `json:"text"`
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(body, &slack))
	assert.Equal(t, "Price changed: Castle", slack.Text)
	require.Len(t, slack.Blocks, 1)
}

type received struct {
	header http.Header
	body   []byte
}

type endpoint struct {
	srv      *httptest.Server
	mu       sync.Mutex
	requests []received
	respond  func(n int, w http.ResponseWriter)
	hits     atomic.Int32
}

func newEndpoint(t *testing.T, respond func(n int, w http.ResponseWriter)) *endpoint {
	t.Helper()
	e := &endpoint{respond: respond}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.requests = append(e.requests, received{header: r.Header.Clone(), body: b})
		e.mu.Unlock()
		e.respond(int(e.hits.Add(1)), w)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) all() []received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]received(nil), e.requests...)
}

type scheduled struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *scheduled) add(d time.Duration) {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
}

func (s *scheduled) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestDispatcher(t *testing.T, reg *Registry, opts Options) (*Dispatcher, *scheduled) {
	t.Helper()
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	}
	opts.Metrics = metrics.New()
	d := NewDispatcher(reg, opts)
	s := &scheduled{}
	d.schedule = func(delay time.Duration, f func()) {
		s.add(delay)
		go f()
	}
	d.Start()
	t.Cleanup(d.Close)
	return d, s
}

func addReg(t *testing.T, reg *Registry, r Registration) Registration {
	t.Helper()
	out, _, err := reg.Add(r)
	require.NoError(t, err)
	return out
}

func TestDispatchDeliversEachUnitSigned(t *testing.T) {
	ep := newEndpoint(t, func(int, http.ResponseWriter) {})
	reg, _ := NewRegistry(nil)
	r := addReg(t, reg, Registration{URL: ep.srv.URL, Event: "item.updated", Secret: "s3cret"})
	d, _ := newTestDispatcher(t, reg, Options{Workers: 2})

	d.Dispatch(updatedEvent("a", "b", "c"))

	require.Eventually(t, func() bool { return len(ep.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	ids := map[string]bool{}
	for _, req := range ep.all() {
		assert.Equal(t, "application/json", req.header.Get("Content-Type"))
		assert.Equal(t, "item.updated", req.header.Get("X-Webhook-Event"))
		assert.True(t, Verify("s3cret", req.body, req.header.Get(SignatureHeader)))
		ids[req.header.Get("X-Webhook-Delivery")] = true
	}
	assert.Len(t, ids, 3, "each unit has its own delivery id")

	require.Eventually(t, func() bool {
		got, _ := reg.Get(r.ID)
		return got.Stats.TotalDelivered == 3
	}, time.Second, 5*time.Millisecond)
}

func TestTooManyRequestsHonoursRetryAfter(t *testing.T) {
	ep := newEndpoint(t, func(n int, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})
	reg, _ := NewRegistry(nil)
	r := addReg(t, reg, Registration{URL: ep.srv.URL})
	d, sched := newTestDispatcher(t, reg, Options{Workers: 1, MaxAttempts: 3})

	d.Dispatch(updatedEvent("a"))

	require.Eventually(t, func() bool { return len(ep.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	delays := sched.all()
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 2*time.Second)

	reqs := ep.all()
	assert.Equal(t, reqs[0].header.Get("X-Webhook-Delivery"), reqs[1].header.Get("X-Webhook-Delivery"))
	assert.Equal(t, "2", reqs[1].header.Get("X-Webhook-Attempt"))

	require.Eventually(t, func() bool {
		got, _ := reg.Get(r.ID)
		return got.Stats.TotalDelivered == 1 && got.Stats.ConsecutiveFailures == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRetryAfterIsCapped(t *testing.T) {
	ep := newEndpoint(t, func(n int, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Retry-After", "86400")
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})
	reg, _ := NewRegistry(nil)
	addReg(t, reg, Registration{URL: ep.srv.URL})
	d, sched := newTestDispatcher(t, reg, Options{Workers: 1, MaxAttempts: 3, MaxRetryAfter: 3 * time.Second})

	d.Dispatch(updatedEvent("a"))

	require.Eventually(t, func() bool { return len(ep.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{3 * time.Second}, sched.all())
}

func TestNotFoundIsDroppedWithoutRetry(t *testing.T) {
	ep := newEndpoint(t, func(_ int, w http.ResponseWriter) { w.WriteHeader(http.StatusNotFound) })
	reg, _ := NewRegistry(nil)
	r := addReg(t, reg, Registration{URL: ep.srv.URL})
	d, sched := newTestDispatcher(t, reg, Options{Workers: 1, MaxAttempts: 5})

	d.Dispatch(updatedEvent("a"))

	require.Eventually(t, func() bool {
		got, _ := reg.Get(r.ID)
		return got.Stats.TotalFailed == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ep.all(), 1)
	assert.Empty(t, sched.all())

	got, _ := reg.Get(r.ID)
	assert.Equal(t, http.StatusNotFound, got.Stats.LastStatus)
}

func TestServerErrorsRetryUntilCeiling(t *testing.T) {
	ep := newEndpoint(t, func(_ int, w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) })
	reg, _ := NewRegistry(nil)
	r := addReg(t, reg, Registration{URL: ep.srv.URL})
	d, sched := newTestDispatcher(t, reg, Options{Workers: 1, MaxAttempts: 3})

	d.Dispatch(updatedEvent("a"))

	require.Eventually(t, func() bool {
		got, _ := reg.Get(r.ID)
		return got.Stats.TotalFailed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, ep.all(), 3)
	assert.Len(t, sched.all(), 2)

	got, _ := reg.Get(r.ID)
	assert.Equal(t, 3, got.Stats.ConsecutiveFailures)
}

func TestInFlightDeliveryIsNotDuplicated(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(int, http.ResponseWriter) { <-release })
	reg, _ := NewRegistry(nil)
	addReg(t, reg, Registration{URL: ep.srv.URL})
	d, _ := newTestDispatcher(t, reg, Options{Workers: 2})

	ev := updatedEvent("a")
	d.Dispatch(ev)
	require.Eventually(t, func() bool { return ep.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	d.Dispatch(ev)
	time.Sleep(50 * time.Millisecond)
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ep.hits.Load())
}

func TestFullQueueDropsOldest(t *testing.T) {
	reg, _ := NewRegistry(nil)
	r := addReg(t, reg, Registration{URL: "https://example.com/hook"})
	d := NewDispatcher(reg, Options{QueueSize: 1})
	defer d.Close()

	first, err := d.newJob(r, Expand(updatedEvent("a"))[0], "k1")
	require.NoError(t, err)
	second, err := d.newJob(r, Expand(updatedEvent("b"))[0], "k2")
	require.NoError(t, err)

	d.enqueue(first)
	d.enqueue(second)

	select {
	case err := <-first.done:
		assert.ErrorIs(t, err, errDropped)
	default:
		t.Fatal("oldest job was not dropped")
	}
	assert.Equal(t, 1, d.QueueDepth())
	got, _ := reg.Get(r.ID)
	assert.Equal(t, int64(1), got.Stats.TotalFailed)
}

func TestCreatorFilteredRegistrationSkipsOtherCreators(t *testing.T) {
	ep := newEndpoint(t, func(int, http.ResponseWriter) {})
	reg, _ := NewRegistry(nil)
	addReg(t, reg, Registration{URL: ep.srv.URL, Creators: []string{"noxcrew"}})
	d, _ := newTestDispatcher(t, reg, Options{Workers: 1})

	d.Dispatch(updatedEvent("a"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ep.all())
}

func TestStorePersistsRegistrations(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	reg, err := NewRegistry(store)
	require.NoError(t, err)

	kept := addReg(t, reg, Registration{URL: "https://example.com/a", Event: "sale.update", Secret: "x"})
	gone := addReg(t, reg, Registration{URL: "https://example.com/b"})
	require.NoError(t, reg.Remove(gone.ID))
	reg.record(kept.ID, 200, nil, outcomeDelivered)
	require.NoError(t, store.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()
	reloaded, err := NewRegistry(store)
	require.NoError(t, err)

	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)
	assert.Equal(t, "x", list[0].Secret)
	assert.Equal(t, int64(1), list[0].Stats.TotalDelivered)
}
