package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

// Listener receives events synchronously on the emitting goroutine. Listeners
// that do I/O should hand the event off and return.
type Listener func(Event)

// Subscription identifies one registered listener for Off.
type Subscription struct {
	name Name
	id   uint64
}

type registered struct {
	id uint64
	fn Listener
}

// Bus fans events out to listeners in registration order. A listener that
// panics is logged and skipped; the publisher never sees it.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Name][]registered

	log     logging.Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewBus(logger logging.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		listeners: map[Name][]registered{},
		log:       logging.Component(logger, "bus"),
		metrics:   m,
		now:       time.Now,
	}
}

func (b *Bus) On(name Name, fn Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[name] = append(b.listeners[name], registered{id: b.nextID, fn: fn})
	return Subscription{name: name, id: b.nextID}
}

// OnAll registers fn for every event name.
func (b *Bus) OnAll(fn Listener) []Subscription {
	subs := make([]Subscription, 0, len(allNames))
	for _, n := range allNames {
		subs = append(subs, b.On(n, fn))
	}
	return subs
}

func (b *Bus) Off(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[s.name]
	for i, l := range ls {
		if l.id == s.id {
			// copy so an Emit iterating the old slice is unaffected
			next := make([]registered, 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			b.listeners[s.name] = next
			return
		}
	}
}

func (b *Bus) ListenerCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// Emit delivers ev to every listener registered for its name.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	ls := b.listeners[ev.Name]
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(ev.Name)).Inc()
	}
	for _, l := range ls {
		b.call(l.fn, ev)
	}
}

// Publish stamps p with the current time and emits it.
func (b *Bus) Publish(p Payload) Event {
	ev := New(p, b.now())
	b.Emit(ev)
	return ev
}

func (b *Bus) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logging.Fields{
				"event": ev.Name,
				"panic": fmt.Sprint(r),
			}).Error("Event listener panicked")
		}
	}()
	fn(ev)
}
