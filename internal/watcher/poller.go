// Package watcher polls PlayFab on a timer, diffs each poll against the
// previous one and publishes the differences as events.
package watcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

// ErrTickInFlight is returned by Tick when another poll has not finished.
var ErrTickInFlight = errors.New("watcher: tick already in flight")

type State int32

const (
	Stopped State = iota
	Bootstrapping
	Steady
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Steady:
		return "steady"
	default:
		return "stopped"
	}
}

// Publisher is satisfied by *events.Bus.
type Publisher interface {
	Publish(p events.Payload) events.Event
}

// Change pairs the previous and current version of an entity.
type Change[T any] struct {
	Before T
	After  T
}

// Diff is the outcome of comparing two consecutive polls.
type Diff[T any] struct {
	Created []T
	Updated []Change[T]
	Deleted []T
	// Current is the whole new poll in fetch order.
	Current []T
}

func (d Diff[T]) Empty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Strategy supplies what differs between watchers: how to fetch, how to
// identify and fingerprint an entity, and which events a diff produces.
type Strategy[T any] interface {
	Fetch(ctx context.Context) ([]T, error)
	ID(v T) string
	Signature(v T) string
	Events(d Diff[T]) []events.Payload
	// Snapshot returns the payload published after the first successful
	// poll, or nil if the watcher has none.
	Snapshot(count int) events.Payload
}

type Options struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one poll. Zero means the interval.
	Timeout      time.Duration
	InitialDelay time.Duration
	Logger       logging.Logger
	Metrics      *metrics.Metrics
}

// Poller runs one Strategy on a timer. Polls never overlap.
type Poller[T any] struct {
	name     string
	strategy Strategy[T]
	interval time.Duration
	timeout  time.Duration
	delay    time.Duration

	state        atomic.Int32
	running      atomic.Bool
	tracked      atomic.Int64
	bootstrapped atomic.Bool

	mu     sync.Mutex
	pub    Publisher
	stopCh chan struct{}
	done   chan struct{}

	// owned by whoever holds running
	sigs map[string]string
	last map[string]T

	log     logging.Entry
	metrics *metrics.Metrics
}

func New[T any](strategy Strategy[T], opts Options) *Poller[T] {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Poller[T]{
		name:     opts.Name,
		strategy: strategy,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		delay:    opts.InitialDelay,
		sigs:     map[string]string{},
		last:     map[string]T{},
		log:      logging.Component(logger, "watcher").WithField("watcher", opts.Name),
		metrics:  opts.Metrics,
	}
}

func (p *Poller[T]) Name() string { return p.name }

func (p *Poller[T]) State() State { return State(p.state.Load()) }

// Tracked is the number of entities in the current snapshot.
func (p *Poller[T]) Tracked() int { return int(p.tracked.Load()) }

// Start begins polling and publishing to pub. Calling Start on a running
// poller does nothing and returns false.
func (p *Poller[T]) Start(pub Publisher) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return false
	}
	p.pub = pub
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	if p.bootstrapped.Load() {
		p.state.Store(int32(Steady))
	} else {
		p.state.Store(int32(Bootstrapping))
	}
	go p.loop(p.stopCh, p.done)
	p.log.WithField("interval", p.interval.String()).Info("Watcher started")
	return true
}

// Stop halts the timer and waits for a poll in progress to finish. The
// snapshot is kept, so a later Start resumes in the steady state.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	stopCh, done := p.stopCh, p.done
	p.stopCh, p.done = nil, nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
	p.state.Store(int32(Stopped))
	p.log.Info("Watcher stopped")
}

func (p *Poller[T]) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if p.delay > 0 {
		select {
		case <-stopCh:
			return
		case <-time.After(p.delay):
		}
	}

	runOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		_ = p.Tick(ctx)
	}

	runOnce()
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
			runOnce()
		}
	}
}

// Tick runs one poll now using the publisher given to Start.
func (p *Poller[T]) Tick(ctx context.Context) error {
	p.mu.Lock()
	pub := p.pub
	p.mu.Unlock()
	return p.tick(ctx, pub)
}

func (p *Poller[T]) tick(ctx context.Context, pub Publisher) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrTickInFlight
	}
	defer p.running.Store(false)

	started := time.Now()
	items, err := p.strategy.Fetch(ctx)
	if err != nil {
		p.observe("error")
		p.log.WithError(err).Warn("Poll failed, keeping previous snapshot")
		return err
	}

	sigs := make(map[string]string, len(items))
	byID := make(map[string]T, len(items))
	current := make([]T, 0, len(items))
	for _, it := range items {
		id := p.strategy.ID(it)
		if id == "" {
			continue
		}
		if _, dup := byID[id]; dup {
			continue
		}
		sigs[id] = p.strategy.Signature(it)
		byID[id] = it
		current = append(current, it)
	}

	if !p.bootstrapped.Load() {
		p.replace(sigs, byID)
		p.bootstrapped.Store(true)
		p.state.CompareAndSwap(int32(Bootstrapping), int32(Steady))
		p.observe("bootstrap")
		p.log.WithField("count", len(sigs)).Info("Watcher baseline established")
		if snap := p.strategy.Snapshot(len(sigs)); snap != nil && pub != nil {
			pub.Publish(snap)
		}
		return nil
	}

	d := Diff[T]{Current: current}
	for _, it := range current {
		id := p.strategy.ID(it)
		oldSig, seen := p.sigs[id]
		switch {
		case !seen:
			d.Created = append(d.Created, it)
		case oldSig != sigs[id]:
			d.Updated = append(d.Updated, Change[T]{Before: p.last[id], After: it})
		}
	}
	var deleted []string
	for id := range p.sigs {
		if _, ok := sigs[id]; !ok {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	for _, id := range deleted {
		d.Deleted = append(d.Deleted, p.last[id])
	}

	p.replace(sigs, byID)

	if d.Empty() {
		p.observe("unchanged")
		return nil
	}
	p.observe("changed")
	payloads := p.strategy.Events(d)
	p.log.WithFields(logging.Fields{
		"created":  len(d.Created),
		"updated":  len(d.Updated),
		"deleted":  len(d.Deleted),
		"events":   len(payloads),
		"duration": time.Since(started).String(),
	}).Debug("Watcher diff")
	if pub == nil {
		return nil
	}
	for _, pl := range payloads {
		pub.Publish(pl)
	}
	return nil
}

func (p *Poller[T]) replace(sigs map[string]string, byID map[string]T) {
	p.sigs = sigs
	p.last = byID
	p.tracked.Store(int64(len(sigs)))
	if p.metrics != nil {
		p.metrics.WatcherEntities.WithLabelValues(p.name).Set(float64(len(sigs)))
	}
}

func (p *Poller[T]) observe(result string) {
	if p.metrics != nil {
		p.metrics.WatcherTicks.WithLabelValues(p.name, result).Inc()
	}
}
