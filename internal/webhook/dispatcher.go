package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/backoff"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

var (
	errDropped  = errors.New("webhook: dropped from full queue")
	errShutdown = errors.New("webhook: dispatcher closed")
)

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	Backoff     backoff.Policy
	// MaxRetryAfter caps the wait a receiver can ask for with Retry-After.
	MaxRetryAfter time.Duration
	MaxBodySize   int64
	// RatePerSecond limits deliveries per registration. Zero disables it.
	RatePerSecond float64
	RateBurst     int
	Client        *http.Client
	Logger        logging.Logger
	Metrics       *metrics.Metrics
}

type job struct {
	reg        Registration
	provider   string
	event      events.Name
	key        string
	deliveryID string
	body       []byte
	signature  string
	attempt    int
	done       chan error
}

// Dispatcher turns bus events into webhook POSTs. Deliveries are
// at-least-once within the life of the process.
type Dispatcher struct {
	registry *Registry
	opts     Options
	client   *http.Client

	queue  chan *job
	pushMu sync.Mutex

	flights singleflight.Group

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	mu     sync.Mutex
	closed bool
	subs   []events.Subscription
	bus    *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log         logging.Entry
	overflowLog *logging.RateLimited
	metrics     *metrics.Metrics
	now         func() time.Time
	schedule    func(d time.Duration, f func())
}

func NewDispatcher(registry *Registry, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 10 * time.Minute
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	log := logging.Component(logger, "webhooks")
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:    registry,
		opts:        opts,
		client:      client,
		queue:       make(chan *job, opts.QueueSize),
		limiters:    map[string]*rate.Limiter{},
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
		overflowLog: logging.NewRateLimited(log, time.Minute),
		metrics:     opts.Metrics,
		now:         time.Now,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker()
		}()
	}
}

// Attach subscribes the dispatcher to every event on bus.
func (d *Dispatcher) Attach(bus *events.Bus) {
	subs := bus.OnAll(d.Dispatch)
	d.mu.Lock()
	d.bus = bus
	d.subs = append(d.subs, subs...)
	d.mu.Unlock()
}

// Close stops accepting events, stops the workers and fails queued jobs.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	bus, subs := d.bus, d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, s := range subs {
		bus.Off(s)
	}
	d.cancel()
	d.wg.Wait()

	d.pushMu.Lock()
	defer d.pushMu.Unlock()
	for {
		select {
		case j := <-d.queue:
			j.done <- errShutdown
		default:
			d.setDepth()
			return
		}
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Dispatch expands ev and schedules one delivery per matching registration
// and unit. It never blocks on the network.
func (d *Dispatcher) Dispatch(ev events.Event) {
	if d.isClosed() {
		return
	}
	for _, u := range Expand(ev) {
		for _, reg := range d.registry.ListMatching(u) {
			d.submit(reg, u)
		}
	}
}

func dedupeKey(regID string, u Unit) string {
	k := u.Key
	if k == "" {
		k = strconv.FormatInt(u.Timestamp.UnixNano(), 10)
	}
	return regID + "|" + string(u.Event) + "|" + k
}

// submit joins an in-flight delivery with the same key or starts a new one.
func (d *Dispatcher) submit(reg Registration, u Unit) {
	key := dedupeKey(reg.ID, u)
	d.flights.DoChan(key, func() (any, error) {
		j, err := d.newJob(reg, u, key)
		if err != nil {
			d.log.WithError(err).WithField("webhook_id", reg.ID).Error("Failed to render webhook body")
			return nil, err
		}
		d.enqueue(j)
		return nil, <-j.done
	})
}

func (d *Dispatcher) newJob(reg Registration, u Unit, key string) (*job, error) {
	provider := ProviderFor(reg)
	r := rendererFor(provider)
	j := &job{
		reg:        reg,
		provider:   provider,
		event:      u.Event,
		key:        key,
		deliveryID: uuid.NewString(),
		done:       make(chan error, 1),
	}
	body, err := r.Render(Delivery{ID: j.deliveryID, Unit: u})
	if err != nil {
		return nil, err
	}
	if d.opts.MaxBodySize > 0 && int64(len(body)) > d.opts.MaxBodySize {
		return nil, fmt.Errorf("body of %d bytes exceeds limit of %d", len(body), d.opts.MaxBodySize)
	}
	j.body = body
	if reg.Secret != "" && r.Signed() {
		j.signature = Sign(reg.Secret, body)
	}
	return j, nil
}

// enqueue adds j, evicting the oldest queued job when the queue is full.
func (d *Dispatcher) enqueue(j *job) {
	d.pushMu.Lock()
	defer d.pushMu.Unlock()
	if d.isClosed() {
		j.done <- errShutdown
		return
	}
	for {
		select {
		case d.queue <- j:
			d.setDepth()
			return
		default:
		}
		select {
		case old := <-d.queue:
			d.observe(old.provider, "overflow")
			if d.metrics != nil {
				d.metrics.WebhookOverflow.Inc()
			}
			d.overflowLog.Warnf("webhook queue full, dropped delivery %s to %s", old.deliveryID, old.reg.ID)
			d.registry.record(old.reg.ID, 0, errDropped, outcomeFailed)
			old.done <- errDropped
		default:
		}
	}
}

func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.queue:
			d.setDepth()
			d.deliver(j)
		}
	}
}

func (d *Dispatcher) deliver(j *job) {
	if err := d.limiter(j.reg.ID).Wait(d.ctx); err != nil {
		j.done <- errShutdown
		return
	}

	j.attempt++
	status, retryAfter, err := d.post(j)
	entry := d.log.WithFields(logging.Fields{
		"webhook_id":  j.reg.ID,
		"event":       j.event,
		"delivery_id": j.deliveryID,
		"attempt":     j.attempt,
		"status":      status,
	})

	switch {
	case err == nil && status >= 200 && status < 300:
		d.observe(j.provider, "delivered")
		d.registry.record(j.reg.ID, status, nil, outcomeDelivered)
		entry.Debug("Webhook delivered")
		j.done <- nil
		return

	case err == nil && status != http.StatusTooManyRequests && status < 500:
		err = fmt.Errorf("endpoint returned %d", status)
		d.observe(j.provider, "rejected")
		d.registry.record(j.reg.ID, status, err, outcomeFailed)
		entry.Warn("Webhook rejected, not retrying")
		j.done <- err
		return
	}

	if err == nil {
		err = fmt.Errorf("endpoint returned %d", status)
	}
	if j.attempt >= d.opts.MaxAttempts {
		d.observe(j.provider, "failed")
		d.registry.record(j.reg.ID, status, err, outcomeFailed)
		entry.WithError(err).Warn("Webhook failed, giving up")
		j.done <- err
		return
	}

	delay := d.opts.Backoff.Delay(j.attempt - 1)
	if retryAfter > 0 {
		delay = min(retryAfter, d.opts.MaxRetryAfter)
	}
	d.observe(j.provider, "retry")
	d.registry.record(j.reg.ID, status, err, outcomeRetry)
	entry.WithError(err).WithField("retry_in", delay.String()).Info("Webhook attempt failed, retrying")
	d.schedule(delay, func() { d.enqueue(j) })
}

// post performs one attempt. retryAfter is set from a 429 or 503 response.
func (d *Dispatcher) post(j *job) (status int, retryAfter time.Duration, err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.reg.URL, bytes.NewReader(j.body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pfcatalog-webhooks/1")
	req.Header.Set("X-Webhook-Event", string(j.event))
	req.Header.Set("X-Webhook-Delivery", j.deliveryID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(j.attempt))
	if j.signature != "" {
		req.Header.Set(SignatureHeader, j.signature)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if d.metrics != nil {
		d.metrics.WebhookLatency.WithLabelValues(j.provider).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra, ok := backoff.RetryAfter(resp.Header, d.now()); ok {
			retryAfter = ra
		}
	}
	return resp.StatusCode, retryAfter, nil
}

func (d *Dispatcher) limiter(id string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[id]
	if !ok {
		if d.opts.RatePerSecond > 0 {
			burst := d.opts.RateBurst
			if burst <= 0 {
				burst = 1
			}
			l = rate.NewLimiter(rate.Limit(d.opts.RatePerSecond), burst)
		} else {
			l = rate.NewLimiter(rate.Inf, 0)
		}
		d.limiters[id] = l
	}
	return l
}

// QueueDepth is the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

func (d *Dispatcher) setDepth() {
	if d.metrics != nil {
		d.metrics.WebhookQueueDepth.Set(float64(len(d.queue)))
	}
}

func (d *Dispatcher) observe(provider, outcome string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(provider, outcome).Inc()
	}
}
