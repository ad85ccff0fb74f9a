package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pfcatalog"

// Metrics holds every collector the service exports. Each instance owns its
// own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Cache
	CacheLookups   *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge

	// Upstream
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamRetries  *prometheus.CounterVec
	SessionRefreshes *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// Watchers and bus
	WatcherTicks    *prometheus.CounterVec
	WatcherEntities *prometheus.GaugeVec
	EventsPublished *prometheus.CounterVec

	// Hub
	HubClients prometheus.Gauge
	HubFrames  *prometheus.CounterVec
	HubDropped prometheus.Counter

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    *prometheus.HistogramVec
	WebhookQueueDepth prometheus.Gauge
	WebhookOverflow   prometheus.Counter

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_lookups_total",
		Help: "Cache lookups by result (hit, miss, coalesced, stale).",
	}, []string{"result"})
	m.CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "cache_evictions_total",
		Help: "Cache evictions by reason (expired, capacity).",
	}, []string{"reason"})
	m.CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "cache_entries",
		Help: "Entries currently held by the cache.",
	})

	m.UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "upstream_requests_total",
		Help: "PlayFab requests by endpoint and HTTP status (0 for transport errors).",
	}, []string{"endpoint", "status"})
	m.UpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "upstream_request_duration_seconds",
		Help:    "PlayFab request latency per attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	m.UpstreamRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "upstream_retries_total",
		Help: "Retried PlayFab attempts by reason.",
	}, []string{"reason"})
	m.SessionRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "session_refreshes_total",
		Help: "Login plus token exchange sequences by result.",
	}, []string{"result"})
	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "upstream_breaker_state",
		Help: "Upstream circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	m.WatcherTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "watcher_ticks_total",
		Help: "Watcher poll cycles by watcher and result (bootstrap, changed, unchanged, error).",
	}, []string{"watcher", "result"})
	m.WatcherEntities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "watcher_tracked_entities",
		Help: "Entities in the current watcher snapshot.",
	}, []string{"watcher"})
	m.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_published_total",
		Help: "Events emitted on the bus by name.",
	}, []string{"event"})

	m.HubClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "hub_clients",
		Help: "Connected push clients.",
	})
	m.HubFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "hub_frames_total",
		Help: "Frames queued to push clients by event.",
	}, []string{"event"})
	m.HubDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "hub_clients_dropped_total",
		Help: "Push clients removed after a failed or blocked write.",
	})

	m.WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "webhook_deliveries_total",
		Help: "Webhook delivery attempts by provider and outcome (delivered, retry, dropped, failed).",
	}, []string{"provider", "outcome"})
	m.WebhookLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "webhook_attempt_duration_seconds",
		Help:    "Webhook POST latency per attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	m.WebhookQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "webhook_queue_depth",
		Help: "Jobs waiting in the webhook queue.",
	})
	m.WebhookOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "webhook_queue_overflow_total",
		Help: "Jobs dropped because the webhook queue was full.",
	})

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "HTTP requests served.",
	}, []string{"method", "endpoint", "status"})
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CacheLookups, m.CacheEvictions, m.CacheEntries,
		m.UpstreamRequests, m.UpstreamLatency, m.UpstreamRetries, m.SessionRefreshes, m.BreakerState,
		m.WatcherTicks, m.WatcherEntities, m.EventsPublished,
		m.HubClients, m.HubFrames, m.HubDropped,
		m.WebhookDeliveries, m.WebhookLatency, m.WebhookQueueDepth, m.WebhookOverflow,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
