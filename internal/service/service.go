// Package service builds every component from config and owns their
// lifecycle.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/backoff"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/cache"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/config"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/hub"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/watcher"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/webhook"
)

// Watcher is the lifecycle view of a typed poller.
type Watcher interface {
	Name() string
	State() watcher.State
	Tracked() int
	Start(pub watcher.Publisher) bool
	Stop()
	Tick(ctx context.Context) error
}

type Service struct {
	cfg config.Config
	log logging.Logger

	metrics  *metrics.Metrics
	cache    *cache.Cache
	titles   playfab.StaticTitles
	creators playfab.Creators
	sessions *playfab.SessionManager
	executor *playfab.Executor
	catalog  *playfab.Catalog

	bus        *events.Bus
	hub        *hub.Hub
	store      *webhook.Store
	registry   *webhook.Registry
	dispatcher *webhook.Dispatcher
	watchers   []Watcher

	stats *statsCollector

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Options carries what cannot come from the config file.
type Options struct {
	Logger logging.Logger
	// HTTPClient is used for upstream calls. Nil builds a default one.
	HTTPClient *http.Client
}

func New(cfg config.Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	m := metrics.New()

	store, err := webhook.OpenStore(cfg.Webhooks.Store)
	if err != nil {
		return nil, fmt.Errorf("open webhook store %s: %w", cfg.Webhooks.Store, err)
	}
	registry, err := webhook.NewRegistry(store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load webhooks: %w", err)
	}

	pf := cfg.PlayFab
	c := cache.New(cfg.Cache.MaxEntries, m)
	tr := playfab.NewTransport(playfab.TransportOptions{
		BaseURL:     pf.BaseURL,
		Timeout:     pf.RequestTimeout.D(),
		MaxResponse: pf.MaxResponse.Int64(),
		Client:      opts.HTTPClient,
		Metrics:     m,
	})
	sessions := playfab.NewSessionManager(c, tr, playfab.SessionOptions{
		CustomID: pf.CustomID,
		SoftTTL:  pf.SessionSoftTTL.D(),
		Logger:   logger,
		Metrics:  m,
	})
	executor := playfab.NewExecutor(tr, sessions, playfab.ExecutorOptions{
		Retries:   pf.Retries,
		Backoff:   backoff.Policy{Base: pf.BackoffBase.D(), Max: pf.BackoffMax.D()},
		RateLimit: pf.RateLimit,
		RateBurst: pf.RateBurst,
		Breaker: playfab.BreakerOptions{
			Failures: pf.Breaker.Failures,
			Window:   pf.Breaker.Window,
			Delay:    pf.Breaker.Delay.D(),
		},
		Logger:  logger,
		Metrics: m,
	})

	wh := cfg.Webhooks
	s := &Service{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		cache:    c,
		titles:   playfab.StaticTitles(cfg.Titles),
		creators: playfab.Creators(cfg.Creators),
		sessions: sessions,
		executor: executor,
		catalog:  playfab.NewCatalog(executor),
		bus:      events.NewBus(logger, m),
		hub: hub.New(hub.Options{
			Heartbeat:    cfg.Hub.Heartbeat.D(),
			MinHeartbeat: cfg.Hub.MinHeartbeat.D(),
			SendBuffer:   cfg.Hub.SendBuffer,
			Logger:       logger,
			Metrics:      m,
		}),
		store:    store,
		registry: registry,
		dispatcher: webhook.NewDispatcher(registry, webhook.Options{
			Workers:       wh.Workers,
			QueueSize:     wh.QueueSize,
			MaxAttempts:   wh.MaxAttempts,
			Timeout:       wh.Timeout.D(),
			Backoff:       backoff.Policy{Base: wh.BackoffBase.D(), Max: wh.BackoffMax.D(), JitterFactor: 0.2},
			MaxRetryAfter: wh.MaxRetryAfter.D(),
			MaxBodySize:   wh.MaxBodySize.Int64(),
			RatePerSecond: wh.RatePerSec,
			RateBurst:     wh.RateBurst,
			Logger:        logger,
			Metrics:       m,
		}),
		stopCh: make(chan struct{}),
	}
	s.watchers = s.buildWatchers()
	if cfg.Logging.LogStatsEvery.D() > 0 {
		s.stats = newStatsCollector()
	}
	return s, nil
}

func watcherConfig(w config.Watcher) watcher.Config {
	return watcher.Config{
		Alias:    w.Alias,
		Filter:   w.Filter,
		PageSize: w.PageSize,
		Pages:    w.Pages,
		Window:   w.Window.D(),
		Top:      w.Top,
	}
}

func (s *Service) buildWatchers() []Watcher {
	opts := func(name string, w config.Watcher, stagger time.Duration) watcher.Options {
		return watcher.Options{
			Name:         name,
			Interval:     w.Interval.D(),
			InitialDelay: stagger,
			Logger:       s.log,
			Metrics:      s.metrics,
		}
	}
	ws := s.cfg.Watchers
	var out []Watcher
	// staggered so the first polls do not hit the upstream at once
	if ws.Items.Enabled {
		out = append(out, watcher.NewItems(s.catalog, s.titles, s.creators, watcherConfig(ws.Items), opts("items", ws.Items, 0)))
	}
	if ws.Prices.Enabled {
		out = append(out, watcher.NewPrices(s.catalog, s.titles, s.creators, watcherConfig(ws.Prices), opts("prices", ws.Prices, 5*time.Second)))
	}
	if ws.Sales.Enabled {
		out = append(out, watcher.NewSales(s.catalog, s.titles, watcherConfig(ws.Sales), opts("sales", ws.Sales, 10*time.Second)))
	}
	if ws.Trending.Enabled {
		out = append(out, watcher.NewTrending(s.catalog, s.titles, s.creators, watcherConfig(ws.Trending), opts("trending", ws.Trending, 15*time.Second)))
	}
	if ws.Featured.Enabled {
		out = append(out, watcher.NewFeatured(s.catalog, s.titles, watcherConfig(ws.Featured), opts("featured", ws.Featured, 20*time.Second)))
	}
	return out
}

// Start connects the bus consumers and launches watchers and background
// loops. It is safe to call more than once.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.hub.Attach(s.bus)
		s.dispatcher.Attach(s.bus)
		s.dispatcher.Start()
		for _, w := range s.watchers {
			w.Start(s.bus)
		}

		if every := s.cfg.Cache.DefaultTTL.D(); every > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sweepLoop(every)
			}()
		}
		if s.stats != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.statsLoop(s.cfg.Logging.LogStatsEvery.D())
			}()
		}

		names := make([]string, 0, len(s.watchers))
		for _, w := range s.watchers {
			names = append(names, w.Name())
		}
		s.log.WithFields(logging.Fields{
			"watchers": names,
			"webhooks": len(s.registry.List()),
			"titles":   s.titles.Aliases(),
		}).Info("Service started")
	})
}

// Close stops watchers first so nothing new is published, then closes the
// hub, drains the dispatcher and closes the store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		for _, w := range s.watchers {
			w.Stop()
		}
		s.hub.Close()
		s.dispatcher.Close()
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close webhook store")
		}
	})
}

// sweepLoop drops cache entries that expired more than StaleFor ago. Younger
// expired entries stay so search reads can still fall back to them.
func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if n := s.cache.PurgeOlderThan(s.cfg.Cache.StaleFor.D()); n > 0 {
				s.log.WithField("purged", n).Debug("Cache sweep")
			}
		}
	}
}

func (s *Service) Config() config.Config { return s.cfg }
func (s *Service) Logger() logging.Logger { return s.log }
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }
func (s *Service) Bus() *events.Bus { return s.bus }
func (s *Service) Hub() *hub.Hub { return s.hub }
func (s *Service) Registry() *webhook.Registry { return s.registry }
func (s *Service) Dispatcher() *webhook.Dispatcher { return s.dispatcher }
func (s *Service) Watchers() []Watcher { return s.watchers }
func (s *Service) Titles() playfab.TitleResolver { return s.titles }
func (s *Service) Sessions() *playfab.SessionManager { return s.sessions }
