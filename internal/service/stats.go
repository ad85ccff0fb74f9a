package service

import (
	"bufio"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/config"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
)

// statsCollector tracks sizes of read responses served from the cache path.
type statsCollector struct {
	total    atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.total.Add(1)
	s.bytes.Add(v)

	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.total.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		MinBytes:  minv,
		AvgBytes:  s.bytes.Load() / count,
		MaxBytes:  s.maxBytes.Load(),
	}
}

// ObserveResponse records the size of a read response. It is a no-op unless
// periodic stats logging is enabled.
func (s *Service) ObserveResponse(n int) {
	if s.stats != nil {
		s.stats.Observe(n)
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := logging.Fields{
		"cache_entries": s.cache.Len(),
		"hub_clients":   s.hub.Count(),
		"webhook_queue": s.dispatcher.QueueDepth(),
		"responses":     ss.Responses,
		"resp_min":      config.FormatBytes(ss.MinBytes),
		"resp_avg":      config.FormatBytes(ss.AvgBytes),
		"resp_max":      config.FormatBytes(ss.MaxBytes),
		"watchers":      s.watcherSummary(),
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = config.FormatBytes(rss)
	}
	if vals, ok := processSmapsRollupBytes(); ok {
		fields["smaps"] = formatSmapsRollup(vals)
	}
	s.log.WithFields(fields).Info("Stats")
}

func (s *Service) watcherSummary() string {
	parts := make([]string, 0, len(s.watchers))
	for _, w := range s.watchers {
		parts = append(parts, w.Name()+"="+w.State().String()+"/"+strconv.Itoa(w.Tracked()))
	}
	return strings.Join(parts, " ")
}

func parseSmapsRollup(r io.Reader) (map[string]uint64, bool) {
	sc := bufio.NewScanner(r)
	vals := map[string]uint64{}
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		// values are in kB
		vals[strings.TrimSpace(key)] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

// formatSmapsRollup keeps the fields that split RSS by backing.
func formatSmapsRollup(vals map[string]uint64) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		switch k {
		case "Rss", "Anonymous", "Shared_Clean", "Private_Dirty", "Swap":
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(k + "=" + config.FormatBytes(vals[k]))
	}
	return b.String()
}

// WatcherStatus is the health view of one watcher.
type WatcherStatus struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Tracked int    `json:"tracked"`
}

type Health struct {
	Status       string          `json:"status"`
	BreakerOpen  bool            `json:"breakerOpen"`
	CacheEntries int             `json:"cacheEntries"`
	HubClients   int             `json:"hubClients"`
	Webhooks     int             `json:"webhooks"`
	WebhookQueue int             `json:"webhookQueue"`
	Watchers     []WatcherStatus `json:"watchers"`
}

// Health reports "degraded" while the upstream breaker is open.
func (s *Service) Health() Health {
	h := Health{
		Status:       "ok",
		BreakerOpen:  s.executor.BreakerOpen(),
		CacheEntries: s.cache.Len(),
		HubClients:   s.hub.Count(),
		Webhooks:     len(s.registry.List()),
		WebhookQueue: s.dispatcher.QueueDepth(),
		Watchers:     make([]WatcherStatus, 0, len(s.watchers)),
	}
	if h.BreakerOpen {
		h.Status = "degraded"
	}
	for _, w := range s.watchers {
		h.Watchers = append(h.Watchers, WatcherStatus{Name: w.Name(), State: w.State().String(), Tracked: w.Tracked()})
	}
	return h
}
