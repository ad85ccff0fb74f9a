package logging

import (
	"sync"
	"time"
)

// RateLimited forwards at most one warning per interval to the wrapped entry
// and counts the ones it swallowed in between.
type RateLimited struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
	log        Entry
}

func NewRateLimited(log Entry, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, interval: interval}
}

func (l *RateLimited) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	entry := l.log
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Warnf(format, args...)
}
