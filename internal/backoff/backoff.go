// Package backoff computes retry delays shared by the upstream executor and
// the webhook dispatcher.
package backoff

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy is exponential backoff with additive jitter, capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// JitterFactor scales the random component relative to the computed
	// delay. Zero means 0.5.
	JitterFactor float64
}

// Delay returns the wait before retry number attempt (0 for the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.Max
	if maxDelay < base {
		maxDelay = base
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	jf := p.JitterFactor
	if jf <= 0 {
		jf = 0.5
	}
	d += rand.Float64() * d * jf
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// RetryAfter parses a Retry-After header given either as delay seconds or as
// an HTTP date. ok is false when the header is absent or unparseable.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d or until done is closed. It reports whether the full
// delay elapsed.
func Sleep(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
