package backoff

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		floor := 100 * time.Millisecond << attempt
		if floor > time.Second {
			floor = time.Second
		}
		assert.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Second, "attempt %d", attempt)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
		ok    bool
	}{
		{name: "seconds", value: "2", want: 2 * time.Second, ok: true},
		{name: "fractional", value: "0.5", want: 500 * time.Millisecond, ok: true},
		{name: "http date", value: now.Add(30 * time.Second).Format(http.TimeFormat), want: 30 * time.Second, ok: true},
		{name: "past date clamps", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, ok: true},
		{name: "absent", value: "", ok: false},
		{name: "garbage", value: "soon", ok: false},
		{name: "negative", value: "-3", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.value != "" {
				h.Set("Retry-After", tc.value)
			}
			got, ok := RetryAfter(h, now)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
