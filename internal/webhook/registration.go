// Package webhook fans bus events out to registered HTTP endpoints.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
)

// Wildcard subscribes a registration to every event.
const Wildcard = "*"

// Registration is one subscribed endpoint. Its ID is derived from the
// defining fields, so registering the same endpoint twice is a no-op.
type Registration struct {
	ID        string
	URL       string
	Event     string
	Secret    string
	Provider  string
	Creators  []string
	CreatedAt time.Time
	Stats     Stats
}

// Stats is delivery bookkeeping. It is best-effort and never affects
// whether a delivery is attempted.
type Stats struct {
	LastStatus          int       `json:"lastStatus,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	LastAttemptAt       time.Time `json:"lastAttemptAt,omitzero"`
	LastSuccessAt       time.Time `json:"lastSuccessAt,omitzero"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalDelivered      int64     `json:"totalDelivered"`
	TotalFailed         int64     `json:"totalFailed"`
}

// Normalize trims and lower-cases the defining fields, validates them and
// fills in the ID.
func (r *Registration) Normalize() error {
	r.URL = strings.TrimSpace(r.URL)
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", r.URL)
	}

	r.Event = strings.ToLower(strings.TrimSpace(r.Event))
	if r.Event == "" {
		r.Event = Wildcard
	}
	if r.Event != Wildcard {
		if _, ok := events.Parse(r.Event); !ok {
			return fmt.Errorf("unknown event %q", r.Event)
		}
	}

	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	if r.Provider != "" {
		if _, ok := renderers[r.Provider]; !ok {
			return fmt.Errorf("unknown provider %q", r.Provider)
		}
	}

	seen := map[string]struct{}{}
	creators := make([]string, 0, len(r.Creators))
	for _, c := range r.Creators {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		creators = append(creators, c)
	}
	sort.Strings(creators)
	r.Creators = creators

	r.ID = registrationID(r.URL, r.Event, r.Secret, r.Provider, r.Creators)
	return nil
}

func registrationID(u, event, secret, provider string, creators []string) string {
	h := sha256.New()
	for _, part := range []string{u, event, secret, provider, strings.Join(creators, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Matches reports whether the registration wants unit.
func (r Registration) Matches(u Unit) bool {
	if r.Event != Wildcard && r.Event != string(u.Event) {
		return false
	}
	if len(r.Creators) == 0 {
		return true
	}
	for _, c := range u.Creators {
		lc := strings.ToLower(c)
		for _, want := range r.Creators {
			if lc == want {
				return true
			}
		}
	}
	return false
}

var ErrNotFound = errors.New("webhook: registration not found")
