package playfab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/cache"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

const (
	loginEndpoint       = "Client/LoginWithCustomID"
	entityTokenEndpoint = "Authentication/GetEntityToken"

	// renewal starts this long before the entity token really expires
	expirySafetyMargin = 5 * time.Minute
	minSessionTTL      = 30 * time.Second
)

// Session is a logged-in identity for one title.
type Session struct {
	TitleID       string
	PlayFabID     string
	SessionTicket string
	EntityToken   string
	EntityID      string
	EntityType    string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

type entityTokenData struct {
	EntityToken     string    `json:"EntityToken"`
	TokenExpiration time.Time `json:"TokenExpiration"`
	Entity          struct {
		ID   string `json:"Id"`
		Type string `json:"Type"`
	} `json:"Entity"`
}

type loginData struct {
	SessionTicket string `json:"SessionTicket"`
	PlayFabID     string `json:"PlayFabId"`
}

// SessionManager keeps one session per title in the shared cache and
// renews it under a soft TTL shorter than the token's real lifetime.
type SessionManager struct {
	cache    *cache.Cache
	tr       *Transport
	customID string
	softTTL  time.Duration
	log      logging.Entry
	metrics  *metrics.Metrics
	now      func() time.Time

	// mu serializes refreshes across all titles; readers of a cached
	// session never take it.
	mu sync.Mutex
}

type SessionOptions struct {
	// CustomID is the device-style identity used to log in. Empty means a
	// random id generated once for this process.
	CustomID string
	SoftTTL  time.Duration
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

func NewSessionManager(c *cache.Cache, tr *Transport, opts SessionOptions) *SessionManager {
	customID := opts.CustomID
	if customID == "" {
		customID = "pfcatalog-" + uuid.NewString()
	}
	if opts.SoftTTL <= 0 {
		opts.SoftTTL = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SessionManager{
		cache:    c,
		tr:       tr,
		customID: customID,
		softTTL:  opts.SoftTTL,
		log:      logging.Component(logger, "session"),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

func sessionKey(titleID string) string { return "session:" + titleID }

// GetSession returns a valid session for titleID, logging in if needed.
// Concurrent callers without a cached session wait for a single refresh.
func (m *SessionManager) GetSession(ctx context.Context, titleID string) (Session, error) {
	if s, ok := m.cached(titleID); ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cached(titleID); ok {
		return s, nil
	}

	s, err := m.refresh(ctx, titleID)
	if err != nil {
		m.observe("error")
		m.log.WithError(err).WithField("title_id", titleID).Warn("Session refresh failed")
		return Session{}, err
	}
	m.observe("ok")
	m.cache.Set(sessionKey(titleID), s, m.ttlFor(s))
	m.log.WithFields(logging.Fields{
		"title_id":   titleID,
		"expires_at": s.ExpiresAt,
	}).Debug("Session refreshed")
	return s, nil
}

// Invalidate forces the next GetSession for titleID to log in again.
func (m *SessionManager) Invalidate(titleID string) {
	m.cache.Delete(sessionKey(titleID))
}

func (m *SessionManager) cached(titleID string) (Session, bool) {
	v, ok := m.cache.Get(sessionKey(titleID))
	if !ok {
		return Session{}, false
	}
	s, ok := v.(Session)
	return s, ok
}

func (m *SessionManager) ttlFor(s Session) time.Duration {
	ttl := m.softTTL
	if !s.ExpiresAt.IsZero() {
		if real := s.ExpiresAt.Sub(m.now()) - expirySafetyMargin; real < ttl {
			ttl = real
		}
	}
	if ttl < minSessionTTL {
		ttl = minSessionTTL
	}
	return ttl
}

func (m *SessionManager) refresh(ctx context.Context, titleID string) (Session, error) {
	login, err := m.login(ctx, titleID)
	if err != nil {
		return Session{}, err
	}
	tok, err := m.entityToken(ctx, titleID, login.SessionTicket)
	if err != nil {
		return Session{}, err
	}
	return Session{
		TitleID:       titleID,
		PlayFabID:     login.PlayFabID,
		SessionTicket: login.SessionTicket,
		EntityToken:   tok.EntityToken,
		EntityID:      tok.Entity.ID,
		EntityType:    tok.Entity.Type,
		ExpiresAt:     tok.TokenExpiration,
		CreatedAt:     m.now(),
	}, nil
}

func (m *SessionManager) login(ctx context.Context, titleID string) (loginData, error) {
	body, _ := json.Marshal(map[string]any{
		"TitleId":       titleID,
		"CustomId":      m.customID,
		"CreateAccount": true,
	})
	var out loginData
	if err := m.call(ctx, titleID, "login", loginEndpoint, body, nil, &out); err != nil {
		return loginData{}, err
	}
	if out.SessionTicket == "" {
		return loginData{}, &AuthError{TitleID: titleID, Step: "login", Err: errors.New("empty session ticket")}
	}
	return out, nil
}

func (m *SessionManager) entityToken(ctx context.Context, titleID, ticket string) (entityTokenData, error) {
	var out entityTokenData
	headers := map[string]string{headerSessionTicket: ticket}
	if err := m.call(ctx, titleID, "entity_token", entityTokenEndpoint, []byte("{}"), headers, &out); err != nil {
		return entityTokenData{}, err
	}
	if out.EntityToken == "" {
		return entityTokenData{}, &AuthError{TitleID: titleID, Step: "entity_token", Err: errors.New("empty entity token")}
	}
	return out, nil
}

func (m *SessionManager) call(ctx context.Context, titleID, step, endpoint string, body []byte, headers map[string]string, out any) error {
	resp, err := m.tr.post(ctx, titleID, endpoint, body, headers)
	if err != nil {
		return &AuthError{TitleID: titleID, Step: step, Err: err}
	}
	data, ue := decodeEnvelope(endpoint, resp)
	if ue != nil {
		return &AuthError{TitleID: titleID, Step: step, Status: ue.Status, Err: ue}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &AuthError{TitleID: titleID, Step: step, Status: resp.Status, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (m *SessionManager) observe(result string) {
	if m.metrics != nil {
		m.metrics.SessionRefreshes.WithLabelValues(result).Inc()
	}
}
