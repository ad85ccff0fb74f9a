package playfab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/backoff"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

// AuthKind selects which credential header a request carries.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthSession
	AuthEntity
)

const (
	headerSessionTicket = "X-Authorization"
	headerEntityToken   = "X-EntityToken"
)

// Sessions is what the executor needs from a session manager.
type Sessions interface {
	GetSession(ctx context.Context, titleID string) (Session, error)
	Invalidate(titleID string)
}

// Executor is the only path from watchers and read handlers to PlayFab. It
// attaches credentials, retries transient failures and guards the upstream
// with a rate limiter and a circuit breaker.
type Executor struct {
	tr       *Transport
	sessions Sessions
	policy   backoff.Policy
	retries  int
	limiter  *rate.Limiter
	breaker  circuitbreaker.CircuitBreaker[any]
	log      logging.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type BreakerOptions struct {
	// Failures out of Window attempts open the breaker. Zero Failures
	// disables it.
	Failures uint
	Window   uint
	Delay    time.Duration
}

type ExecutorOptions struct {
	Retries   int
	Backoff   backoff.Policy
	RateLimit float64 // requests per second, 0 = unlimited
	RateBurst int
	Breaker   BreakerOptions
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

func NewExecutor(tr *Transport, sessions Sessions, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Executor{
		tr:       tr,
		sessions: sessions,
		policy:   opts.Backoff,
		retries:  opts.Retries,
		log:      logging.Component(logger, "executor"),
		metrics:  opts.Metrics,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if e.retries < 0 {
		e.retries = 0
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.Breaker.Failures > 0 {
		e.breaker = e.newBreaker(opts.Breaker)
	}
	return e
}

func (e *Executor) newBreaker(o BreakerOptions) circuitbreaker.CircuitBreaker[any] {
	window := o.Window
	if window < o.Failures {
		window = o.Failures
	}
	delay := o.Delay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	e.setBreakerGauge(circuitbreaker.ClosedState)
	return circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(o.Failures, window).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			e.setBreakerGauge(event.NewState)
			e.log.WithFields(logging.Fields{
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("Upstream circuit breaker state change")
		}).
		Build()
}

func (e *Executor) setBreakerGauge(s circuitbreaker.State) {
	if e.metrics == nil {
		return
	}
	v := 0.0
	switch s {
	case circuitbreaker.HalfOpenState:
		v = 1
	case circuitbreaker.OpenState:
		v = 2
	}
	e.metrics.BreakerState.WithLabelValues("playfab").Set(v)
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// attemptFailure marks an attempt outcome the breaker should count.
type attemptFailure struct {
	resp response
	err  error
}

func (f *attemptFailure) Error() string {
	if f.err != nil {
		return f.err.Error()
	}
	return "status " + strconv.Itoa(f.resp.Status)
}

// Request POSTs payload to endpoint for titleID and returns the unwrapped
// data member of the PlayFab envelope. retries < 0 uses the configured
// budget; a budget of n allows n+1 attempts.
func (e *Executor) Request(ctx context.Context, titleID, endpoint string, payload any, auth AuthKind, retries int) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", endpoint, err)
	}
	if payload == nil {
		body = []byte("{}")
	}
	if retries < 0 {
		retries = e.retries
	}

	var lastStatus int
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		headers, err := e.credentials(ctx, titleID, auth)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) && ae.Transient() && attempt < retries {
				lastErr = err
				e.retried("auth")
				if err := e.sleep(ctx, e.policy.Delay(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		resp, err := e.attempt(ctx, titleID, endpoint, body, headers)
		if err != nil {
			var af *attemptFailure
			if !errors.As(err, &af) {
				return nil, &UpstreamError{Endpoint: endpoint, Status: http.StatusServiceUnavailable, Message: "circuit breaker open", Err: err}
			}
			if af.err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastStatus, lastErr = 0, af.err
				e.retried("transport")
				if attempt < retries {
					if err := e.sleep(ctx, e.policy.Delay(attempt)); err != nil {
						return nil, err
					}
				}
				continue
			}
			resp = af.resp
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			data, ue := decodeEnvelope(endpoint, resp)
			if ue != nil {
				return nil, ue
			}
			return data, nil

		case resp.Status == http.StatusUnauthorized:
			e.sessions.Invalidate(titleID)
			_, ue := decodeEnvelope(endpoint, resp)
			lastStatus, lastErr = resp.Status, ue
			e.retried("unauthorized")
			e.log.WithFields(logging.Fields{"title_id": titleID, "endpoint": endpoint}).Debug("Session rejected, re-authenticating")
			continue

		case isRetryableStatus(resp.Status):
			_, ue := decodeEnvelope(endpoint, resp)
			lastStatus, lastErr = resp.Status, ue
			e.retried(strconv.Itoa(resp.Status))
			if attempt >= retries {
				continue
			}
			delay := e.policy.Delay(attempt)
			if resp.Status == http.StatusTooManyRequests {
				if ra, ok := backoff.RetryAfter(resp.Header, e.now()); ok {
					delay = ra
				}
			}
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			_, ue := decodeEnvelope(endpoint, resp)
			return nil, ue
		}
	}

	ue := &UpstreamError{Endpoint: endpoint, Status: lastStatus, Exhausted: true, Err: lastErr}
	var prev *UpstreamError
	if errors.As(lastErr, &prev) {
		ue.Code, ue.Message = prev.Code, prev.Message
	}
	return nil, ue
}

// attempt performs one POST through the breaker. Transport errors, 5xx and
// 429 count as breaker failures and come back as *attemptFailure.
func (e *Executor) attempt(ctx context.Context, titleID, endpoint string, body []byte, headers map[string]string) (response, error) {
	call := func() (any, error) {
		resp, err := e.tr.post(ctx, titleID, endpoint, body, headers)
		if err != nil {
			return nil, &attemptFailure{err: err}
		}
		if resp.Status >= 500 || resp.Status == http.StatusTooManyRequests {
			return nil, &attemptFailure{resp: resp}
		}
		return resp, nil
	}
	if e.breaker == nil {
		v, err := call()
		if err != nil {
			return response{}, err
		}
		return v.(response), nil
	}
	v, err := failsafe.With(e.breaker).Get(call)
	if err != nil {
		return response{}, err
	}
	return v.(response), nil
}

func (e *Executor) credentials(ctx context.Context, titleID string, auth AuthKind) (map[string]string, error) {
	if auth == AuthNone {
		return nil, nil
	}
	s, err := e.sessions.GetSession(ctx, titleID)
	if err != nil {
		return nil, err
	}
	if auth == AuthSession {
		return map[string]string{headerSessionTicket: s.SessionTicket}, nil
	}
	return map[string]string{headerEntityToken: s.EntityToken}, nil
}

// BreakerOpen reports whether upstream calls are currently short-circuited.
func (e *Executor) BreakerOpen() bool {
	return e.breaker != nil && e.breaker.IsOpen()
}

func (e *Executor) retried(reason string) {
	if e.metrics != nil {
		e.metrics.UpstreamRetries.WithLabelValues(reason).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
