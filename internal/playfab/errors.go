package playfab

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError reports a failed login or entity token exchange.
type AuthError struct {
	TitleID string
	Step    string // "login" or "entity_token"
	Status  int    // 0 for transport failures
	Err     error
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("playfab auth %s for title %s: status %d: %v", e.Step, e.TitleID, e.Status, e.Err)
	}
	return fmt.Sprintf("playfab auth %s for title %s: %v", e.Step, e.TitleID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Transient reports whether retrying the login later could succeed.
func (e *AuthError) Transient() bool {
	return e.Status == 0 || isRetryableStatus(e.Status)
}

// UpstreamError is a non-retryable or retry-exhausted PlayFab failure.
type UpstreamError struct {
	Endpoint  string
	Status    int // 0 when no response was received
	Code      string
	Message   string
	Exhausted bool
	Err       error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := "playfab"
	if e.Exhausted {
		prefix = "playfab (retries exhausted)"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d %s: %s", prefix, e.Endpoint, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: status %d: %s", prefix, e.Endpoint, e.Status, msg)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsStatus reports whether err is an UpstreamError carrying status.
func IsStatus(err error, status int) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == status
}

// IsNotFound reports whether err means the upstream entity does not exist.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Status == http.StatusNotFound || ue.Code == "ItemNotFound" || ue.Code == "CatalogItemNotFound"
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusConflict,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
