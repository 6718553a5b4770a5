package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrQueueInvalid is reported when the upstream no longer knows an event
	// queue (BAD_EVENT_QUEUE_ID). The queue has to be registered again.
	ErrQueueInvalid = errors.New("upstream event queue is invalid")
	// ErrUpstreamUnauthorized means the stored upstream credential was rejected.
	ErrUpstreamUnauthorized = errors.New("upstream rejected credentials")
	// ErrCircuitOpen is returned without contacting the upstream while the
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("upstream circuit open")
)

const codeBadEventQueueID = "BAD_EVENT_QUEUE_ID"

// UpstreamError is a non-2xx upstream reply.
type UpstreamError struct {
	Status int
	Code   string
	Msg    string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Msg)
}

// Unwrap maps well known replies onto the package sentinels.
func (e *UpstreamError) Unwrap() error {
	switch {
	case e.Code == codeBadEventQueueID:
		return ErrQueueInvalid
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrUpstreamUnauthorized
	default:
		return nil
	}
}

// Transient reports whether repeating the request may succeed.
func (e *UpstreamError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// IsTransient reports whether err is worth retrying later: network failures,
// an open breaker, 5xx, 408 and 429 replies. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient()
	}
	var te *transportError
	return errors.As(err, &te)
}

// transportError wraps failures below HTTP (dial, TLS, reset, timeout).
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "upstream transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
