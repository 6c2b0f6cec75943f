package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind enumerates the failure outcomes of Handle.
type Kind string

const (
	// KindUpstream means the upstream answered with a non-success status.
	KindUpstream Kind = "upstream_error"

	// KindTransport means the upstream could not be reached.
	KindTransport Kind = "transport_error"

	// KindRateLimitExceeded means every slot acquisition attempt failed.
	// The upstream was not contacted.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"

	// KindRateLimitTimeout means the caller gave up while waiting for a slot.
	KindRateLimitTimeout Kind = "rate_limit_timeout"

	// KindTimeout means the caller gave up after a slot was granted, while
	// the upstream call was still running.
	KindTimeout Kind = "timeout"

	// KindBadRequest means the inbound request could not be normalized.
	KindBadRequest Kind = "bad_request"

	// KindUnavailable means a backing store failed.
	KindUnavailable Kind = "unavailable"
)

// Status returns the HTTP status used when the kind is written to a client.
func (k Kind) Status() int {
	switch k {
	case KindUpstream, KindTransport:
		return http.StatusBadGateway
	case KindRateLimitExceeded, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindRateLimitTimeout, KindTimeout:
		return http.StatusGatewayTimeout
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single failure type returned by Handle.
//
// Message is safe to show to clients. Err carries the internal cause for
// logging and errors.Is/As and is never serialized.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	RetryAfter     time.Duration
	Err            error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	return e.Kind.Status()
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Kind           Kind   `json:"kind"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// WriteError writes err as a JSON error envelope. Errors that are not
// *Error are reported as unavailable without their text.
func WriteError(w http.ResponseWriter, err error) {
	var re *Error
	if !errors.As(err, &re) {
		re = newError(KindUnavailable, "service unavailable", err)
	}

	if re.RetryAfter > 0 {
		secs := int((re.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(re.Status())

	json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Kind:           re.Kind,
		Message:        re.Message,
		UpstreamStatus: re.UpstreamStatus,
	}})
}
