package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Class represents a classification of upstream failures.
type Class string

const (
	// ClassClient represents 4xx responses.
	ClassClient Class = "client"

	// ClassServer represents 5xx responses.
	ClassServer Class = "server"

	// ClassNetwork represents transport failures: DNS, connect, TLS, timeouts, truncated bodies.
	ClassNetwork Class = "network"
)

// ErrBodyTooLarge is returned when the upstream body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("upstream response body too large")

// Error is a failed upstream exchange.
type Error struct {
	StatusCode int
	Class      Class
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Class == ClassNetwork {
		if e.Err != nil {
			return fmt.Sprintf("upstream %s error: %s: %v", e.Class, e.Message, e.Err)
		}
		return fmt.Sprintf("upstream %s error: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s", e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps a non-success status code to a Class.
// Returns "" for 2xx and 3xx codes.
func ClassifyStatus(status int) Class {
	switch {
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500:
		return ClassServer
	default:
		return ""
	}
}

// IsTransport reports whether err is a network-level failure, i.e. the
// upstream was never reached or the exchange broke off.
func IsTransport(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Class == ClassNetwork
}

func statusError(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		StatusCode: status,
		Class:      ClassifyStatus(status),
		Message:    message,
	}
}
