package upstream

import (
	"errors"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected Class
	}{
		{http.StatusOK, ""},
		{http.StatusNotModified, ""},
		{http.StatusBadRequest, ClassClient},
		{http.StatusNotFound, ClassClient},
		{http.StatusTooManyRequests, ClassClient},
		{http.StatusInternalServerError, ClassServer},
		{http.StatusGatewayTimeout, ClassServer},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.expected {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "status error",
			err:      statusError(http.StatusNotFound, "no such taxon"),
			expected: "upstream client error (status 404): no such taxon",
		},
		{
			name:     "status error without body",
			err:      statusError(http.StatusBadGateway, ""),
			expected: "upstream server error (status 502): Bad Gateway",
		},
		{
			name:     "network error with cause",
			err:      &Error{Class: ClassNetwork, Message: "request failed", Err: errors.New("connection refused")},
			expected: "upstream network error: request failed: connection refused",
		},
		{
			name:     "network error without cause",
			err:      &Error{Class: ClassNetwork, Message: "request failed"},
			expected: "upstream network error: request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &Error{Class: ClassNetwork, Message: "request failed", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var ue *Error
	if !errors.As(error(err), &ue) {
		t.Fatal("errors.As should match *Error")
	}
	if ue.Class != ClassNetwork {
		t.Errorf("Class = %q, want %q", ue.Class, ClassNetwork)
	}
}

func TestIsTransport(t *testing.T) {
	if !IsTransport(&Error{Class: ClassNetwork}) {
		t.Error("network error should be a transport error")
	}
	if IsTransport(statusError(http.StatusInternalServerError, "")) {
		t.Error("status error should not be a transport error")
	}
	if IsTransport(errors.New("plain")) {
		t.Error("plain error should not be a transport error")
	}
}
