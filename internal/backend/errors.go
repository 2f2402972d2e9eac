package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// APIError represents an error response from the backend
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
	Code       string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// ErrorKind separates failures worth retrying later from rejections
type ErrorKind int

const (
	// KindNone means no error
	KindNone ErrorKind = iota
	// KindConnectivity covers an unreachable backend: transport failures,
	// timeouts, and gateway or throttling responses.
	KindConnectivity
	// KindApplication is an explicit rejection by the backend
	KindApplication
	// KindUnknown is anything else; callers surface it like an application error
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnectivity:
		return "connectivity"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// connectivityStatuses mean the request never reached a healthy function
var connectivityStatuses = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Classify decides whether err means the backend could not be reached
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if connectivityStatuses[apiErr.StatusCode] {
			return KindConnectivity
		}
		return KindApplication
	}

	// A caller giving up is not evidence about the backend
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnectivity
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectivity
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectivity
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindConnectivity
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}

	return KindUnknown
}

// IsConnectivity reports whether err is a connectivity failure
func IsConnectivity(err error) bool {
	return Classify(err) == KindConnectivity
}

// Category labels an error for sync logs: network, auth, server, client or unknown
func Category(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return "auth"
		case connectivityStatuses[apiErr.StatusCode]:
			return "network"
		case apiErr.StatusCode >= 500:
			return "server"
		default:
			return "client"
		}
	}

	if Classify(err) == KindConnectivity {
		return "network"
	}
	return "unknown"
}
