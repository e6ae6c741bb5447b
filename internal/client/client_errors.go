package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/koltyakov/relayhub/internal/domain"
)

// APIError is a structured error returned by the registry API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}

// Is lets callers match the domain sentinels, e.g.
// errors.Is(err, domain.ErrNotFound).
func (e *APIError) Is(target error) bool {
	sentinel := domain.ErrorForCode(e.Code)
	return sentinel != nil && sentinel == target
}

// IsRetriable reports whether a failed call may succeed if repeated later.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
		// 4xx are auth or request-shape problems that repeating won't fix.
		return apiErr.StatusCode >= 500
	}
	return true
}

// ShortenError extracts the innermost meaningful message from nested
// network errors, e.g. "connection refused" instead of the full dial trace.
func ShortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

// IsTLSProvisioningError reports certificate failures typical of a server
// still obtaining its ACME certificate.
func IsTLSProvisioningError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return false
	}
	return strings.Contains(msg, "failed to verify certificate") ||
		strings.Contains(msg, "certificate is not standards compliant") ||
		strings.Contains(msg, "x509:")
}
