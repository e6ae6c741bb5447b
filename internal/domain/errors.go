package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the registry's closed set of failure kinds. Callers
// should use [errors.Is] to match these.
var (
	// ErrAlreadyRegistered means the caller identity already owns a record.
	ErrAlreadyRegistered = errors.New("server already registered")

	// ErrNotFound means the targeted identity or server name has no record.
	ErrNotFound = errors.New("server not found")

	// ErrStoreUnavailable means the persisted snapshot could not be loaded
	// or saved. The registry never falls back to an empty state.
	ErrStoreUnavailable = errors.New("registry store unavailable")

	// ErrInvalidArgument is returned for malformed administrative input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error codes carried in JSON error bodies.
const (
	CodeAlreadyRegistered = "already_registered"
	CodeNotFound          = "not_found"
	CodeStoreUnavailable  = "store_unavailable"
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// RegistryError wraps a registry failure with the operation and target.
type RegistryError struct {
	Op       string
	Identity Identity
	Name     string
	Err      error
}

func (e *RegistryError) Error() string {
	switch {
	case e.Identity != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Identity, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// ErrorCode maps err to its wire code. Unknown errors map to [CodeInternal].
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRegistered):
		return CodeAlreadyRegistered
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidRequest
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}

// ErrorForCode is the inverse of [ErrorCode] for the sentinel-backed codes.
// It returns nil for codes without a sentinel.
func ErrorForCode(code string) error {
	switch code {
	case CodeAlreadyRegistered:
		return ErrAlreadyRegistered
	case CodeNotFound:
		return ErrNotFound
	case CodeStoreUnavailable:
		return ErrStoreUnavailable
	case CodeInvalidRequest:
		return ErrInvalidArgument
	case CodeUnauthorized:
		return ErrUnauthorized
	default:
		return nil
	}
}
