package model

import "errors"

// Sentinel errors adapters use to classify provider failures. The
// orchestrator retries transient failures with backoff and fails permanently
// otherwise.
var (
	// ErrRateLimited marks provider throttling (HTTP 429 and overload
	// responses). Transient.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrUnavailable marks connectivity failures and 5xx responses.
	// Transient.
	ErrUnavailable = errors.New("model: provider unavailable")

	// ErrBadRequest marks requests the provider rejected as malformed.
	// Permanent; retrying the same payload cannot succeed.
	ErrBadRequest = errors.New("model: bad request")
)

// IsTransient reports whether the error is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
