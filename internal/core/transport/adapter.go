package transport

import (
	"errors"
	"net/http"

	"pkt.systems/activityd/internal/core"
)

// HTTPError converts a core.Failure into an HTTP-aware error struct.
// Handlers can wrap this in their own response writers.
type HTTPError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

// ToHTTP maps a core error into HTTP-friendly fields.
func ToHTTP(err error) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &HTTPError{
		Status:     status,
		Code:       failure.Code,
		Detail:     failure.Detail,
		RetryAfter: failure.RetryAfter,
	}, true
}

// Message renders the failure the way non-HTTP transports report it.
func Message(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}
