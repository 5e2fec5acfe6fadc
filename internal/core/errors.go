package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP, gRPC, or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

const (
	CodeDuplicateMaster     = "duplicate_master"
	CodeIncompatibleState   = "incompatible_state"
	CodeBusy                = "busy"
	CodeNotMaster           = "not_master"
	CodeUnknownClient       = "unknown_client"
	CodeRequestNotSupported = "request_not_supported"
	CodeInvalidRole         = "invalid_role"
	CodeInvalidScope        = "invalid_scope"
	CodeInvalidVerdict      = "invalid_verdict"
	CodeClosed              = "closed"
)

// IsCode reports whether err carries a Failure with the supplied code.
func IsCode(err error, code string) bool {
	var failure Failure
	if !errors.As(err, &failure) {
		return false
	}
	return failure.Code == code
}

func duplicateMaster(existing ClientID) error {
	return Failure{
		Code:       CodeDuplicateMaster,
		Detail:     fmt.Sprintf("master %s already connected", existing),
		HTTPStatus: http.StatusConflict,
	}
}

func incompatibleState(scope Scope, current, target State) error {
	return Failure{
		Code:       CodeIncompatibleState,
		Detail:     fmt.Sprintf("%s is %s; %s not applicable", scope, current, target),
		HTTPStatus: http.StatusConflict,
	}
}

func busy(cycleID string) error {
	return Failure{
		Code:       CodeBusy,
		Detail:     fmt.Sprintf("transition cycle %s in progress", cycleID),
		RetryAfter: 1,
		HTTPStatus: http.StatusConflict,
	}
}

func notMaster(id ClientID) error {
	return Failure{
		Code:       CodeNotMaster,
		Detail:     fmt.Sprintf("client %s is not the master", id),
		HTTPStatus: http.StatusForbidden,
	}
}

func unknownClient(id ClientID) error {
	return Failure{
		Code:       CodeUnknownClient,
		Detail:     fmt.Sprintf("client %q is not connected", id),
		HTTPStatus: http.StatusNotFound,
	}
}

func requestNotSupported(target State) error {
	return Failure{
		Code:       CodeRequestNotSupported,
		Detail:     fmt.Sprintf("target %q is not supported", target),
		HTTPStatus: http.StatusBadRequest,
	}
}

func invalidRole(raw string) error {
	return Failure{Code: CodeInvalidRole, Detail: fmt.Sprintf("unknown role %q", raw), HTTPStatus: http.StatusBadRequest}
}

func invalidScope(raw string) error {
	return Failure{Code: CodeInvalidScope, Detail: fmt.Sprintf("unknown scope %q", raw), HTTPStatus: http.StatusBadRequest}
}

func invalidVerdict(raw string) error {
	return Failure{Code: CodeInvalidVerdict, Detail: fmt.Sprintf("unknown verdict %q", raw), HTTPStatus: http.StatusBadRequest}
}

func errClosed() error {
	return Failure{Code: CodeClosed, Detail: "coordinator is shutting down", HTTPStatus: http.StatusServiceUnavailable}
}
