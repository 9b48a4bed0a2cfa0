package backfill

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/google/go-github/v57/github"
)

// ErrorCode classifies a task failure for persistence and operator triage.
type ErrorCode string

const (
	ConnectionError     ErrorCode = "CONNECTION_ERROR"
	AuthenticationError ErrorCode = "AUTHENTICATION_ERROR"
	AuthorizationError  ErrorCode = "AUTHORIZATION_ERROR"
	PermissionsError    ErrorCode = "PERMISSIONS_ERROR"
	ServerError         ErrorCode = "SERVER_ERROR"
	CursorError         ErrorCode = "CURSOR_ERROR"
	UnknownError        ErrorCode = "UNKNOWN_ERROR"
)

// TaskError wraps a task failure with its classification.
type TaskError struct {
	Code ErrorCode
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Classify maps an error to its code. Already-classified TaskErrors keep
// their code; everything else is judged by HTTP status or network failure
// shape.
func Classify(err error) ErrorCode {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Code
	}

	var rateLimitErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateLimitErr) || errors.As(err, &abuseErr) {
		// Quota exhaustion clears on its own; treat like a transient outage.
		return ConnectionError
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return classifyStatus(ghErr.Response.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ConnectionError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ConnectionError
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ConnectionError
	}

	return UnknownError
}

func classifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return AuthenticationError
	case status == http.StatusForbidden:
		return AuthorizationError
	case status == http.StatusNotFound:
		return PermissionsError
	case status == http.StatusUnprocessableEntity:
		return CursorError
	case status >= 500:
		return ServerError
	default:
		return UnknownError
	}
}
