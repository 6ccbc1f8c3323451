package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/descoped/mcp-web-scraper/pool"
	"github.com/descoped/mcp-web-scraper/ratelimit"
	"github.com/descoped/mcp-web-scraper/session"
	"github.com/descoped/mcp-web-scraper/storage"
)

// ErrInvalidArgument is returned for missing or malformed tool arguments.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrUnknownTool is returned when calling a tool that does not exist.
var ErrUnknownTool = errors.New("unknown tool")

// Error codes carried in error bodies.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnknownTool     = "UNKNOWN_TOOL"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodePoolExhausted   = "POOL_EXHAUSTED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// StatusFor maps err to the HTTP status of a failed tool call.
func StatusFor(err error) int {
	var le *ratelimit.LimitError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &le):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, storage.ErrOutsideBaseDir):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func codeFor(err error) string {
	var le *ratelimit.LimitError
	switch {
	case errors.As(err, &le):
		return le.Code
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return CodeSessionNotFound
	case errors.Is(err, ErrUnknownTool):
		return CodeUnknownTool
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, storage.ErrOutsideBaseDir):
		return CodeInvalidArgument
	case errors.Is(err, pool.ErrPoolExhausted):
		return CodePoolExhausted
	case errors.Is(err, pool.ErrPoolClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ErrorDetail describes a failed call.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is in milliseconds.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// ErrorBody is returned to clients for every failed call.
type ErrorBody struct {
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewErrorBody describes err.
func NewErrorBody(err error, now time.Time) ErrorBody {
	body := ErrorBody{
		Error: ErrorDetail{
			Code:    codeFor(err),
			Message: err.Error(),
		},
		Timestamp: now,
	}
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		body.Error.Message = le.Message
		body.Error.RetryAfter = le.RetryAfter.Milliseconds()
		if body.Error.RetryAfter < 1 {
			body.Error.RetryAfter = 1
		}
	}
	return body
}
