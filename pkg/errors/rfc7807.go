// Package errors provides the scheduling error taxonomy and its RFC 7807 Problem Details mapping
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Standard error functions
var (
	Is   = errors.Is
	Join = errors.Join
)

// Error kinds
const (
	KindQueueFull         = "QueueFull"
	KindRateLimited       = "RateLimited"
	KindBreakerOpen       = "BreakerOpen"
	KindDownstreamFailure = "DownstreamFailure"
	KindPoolUnavailable   = "PoolUnavailable"
	KindNoHandler         = "NoHandler"
	KindMissingResult     = "MissingResult"
	KindNotFound          = "NotFound"
	KindConfig            = "Config"
	KindInvalidOperation  = "InvalidOperation"
)

// Sentinel errors, compared by kind through errors.Is
var (
	QueueFull         = NewWithKind(KindQueueFull).Explain("tier queue is at capacity")
	RateLimited       = NewWithKind(KindRateLimited).Explain("rate limit window exhausted")
	BreakerOpen       = NewWithKind(KindBreakerOpen).Explain("dependency circuit breaker is open")
	DownstreamFailure = NewWithKind(KindDownstreamFailure).Explain("downstream call failed")
	PoolUnavailable   = NewWithKind(KindPoolUnavailable).Explain("no live pool handle")
	NoHandler         = NewWithKind(KindNoHandler).Explain("no handler registered for operation kind")
	MissingResult     = NewWithKind(KindMissingResult).Explain("handler returned no result for item")
	NotFound          = NewWithKind(KindNotFound).Explain("not found")
	Config            = NewWithKind(KindConfig).Explain("invalid configuration")
	InvalidOperation  = NewWithKind(KindInvalidOperation).Explain("invalid operation")
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// RetryAfter is set on RateLimited errors and hints when the window frees up
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.RetryAfter > 0 {
		str += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// After makes a copy of the error carrying a retry-after hint
func (e *Error) After(d time.Duration) *Error {
	err := *e
	err.RetryAfter = d
	return &err
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or "" when there is none
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAfterOf returns the retry-after hint carried by err, if any
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Problem type URIs
const (
	TypeQueueFull         = "https://tiergate.finalex.io/problems/queue-full"
	TypeRateLimit         = "https://tiergate.finalex.io/problems/rate-limit"
	TypeBreakerOpen       = "https://tiergate.finalex.io/problems/breaker-open"
	TypeDownstreamFailure = "https://tiergate.finalex.io/problems/downstream-failure"
	TypePoolUnavailable   = "https://tiergate.finalex.io/problems/pool-unavailable"
	TypeNotFound          = "https://tiergate.finalex.io/problems/not-found"
	TypeInvalidOperation  = "https://tiergate.finalex.io/problems/invalid-operation"
	TypeInternalError     = "https://tiergate.finalex.io/problems/internal-error"
)

// Problem titles
const (
	TitleQueueFull         = "Queue Full"
	TitleRateLimit         = "Rate Limit Exceeded"
	TitleBreakerOpen       = "Dependency Unavailable"
	TitleDownstreamFailure = "Downstream Failure"
	TitlePoolUnavailable   = "Pool Unavailable"
	TitleNotFound          = "Not Found"
	TitleInvalidOperation  = "Invalid Operation"
	TitleInternalError     = "Internal Server Error"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}

	for k, v := range p.Extra {
		result[k] = v
	}

	return json.Marshal(result)
}

// ToProblem maps an error from the taxonomy onto problem details
func ToProblem(err error, instance string) *ProblemDetails {
	p := &ProblemDetails{
		Type:     TypeInternalError,
		Title:    TitleInternalError,
		Status:   http.StatusInternalServerError,
		Detail:   err.Error(),
		Instance: instance,
	}

	switch KindOf(err) {
	case KindQueueFull:
		p.Type, p.Title, p.Status = TypeQueueFull, TitleQueueFull, http.StatusServiceUnavailable
	case KindRateLimited:
		p.Type, p.Title, p.Status = TypeRateLimit, TitleRateLimit, http.StatusTooManyRequests
		if ra := RetryAfterOf(err); ra > 0 {
			p.WithExtra("retry_after_seconds", ra.Seconds())
		}
	case KindBreakerOpen:
		p.Type, p.Title, p.Status = TypeBreakerOpen, TitleBreakerOpen, http.StatusServiceUnavailable
	case KindDownstreamFailure:
		p.Type, p.Title, p.Status = TypeDownstreamFailure, TitleDownstreamFailure, http.StatusBadGateway
	case KindPoolUnavailable:
		p.Type, p.Title, p.Status = TypePoolUnavailable, TitlePoolUnavailable, http.StatusServiceUnavailable
	case KindNotFound:
		p.Type, p.Title, p.Status = TypeNotFound, TitleNotFound, http.StatusNotFound
	case KindInvalidOperation:
		p.Type, p.Title, p.Status = TypeInvalidOperation, TitleInvalidOperation, http.StatusBadRequest
	}

	return p
}
