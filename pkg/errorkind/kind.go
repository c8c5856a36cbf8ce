// Package errorkind classifies provider and job failures into the small,
// closed set of kinds the orchestrator and HTTP boundary reason about
// (spec §3, §7), so retry policy and error surfacing never depend on
// provider-specific error text beyond the classification step.
package errorkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the error kinds defined in spec §7.
type Kind string

// Error kinds and their retry/terminal policy (spec §7 table).
const (
	Safety             Kind = "safety"
	RateLimit          Kind = "rate_limit"
	Auth               Kind = "auth"
	Network            Kind = "network"
	Timeout            Kind = "timeout"
	ModelNotFound      Kind = "model_not_found"
	ServiceUnavailable Kind = "service_unavailable"
	Cancelled          Kind = "cancelled"
	Validation         Kind = "validation"
	GPUBusy            Kind = "gpu_busy"
	Unknown            Kind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried with
// backoff (spec §7).
func (k Kind) Retryable() bool {
	switch k {
	case RateLimit, Network, Timeout:
		return true
	default:
		return false
	}
}

// Terminal reports whether this kind ends the job outright once the retry
// budget (if any) is exhausted.
func (k Kind) Terminal() bool {
	switch k {
	case Safety, Auth, ModelNotFound, ServiceUnavailable, Cancelled:
		return true
	case RateLimit, Network, Timeout:
		return true // terminal only after retry budget exhausted; caller tracks attempts
	default:
		return false
	}
}

// Error wraps an underlying provider/job error with its classified Kind.
// It implements error and supports errors.Is/As via Unwrap.
type Error struct {
	Kind    Kind
	Message string // user-facing summary; never provider-specific raw text
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// Unknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// Classify maps a raw provider error to a Kind by message-pattern matching
// (spec §4.1, §7): the orchestrator and providers never leak provider-
// specific text untyped past this boundary.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context canceled"), strings.Contains(msg, "cancelled"):
		return Cancelled
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "safety"), strings.Contains(msg, "safety_violation"):
		return Safety
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "quota"):
		return RateLimit
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "403"):
		return Auth
	case strings.Contains(msg, "model not found"), strings.Contains(msg, "model_not_found"), strings.Contains(msg, "404"):
		return ModelNotFound
	case strings.Contains(msg, "503"), strings.Contains(msg, "service unavailable"), strings.Contains(msg, "not configured"):
		return ServiceUnavailable
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "network"), strings.Contains(msg, "eof"):
		return Network
	default:
		return Unknown
	}
}

// UserFacing renders the error the way the HTTP/WS boundary surfaces it to
// clients (spec §7): a message, an optional suggestion, and whether raw
// details are available.
type UserFacing struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	HasDetails bool   `json:"hasDetails"`
	Details    string `json:"details,omitempty"`
}

// ToUserFacing renders err for client consumption. The raw error text is
// included in Details only for kinds that are safe to surface (never for
// auth, to avoid leaking credentials in error text).
func ToUserFacing(err error) UserFacing {
	kind := Classify(err)
	uf := UserFacing{Message: messageFor(kind)}
	if s := suggestionFor(kind); s != "" {
		uf.Suggestion = s
	}
	if kind != Auth && err != nil {
		uf.HasDetails = true
		uf.Details = err.Error()
	}
	return uf
}

func messageFor(kind Kind) string {
	switch kind {
	case Safety:
		return "the request was rejected for safety reasons"
	case RateLimit:
		return "the provider is rate-limiting requests"
	case Auth:
		return "authentication with the provider failed"
	case Network:
		return "a network error occurred while calling the provider"
	case Timeout:
		return "the provider call timed out"
	case ModelNotFound:
		return "the requested model could not be found"
	case ServiceUnavailable:
		return "the required local service is not available"
	case Cancelled:
		return "the operation was cancelled"
	case Validation:
		return "the request was invalid"
	case GPUBusy:
		return "the GPU is currently busy"
	default:
		return "an unexpected error occurred"
	}
}

func suggestionFor(kind Kind) string {
	switch kind {
	case Safety:
		return "rephrase the prompt to avoid disallowed content"
	case RateLimit:
		return "wait a moment and try again"
	case Auth:
		return "check the provider's API credentials"
	case ModelNotFound:
		return "verify the configured model name"
	case ServiceUnavailable:
		return "start the required local service and try again"
	default:
		return ""
	}
}
