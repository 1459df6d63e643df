package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/provider"
	"github.com/pario-ai/parley/pkg/router"
)

// Kind classifies a failed turn.
type Kind string

const (
	KindRateLimited         Kind = "rate_limited"
	KindInvalidRequest      Kind = "invalid_request"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderError       Kind = "provider_error"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindInternalDegraded    Kind = "internal_degraded"
)

// Sentinels for errors.Is against *Error.
var (
	ErrRateLimited         = errors.New(string(KindRateLimited))
	ErrInvalidRequest      = errors.New(string(KindInvalidRequest))
	ErrProviderUnavailable = errors.New(string(KindProviderUnavailable))
	ErrProviderError       = errors.New(string(KindProviderError))
	ErrUpstreamTimeout     = errors.New(string(KindUpstreamTimeout))
	ErrInternalDegraded    = errors.New(string(KindInternalDegraded))
)

var sentinels = map[Kind]error{
	KindRateLimited:         ErrRateLimited,
	KindInvalidRequest:      ErrInvalidRequest,
	KindProviderUnavailable: ErrProviderUnavailable,
	KindProviderError:       ErrProviderError,
	KindUpstreamTimeout:     ErrUpstreamTimeout,
	KindInternalDegraded:    ErrInternalDegraded,
}

// Error is returned by Turn and StreamTurn.
type Error struct {
	Kind    Kind
	Message string
	// RateLimit is set for KindRateLimited.
	RateLimit *models.RateLimitResult
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// RetryAfter returns how long the caller should wait before retrying,
// or zero when no hint is available.
func (e *Error) RetryAfter() time.Duration {
	if e.RateLimit == nil || e.RateLimit.RetryAfter == nil {
		return 0
	}
	return time.Duration(*e.RateLimit.RetryAfter) * time.Second
}

// Temporary reports whether retrying the same turn later may succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstreamTimeout, KindProviderUnavailable, KindInternalDegraded:
		return true
	case KindProviderError:
		var pe *provider.ProviderError
		if errors.As(e.Err, &pe) {
			return pe.Kind == provider.KindRateLimited
		}
	}
	return false
}

func invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func rateLimited(rl models.RateLimitResult, message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RateLimit: &rl}
}

// routeError maps a model resolution failure.
func routeError(err error) *Error {
	if errors.Is(err, router.ErrProviderUnavailable) {
		return &Error{Kind: KindProviderUnavailable, Err: err}
	}
	return &Error{Kind: KindInvalidRequest, Err: err}
}

// callError maps a failed provider call.
func callError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case provider.KindTimeout:
			return &Error{Kind: KindUpstreamTimeout, Err: err}
		case provider.KindUnavailable:
			return &Error{Kind: KindProviderUnavailable, Err: err}
		}
		return &Error{Kind: KindProviderError, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUpstreamTimeout, Err: err}
	}
	return &Error{Kind: KindProviderError, Err: err}
}
