package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnavailable    ErrorKind = "unavailable"
)

// ProviderError is returned for any failed provider call.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindInvalidRequest
	}
	return KindUnavailable
}

// readError builds a ProviderError from an error reply. Both supported
// APIs use {"error":{"type":"...","message":"..."}}.
func readError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	perr := &ProviderError{
		Provider:   provider,
		Kind:       KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		perr.Message = wire.Error.Message
		if wire.Error.Type != "" {
			perr.Message = wire.Error.Type + ": " + wire.Error.Message
		}
	} else {
		perr.Message = strings.TrimSpace(string(body))
	}
	return perr
}

// transportError classifies a failure to reach the provider.
func transportError(provider string, err error) error {
	kind := KindUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// streamError classifies an error event received mid-stream.
func streamError(provider, typ, message string) error {
	kind := KindUnavailable
	switch typ {
	case "rate_limit_error", "rate_limit_exceeded":
		kind = KindRateLimited
	case "invalid_request_error":
		kind = KindInvalidRequest
	case "authentication_error", "permission_error":
		kind = KindAuth
	}
	return &ProviderError{Provider: provider, Kind: kind, Message: typ + ": " + message}
}
