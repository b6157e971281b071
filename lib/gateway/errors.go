// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/consolegate/consolegate/lib/envelope"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindTooManyRequests    Kind = "too_many_requests"
	KindBadGateway         Kind = "bad_gateway"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Status is the HTTP status a kind is surfaced with.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindBadGateway:
		return http.StatusBadGateway
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure with a client-safe message.
type Error struct {
	Kind    Kind
	Message string

	// Cause is logged, and shown to clients only for internal errors
	// when diagnostics are enabled.
	Cause error

	// Result is attached to the response body, for failures that
	// carry structured detail such as a one-time code prompt.
	Result any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var failure *Error
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return KindInternal
}

// writeError sends err to the client. Unclassified errors become
// internal errors with a generic message.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *Error
	if !errors.As(err, &failure) {
		failure = &Error{Kind: KindInternal, Message: "internal error", Cause: err}
	}
	message := failure.Message
	if failure.Kind == KindInternal {
		g.logger.Error("request failed", "path", r.URL.Path, "origin", clientOrigin(r), "error", err)
		if g.config.Diagnostics && failure.Cause != nil {
			message = fmt.Sprintf("%s: %v", message, failure.Cause)
		}
	} else if failure.Cause != nil {
		g.logger.Info("request rejected", "path", r.URL.Path, "kind", string(failure.Kind), "error", failure.Cause)
	}
	if failure.Kind == KindTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	var result json.RawMessage
	if failure.Result != nil {
		if encoded, marshalErr := json.Marshal(failure.Result); marshalErr == nil {
			result = encoded
		}
	}
	envelope.Write(w, failure.Kind.Status(), message, result)
}
