/*
Copyright 2025 Jenna Labs.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package kinderr defines the error taxonomy shared across the job
// infrastructure. Every error that crosses a component boundary carries a
// Kind so that callers can decide between retry, fail-fast, and surfacing
// to the client without string matching.
package kinderr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP-mapping decisions.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindRateLimit         Kind = "rate_limit"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTransientUpstream Kind = "transient_upstream"
	KindPermanentUpstream Kind = "permanent_upstream"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error is a classified error. The zero Kind is treated as internal.
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable code, e.g. "invalid_api_key"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Kind == "" {
			return KindInternal
		}
		return ce.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from an error chain, or "" when absent.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Retryable reports whether a job handler error should be retried by the
// queue. Only transient upstream failures, upstream quota pushback, and
// timeouts qualify; everything else fails the job immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientUpstream, KindQuotaExceeded, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a Kind to the response status used by the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
