// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bosh

import (
	"errors"
	"net/http"
)

// ErrorType is the type attribute of an error body.
type ErrorType string

const (
	// TypeTerminate errors end the session.
	TypeTerminate ErrorType = "terminate"

	// TypeRecoverable errors leave the session usable.
	TypeRecoverable ErrorType = "recoverable"
)

// BindingError is one member of the binding's error taxonomy. Values are
// compared by identity, so callers use errors.Is against the sentinels below.
type BindingError struct {
	Type      ErrorType
	Condition string

	// LegacyCode is the bare HTTP status sent to clients that negotiated a
	// protocol version below 1.6.
	LegacyCode int
}

func (e *BindingError) Error() string {
	if e.Condition == "" {
		return "bosh: " + string(e.Type)
	}
	return "bosh: " + string(e.Type) + ": " + e.Condition
}

// Terminal reports whether the error closes the session.
func (e *BindingError) Terminal() bool {
	return e.Type == TypeTerminate
}

var (
	ErrBadRequest             = newTerminate("bad-request", http.StatusBadRequest)
	ErrHostGone               = newTerminate("host-gone", http.StatusServiceUnavailable)
	ErrHostUnknown            = newTerminate("host-unknown", http.StatusServiceUnavailable)
	ErrImproperAddressing     = newTerminate("improper-addressing", http.StatusBadRequest)
	ErrInternalServerError    = newTerminate("internal-server-error", http.StatusInternalServerError)
	ErrItemNotFound           = newTerminate("item-not-found", http.StatusNotFound)
	ErrOtherRequest           = newTerminate("other-request", http.StatusInternalServerError)
	ErrPolicyViolation        = newTerminate("policy-violation", http.StatusForbidden)
	ErrRemoteConnectionFailed = newTerminate("remote-connection-failed", http.StatusBadGateway)
	ErrRemoteStreamError      = newTerminate("remote-stream-error", http.StatusInternalServerError)
	ErrSeeOtherURI            = newTerminate("see-other-uri", http.StatusInternalServerError)
	ErrSystemShutdown         = newTerminate("system-shutdown", http.StatusServiceUnavailable)
	ErrUndefinedCondition     = newTerminate("undefined-condition", http.StatusInternalServerError)

	// ErrSessionTerminated answers requests still held when their session
	// ends for a reason the client asked for or caused.
	ErrSessionTerminated = newTerminate("", http.StatusNotFound)
)

// ErrTimeout is returned by Connection.Response when no stanza arrived within
// the session's wait period. It is answered with an empty body, never shown
// to the client as an error.
var ErrTimeout = errors.New("bosh: no stanza within wait period")

func newTerminate(condition string, code int) *BindingError {
	return &BindingError{Type: TypeTerminate, Condition: condition, LegacyCode: code}
}

// AsBindingError extracts the BindingError from err. Anything that is not
// one is reported as an undefined condition so callers never leak internal
// error text to clients.
func AsBindingError(err error) *BindingError {
	var be *BindingError
	if errors.As(err, &be) {
		return be
	}
	return ErrUndefinedCondition
}
