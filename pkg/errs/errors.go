/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package errs defines the failure taxonomy shared by the reachability,
// connection and retry components.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the classification of a failure that drives retry policy
type Class int

const (
	// Unclassified is any failure with no defined recovery policy. Fatal.
	Unclassified Class = iota
	// Authentication means the server rejected the session credential
	Authentication
	// Unreachable means no response was received (network failure, timeout)
	Unreachable
	// ServerUnavailable is an explicit 503-class response
	ServerUnavailable
	// NotFound means the target object does not exist. Fatal.
	NotFound
	// Conflict means the object id is already in use. Fatal.
	Conflict
	// AnomalousSequence is a stream counter discontinuity other than a reset
	AnomalousSequence
	// CORSSuspected is a persistent disagreement between reachability and
	// request outcomes that does not recover by waiting
	CORSSuspected
)

// String returns the string representation of the class
func (c Class) String() string {
	switch c {
	case Authentication:
		return "authentication"
	case Unreachable:
		return "unreachable"
	case ServerUnavailable:
		return "server_unavailable"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case AnomalousSequence:
		return "anomalous_sequence"
	case CORSSuspected:
		return "cors_suspected"
	default:
		return "unclassified"
	}
}

// Retryable reports whether the class is recovered by backing off
func (c Class) Retryable() bool {
	return c == Unreachable || c == ServerUnavailable
}

var (
	// ErrCanceled is reported for requests removed by Cancel or shutdown
	ErrCanceled = errors.New("request canceled")
	// ErrStreamDown is returned for stream-routed requests while the
	// stream is not connected
	ErrStreamDown = errors.New("stream not connected")
	// ErrExemptCategory is returned when a query or fetch-by-id request is
	// offered to the retry queue
	ErrExemptCategory = errors.New("request category is not retryable")
	// ErrStopped is returned by components that have been stopped
	ErrStopped = errors.New("component stopped")
)

// Error is a classified failure
type Error struct {
	Class      Class
	StatusCode int    // HTTP status, 0 when no response was received
	Code       string // server error code, e.g. "id_in_use"
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by class, so errors.Is(err, &Error{Class: NotFound})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Class == e.Class
}

// New creates a classified error
func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err
func Wrap(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// ClassOf returns the class of err. Network level failures that were not
// classified by the transport are reported as Unreachable.
func ClassOf(err error) Class {
	if err == nil {
		return Unclassified
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, ErrStreamDown) || errors.Is(err, context.DeadlineExceeded) {
		return Unreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Unreachable
	}
	return Unclassified
}

// IsClass reports whether err is classified as class
func IsClass(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}
