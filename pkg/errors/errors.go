// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors provides the error taxonomy shared by the scheduler, the
// services and the worker. Every error carries a Code and a chain of
// messages, with context appended at each call site.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for retry and client-surfacing decisions.
type Code int

const (
	// CodeOK means no error. It never appears on a non-nil *Error.
	CodeOK Code = iota

	// CodeInvalidArgument covers malformed digests, unknown platform
	// property keys, unknown instance names and bad hash formats.
	// Surfaced to the client, never retried.
	CodeInvalidArgument

	// CodeNotFound covers missing blobs, unknown worker ids and unknown
	// action fingerprints.
	CodeNotFound

	// CodeUnavailable covers transient transport failures and store
	// backends that are temporarily down. Subject to retry.
	CodeUnavailable

	// CodeResourceExhausted covers paused workers (failed precondition
	// script) and queue saturation.
	CodeResourceExhausted

	// CodeDeadlineExceeded means the action timeout elapsed on the worker.
	CodeDeadlineExceeded

	// CodeCancelled means an explicit kill terminated the action.
	CodeCancelled

	// CodeAborted means an action exhausted its reschedule budget.
	CodeAborted

	// CodeInternal is a programmer invariant violation.
	CodeInternal
)

// String returns the canonical name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeNotFound:
		return "NotFound"
	case CodeUnavailable:
		return "Unavailable"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeDeadlineExceeded:
		return "DeadlineExceeded"
	case CodeCancelled:
		return "Cancelled"
	case CodeAborted:
		return "Aborted"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Transient reports whether an error with this code may succeed on retry.
func (c Code) Transient() bool {
	return c == CodeUnavailable
}

// Error is a coded error with a message chain. The zero value is not valid;
// use New or Wrap.
type Error struct {
	Code     Code
	Messages []string
	cause    error
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Messages: []string{fmt.Sprintf(format, args...)},
	}
}

// Wrap appends context to an error. If err is already an *Error the code is
// preserved and the message prepended to its chain; otherwise the wrapped
// error becomes an Internal error. Returns nil if err is nil.
func Wrap(err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Code:     e.Code,
			Messages: append([]string{msg}, e.Messages...),
			cause:    err,
		}
	}
	return &Error{
		Code:     CodeInternal,
		Messages: []string{msg, err.Error()},
		cause:    err,
	}
}

// WrapWithCode is like Wrap but overrides the code.
func WrapWithCode(err error, code Code, format string, args ...any) *Error {
	e := Wrap(err, format, args...)
	if e == nil {
		return nil
	}
	e.Code = code
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Messages, ": "))
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the Code from err, returning CodeInternal for non-nil
// errors that do not carry one and CodeOK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
