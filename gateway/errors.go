/*
 * Copyright (c) 2025, Loopgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package gateway

import (
	std_errors "errors"
	"fmt"
)

// ErrorType classifies caller-visible gateway errors. The set is closed:
// callers discriminate errors with HasErrorType, never by inspecting
// message text.
type ErrorType int

const (
	ErrInvalidPort ErrorType = iota + 1
	ErrInvalidRequesterIP
	ErrNoRequesterIP
	ErrCapacityExceeded
	ErrBindFailed
)

// Error is a classified gateway error. Bind failures retain the underlying
// operating system error as the cause, accessible via errors.Unwrap.
type Error struct {
	Type    ErrorType
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.message, e.cause.Error())
	}
	return e.message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(
	errorType ErrorType, format string, args ...interface{}) *Error {

	return &Error{
		Type:    errorType,
		message: fmt.Sprintf(format, args...),
	}
}

func newErrorWithCause(
	errorType ErrorType, cause error,
	format string, args ...interface{}) *Error {

	return &Error{
		Type:    errorType,
		message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// HasErrorType indicates whether err is, or wraps, a gateway Error of the
// specified type.
func HasErrorType(err error, errorType ErrorType) bool {
	var gatewayErr *Error
	if !std_errors.As(err, &gatewayErr) {
		return false
	}
	return gatewayErr.Type == errorType
}
