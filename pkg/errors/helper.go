// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"

	"github.com/pingcap/errors"
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which a the different behavior
// against `Wrap` function in pingcap/errors.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

// validationErrors are turned into a failed command status instead of being
// retried.
var validationErrors = []*errors.Error{
	ErrUnknownCommandKind,
	ErrUnknownActionKind,
	ErrInvalidCommand,
	ErrHostInUse,
	ErrClusterNotFound,
	ErrMissingDependencyTarget,
}

// IsValidationError returns true if the error means the command can never
// succeed as submitted.
func IsValidationError(err error) bool {
	for _, e := range validationErrors {
		if e.Equal(err) {
			return true
		}
	}
	return false
}

// protocolErrors are raised by malformed or unexpected agent reports.
var protocolErrors = []*errors.Error{
	ErrInvalidActionStatus,
	ErrActionNotFound,
	ErrUnexpectedHostStatus,
	ErrReportHostMismatch,
}

// IsProtocolError returns true if the error is caused by an agent report
// this engine cannot accept.
func IsProtocolError(err error) bool {
	for _, e := range protocolErrors {
		if e.Equal(err) {
			return true
		}
	}
	return false
}

// IsRetryableError check the error is safe or worth to retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch errors.Cause(err) {
	case context.Canceled, context.DeadlineExceeded:
		return false
	}
	if IsValidationError(err) || IsProtocolError(err) {
		return false
	}
	return true
}
