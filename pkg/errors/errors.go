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
	"github.com/pingcap/errors"
)

// errors
var (
	// etcd related errors
	ErrEtcdAPIError = errors.Normalize(
		"etcd api call error",
		errors.RFCCodeText("HMS:ErrEtcdAPIError"),
	)
	ErrInvalidEtcdKey = errors.Normalize(
		"invalid key: %s",
		errors.RFCCodeText("HMS:ErrInvalidEtcdKey"),
	)
	ErrNodeNotExists = errors.Normalize(
		"node not exists, key: %s",
		errors.RFCCodeText("HMS:ErrNodeNotExists"),
	)
	ErrNodeAlreadyExists = errors.Normalize(
		"node already exists, key: %s",
		errors.RFCCodeText("HMS:ErrNodeAlreadyExists"),
	)
	// ErrEtcdTryAgain is used by a PatchFunc to force a transaction abort.
	ErrEtcdTryAgain = errors.Normalize(
		"the etcd txn should be aborted and retried immediately",
		errors.RFCCodeText("HMS:ErrEtcdTryAgain"),
	)
	// ErrEtcdSessionDone is used by the controller to signal a session done
	ErrEtcdSessionDone = errors.Normalize(
		"the etcd session is done",
		errors.RFCCodeText("HMS:ErrEtcdSessionDone"),
	)
	ErrCASConflictExhausted = errors.Normalize(
		"compare-and-swap on %s did not converge after %d tries",
		errors.RFCCodeText("HMS:ErrCASConflictExhausted"),
	)

	// codec errors
	ErrMarshalFailed = errors.Normalize(
		"marshal failed",
		errors.RFCCodeText("HMS:ErrMarshalFailed"),
	)
	ErrUnmarshalFailed = errors.Normalize(
		"unmarshal failed",
		errors.RFCCodeText("HMS:ErrUnmarshalFailed"),
	)

	// command validation errors, these end up in a failed command status
	ErrUnknownCommandKind = errors.Normalize(
		"unknown command kind: %s",
		errors.RFCCodeText("HMS:ErrUnknownCommandKind"),
	)
	ErrUnknownActionKind = errors.Normalize(
		"unknown action kind: %s",
		errors.RFCCodeText("HMS:ErrUnknownActionKind"),
	)
	ErrInvalidCommand = errors.Normalize(
		"invalid command: %s",
		errors.RFCCodeText("HMS:ErrInvalidCommand"),
	)
	ErrHostInUse = errors.Normalize(
		"host %s is already used by cluster %s",
		errors.RFCCodeText("HMS:ErrHostInUse"),
	)
	ErrClusterNotFound = errors.Normalize(
		"cluster %s not found",
		errors.RFCCodeText("HMS:ErrClusterNotFound"),
	)
	ErrMissingDependencyTarget = errors.Normalize(
		"dependency of action %d names roles %v which resolve to no hosts",
		errors.RFCCodeText("HMS:ErrMissingDependencyTarget"),
	)

	// scheduling errors
	ErrClusterLocked = errors.Normalize(
		"cluster %s is locked by another command",
		errors.RFCCodeText("HMS:ErrClusterLocked"),
	)

	// agent protocol violations, the offending report is dropped
	ErrInvalidActionStatus = errors.Normalize(
		"invalid action status %s from action %s",
		errors.RFCCodeText("HMS:ErrInvalidActionStatus"),
	)
	ErrActionNotFound = errors.Normalize(
		"can't find action %d for host %s in command %s",
		errors.RFCCodeText("HMS:ErrActionNotFound"),
	)
	ErrUnexpectedHostStatus = errors.Normalize(
		"unexpected action status %s from action %s, current host status is %s",
		errors.RFCCodeText("HMS:ErrUnexpectedHostStatus"),
	)
	ErrReportHostMismatch = errors.Normalize(
		"report %s names host %s but was queued for host %s",
		errors.RFCCodeText("HMS:ErrReportHostMismatch"),
	)

	// utility errors
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("HMS:ErrReachMaxTry"),
	)
	ErrAsyncPoolExited = errors.Normalize(
		"asyncPool has exited. Report a bug if seen externally.",
		errors.RFCCodeText("HMS:ErrAsyncPoolExited"),
	)
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option",
		errors.RFCCodeText("HMS:ErrInvalidServerOption"),
	)
	ErrServeHTTP = errors.Normalize(
		"serve http error",
		errors.RFCCodeText("HMS:ErrServeHTTP"),
	)
	ErrControllerNotRunning = errors.Normalize(
		"controller is not running",
		errors.RFCCodeText("HMS:ErrControllerNotRunning"),
	)
)
