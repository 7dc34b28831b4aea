// Copyright 2021 PingCAP, Inc.
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

package workerpool

import "context"

// Task is a unit of work. ctx is the context the pool is running with.
type Task func(ctx context.Context)

// AsyncPool provides a simple Goroutine pool, where the order in which jobs are run is non-deterministic.
type AsyncPool interface {
	// Go submits a task. Tasks sharing a non-empty key run on the same worker in
	// submission order, other tasks are spread round-robin. ctx is used to
	// cancel **the submission of task**.
	// **All** tasks successfully submitted will be run eventually, as long as Run are called infinitely many times.
	// Go might block when the AsyncPool is not running or the worker queue is full.
	Go(ctx context.Context, key string, task Task) error

	// Run runs the AsyncPool.
	Run(ctx context.Context) error

	// Pending returns the number of tasks submitted but not finished yet.
	Pending() int64
}
