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

package sweeper

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
)

// DefaultRetention is how long a finished command is kept.
const DefaultRetention = 7 * 24 * time.Hour

// Sweeper deletes finished commands once their retention expired.
type Sweeper struct {
	ns        *etcd.Namespace
	clock     clock.Clock
	retention time.Duration
}

// New creates a Sweeper. A non positive retention means DefaultRetention.
func New(ns *etcd.Namespace, clk clock.Clock, retention time.Duration) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{ns: ns, clock: clk, retention: retention}
}

// SweepIfStale deletes the command at cmdPath with its status, failure
// records and task lock if status is terminal and was last updated before
// the retention window. It returns true if the command was deleted.
func (s *Sweeper) SweepIfStale(ctx context.Context, cmdPath string, status *model.CommandStatus) (bool, error) {
	if status == nil || !status.Status.Terminal() {
		return false, nil
	}
	age := s.clock.Since(status.UpdateTime)
	if age < s.retention {
		return false, nil
	}
	err := multierr.Combine(
		s.ns.DeleteTree(ctx, cmdPath),
		s.ns.Delete(ctx, model.TaskLockPath(cmdPath)),
	)
	if err != nil {
		return false, err
	}
	sweptCounter.Inc()
	log.Info("finished command swept",
		zap.String("cmd", cmdPath),
		zap.String("status", string(status.Status)),
		zap.Duration("age", age))
	return true, nil
}

// Sweep checks every queued command and returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context, commands *intake.Intake) (int, error) {
	entries, err := commands.List(ctx)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, e := range entries {
		ok, err := s.SweepIfStale(ctx, e.Path, e.Status)
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}
