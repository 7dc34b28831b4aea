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

package controller

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/lock"
	"github.com/hmsflow/hmsflow/hms/model"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/logutil"
)

type taskType string

const (
	taskCommand   taskType = "command"
	taskDispatch  taskType = "dispatch"
	taskFinalize  taskType = "finalize"
	taskSweep     taskType = "sweep"
	taskReconcile taskType = "reconcile"
	taskAnswer    taskType = "answer"
)

// schedule queues a task for p. Tasks of one path run in order on the same
// worker.
func (r *replica) schedule(ctx context.Context, typ taskType, p string) error {
	r.c.pending.Inc()
	err := r.pool.Go(ctx, p, func(ctx context.Context) {
		defer r.c.pending.Dec()
		r.runTask(ctx, typ, p)
	})
	if err != nil {
		r.c.pending.Dec()
	}
	pendingTaskGauge.Set(float64(r.pool.Pending()))
	return err
}

func (r *replica) runTask(ctx context.Context, typ taskType, p string) {
	if ctx.Err() != nil {
		return
	}
	var err error
	switch typ {
	case taskCommand:
		err = r.processCommand(ctx, p)
	case taskDispatch:
		_, err = r.dispatcher.Dispatch(ctx, model.CommandStatusPath(p))
	case taskFinalize:
		err = r.reconciler.Finalize(ctx, p)
	case taskSweep:
		err = r.sweep(ctx, p)
	case taskReconcile:
		err = r.processReport(ctx, p)
	case taskAnswer:
		err = r.answer(ctx, p)
	}
	switch {
	case err == nil:
		taskCounter.WithLabelValues(string(typ), "ok").Inc()
		r.retries.reset(typ, p)
	case ctx.Err() != nil:
	case cerrors.IsRetryableError(err):
		taskCounter.WithLabelValues(string(typ), "retry").Inc()
		delay := r.retries.next(typ, p)
		log.Warn("task failed, retry later",
			zap.String("type", string(typ)),
			zap.String("path", p),
			zap.Duration("delay", delay),
			logutil.ShortError(err))
		r.c.clock.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := r.schedule(ctx, typ, p); err != nil {
				log.Warn("failed to reschedule task", zap.String("path", p), zap.Error(err))
			}
		})
	default:
		taskCounter.WithLabelValues(string(typ), "error").Inc()
		log.Warn("task failed",
			zap.String("type", string(typ)), zap.String("path", p), zap.Error(err))
	}
}

// processCommand takes ownership of a command, plans it and dispatches what
// can be dispatched. Ownership is held until the command finishes, or until
// this controller's session ends.
func (r *replica) processCommand(ctx context.Context, cmdPath string) error {
	taskLock := model.TaskLockPath(cmdPath)
	res, err := r.locks.TryAcquire(ctx, taskLock, r.id)
	if err != nil || res == lock.AlreadyOwned {
		return err
	}

	node, err := r.ns.Get(ctx, cmdPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		return r.locks.Release(ctx, taskLock)
	}
	if err != nil {
		return err
	}
	cmd, err := r.c.decodeCommand(node)
	if err != nil {
		if _, err := r.planner.Fail(ctx, cmdPath, nil, err); err != nil {
			return err
		}
		return r.reconciler.Finalize(ctx, cmdPath)
	}

	ref, err := r.planner.Plan(ctx, cmdPath, cmd)
	if cerrors.ErrClusterLocked.Equal(err) {
		// retried when the cluster lock is deleted
		log.Info("command waits for its cluster",
			zap.String("cmd", cmdPath), zap.String("cluster", cmd.Cluster.ClusterName))
		return r.locks.Release(ctx, taskLock)
	}
	if err != nil {
		return multierr.Append(err, r.locks.Release(ctx, taskLock))
	}
	if ref.Status.Status.Terminal() || ref.Status.TotalActions == 0 {
		return r.reconciler.Finalize(ctx, cmdPath)
	}
	_, err = r.dispatcher.Dispatch(ctx, ref.StatusPath)
	return err
}

// processReport applies a report under a task lock of its own.
func (r *replica) processReport(ctx context.Context, reportPath string) error {
	taskLock := model.TaskLockPath(reportPath)
	res, err := r.locks.TryAcquire(ctx, taskLock, uuid.New().String())
	if err != nil || res == lock.AlreadyOwned {
		return err
	}
	err = r.reconciler.OnActionStatus(ctx, reportPath)
	if cerrors.IsProtocolError(err) {
		err = nil
	}
	return multierr.Append(err, r.locks.Release(ctx, taskLock))
}

func (r *replica) answer(ctx context.Context, actionPath string) error {
	taskLock := model.TaskLockPath(actionPath)
	res, err := r.locks.TryAcquire(ctx, taskLock, uuid.New().String())
	if err != nil || res == lock.AlreadyOwned {
		return err
	}
	_, err = r.agent.Answer(ctx, actionPath)
	return multierr.Append(err, r.locks.Release(ctx, taskLock))
}

func (r *replica) sweep(ctx context.Context, cmdPath string) error {
	status, err := r.intake.Status(ctx, cmdPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.sweeper.SweepIfStale(ctx, cmdPath, status)
	return err
}

// retrier keeps an exponential backoff per failing task.
type retrier struct {
	mu       sync.Mutex
	backoffs map[string]backoff.BackOff
}

func newRetrier() *retrier {
	return &retrier{backoffs: make(map[string]backoff.BackOff)}
}

func (r *retrier) next(typ taskType, p string) time.Duration {
	key := string(typ) + ":" + p
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backoffs[key]
	if !ok {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 100 * time.Millisecond
		eb.MaxInterval = 10 * time.Second
		eb.MaxElapsedTime = 0
		b = eb
		r.backoffs[key] = b
	}
	return b.NextBackOff()
}

func (r *retrier) reset(typ taskType, p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoffs, string(typ)+":"+p)
}
