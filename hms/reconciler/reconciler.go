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

package reconciler

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/lock"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// Reconciler folds agent reports into command status, machine state and
// cluster history.
type Reconciler struct {
	ns      *etcd.Namespace
	history *history.Log
	locks   *lock.Manager
	clock   clock.Clock
}

// New creates a Reconciler.
func New(ns *etcd.Namespace, h *history.Log, locks *lock.Manager, clk clock.Clock) *Reconciler {
	return &Reconciler{ns: ns, history: h, locks: locks, clock: clk}
}

// OnActionStatus applies the report at reportPath. The report and the action
// it answers are deleted once applied, so a report delivered twice, or one
// whose action is already gone, changes nothing. Reports breaking the agent
// protocol are dropped and the protocol error is returned.
func (r *Reconciler) OnActionStatus(ctx context.Context, reportPath string) error {
	key := model.ParseKey(reportPath)
	if key.Kind != model.KeyReport {
		return cerrors.ErrInvalidActionStatus.GenWithStackByArgs("", reportPath)
	}
	node, err := r.ns.Get(ctx, reportPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		reportCounter.WithLabelValues("stale").Inc()
		return r.cleanup(ctx, reportPath, "")
	}
	if err != nil {
		return err
	}
	report := &model.ActionStatus{}
	if err := model.Unmarshal(node.Value, report); err != nil {
		return r.reject(ctx, reportPath, "",
			cerrors.WrapError(cerrors.ErrInvalidActionStatus, err, "", reportPath))
	}

	actionKey := model.ParseKey(report.ActionPath)
	if actionKey.Kind != model.KeyAction || actionKey.Cluster != key.Cluster ||
		actionKey.Host != key.Host || report.Host != key.Host {
		return r.reject(ctx, reportPath, "",
			cerrors.ErrReportHostMismatch.GenWithStackByArgs(reportPath, report.Host, actionKey.Host))
	}
	actionPath := report.ActionPath
	if !report.Status.Terminal() {
		return r.reject(ctx, reportPath, actionPath,
			cerrors.ErrInvalidActionStatus.GenWithStackByArgs(report.Status, actionPath))
	}

	actionNode, err := r.ns.Get(ctx, actionPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		reportCounter.WithLabelValues("stale").Inc()
		return r.cleanup(ctx, reportPath, actionPath)
	}
	if err != nil {
		return err
	}
	action := &model.Action{}
	if err := model.Unmarshal(actionNode.Value, action); err != nil {
		return r.reject(ctx, reportPath, actionPath,
			cerrors.WrapError(cerrors.ErrInvalidActionStatus, err, report.Status, actionPath))
	}
	if action.ID != report.ActionID {
		return r.reject(ctx, reportPath, actionPath,
			cerrors.ErrActionNotFound.GenWithStackByArgs(report.ActionID, key.Host, action.CmdPath))
	}

	if report.Status == model.StatusSucceeded {
		hostPath := model.HostPath(key.Cluster, key.Host)
		if _, err := r.history.MergeMachineState(ctx, hostPath, action.ExpectedResults); err != nil {
			return err
		}
	} else if err := r.recordFailure(ctx, action, key.Host, report.Error); err != nil {
		return err
	}

	failpoint.Inject("ReconcilerFailBeforeStatusUpdate", func() {
		failpoint.Return(cerrors.ErrEtcdAPIError.GenWithStackByArgs())
	})

	applied, finished, err := r.updateStatus(ctx, action, actionPath, key.Host, report.Status)
	if cerrors.IsProtocolError(err) {
		return r.reject(ctx, reportPath, actionPath, err)
	}
	if err != nil {
		return err
	}
	if applied {
		reportCounter.WithLabelValues("applied").Inc()
	} else {
		reportCounter.WithLabelValues("duplicate").Inc()
	}
	log.Info("action status applied",
		zap.String("report", reportPath),
		zap.Int64("action", action.ID),
		zap.String("host", key.Host),
		zap.String("status", string(report.Status)),
		zap.Bool("duplicate", !applied))
	if finished {
		if err := r.Finalize(ctx, action.CmdPath); err != nil {
			return err
		}
	}
	return r.cleanup(ctx, reportPath, actionPath)
}

func (r *Reconciler) recordFailure(ctx context.Context, action *model.Action, host, reason string) error {
	record, err := model.Marshal(&model.FailureRecord{
		ActionID: action.ID,
		Host:     host,
		Error:    reason,
		Time:     r.clock.Now(),
	})
	if err != nil {
		return err
	}
	_, err = r.ns.Create(ctx, model.FailureRecordPath(action.CmdPath, host, action.ID), record)
	if cerrors.ErrNodeAlreadyExists.Equal(err) {
		return nil
	}
	return err
}

// updateStatus moves the host of action to the reported status. applied is
// false for a duplicate report; finished is true if this update took the
// command out of Started.
func (r *Reconciler) updateStatus(
	ctx context.Context, action *model.Action, actionPath, host string, reported model.Status,
) (applied, finished bool, err error) {
	statusPath := model.CommandStatusPath(action.CmdPath)
	_, err = r.ns.Patch(ctx, statusPath, func(old []byte) ([]byte, bool, error) {
		applied, finished = false, false
		if old == nil {
			// the command was swept
			return nil, false, nil
		}
		status, err := model.DecodeCommandStatus(old)
		if err != nil {
			return nil, false, err
		}
		i, j, ok := status.Locate(action.ID, host)
		if !ok {
			return nil, false, cerrors.ErrActionNotFound.GenWithStackByArgs(action.ID, host, action.CmdPath)
		}
		pair := &status.ActionEntries[i].HostStatus[j]
		if pair.Status == reported {
			return nil, false, nil
		}
		if !pair.Status.Advances(reported) {
			return nil, false, cerrors.ErrUnexpectedHostStatus.GenWithStackByArgs(
				reported, actionPath, pair.Status)
		}
		pair.Status = reported
		status.CompletedActions++
		now := r.clock.Now()
		status.UpdateTime = now
		switch {
		case status.CompletedActions >= status.TotalActions:
			if status.AllSucceeded() {
				finished = status.Finish(model.StatusSucceeded, now)
			} else {
				finished = status.Finish(model.StatusFailed, now)
			}
		case status.ActionEntries[i].AllFailed():
			// no host can satisfy what later entries depend on
			finished = status.Finish(model.StatusFailed, now)
		}
		value, err := model.Marshal(status)
		if err != nil {
			return nil, false, err
		}
		applied = true
		return value, true, nil
	})
	return applied, finished, err
}

// Finalize completes the command at cmdPath if its plan is terminal, or has
// no action at all: a succeeded create or update appends to the cluster
// history, a finished delete removes the cluster whatever its outcome, the locks held for the command are released and the status is marked
// finalized. It does nothing for a running or already finalized command and
// is safe to repeat after a crash.
func (r *Reconciler) Finalize(ctx context.Context, cmdPath string) error {
	statusPath := model.CommandStatusPath(cmdPath)
	status, err := r.finishEmpty(ctx, statusPath)
	if err != nil || status == nil || status.Finalized || !status.Status.Terminal() {
		return err
	}

	if err := r.applyHistory(ctx, cmdPath, status); err != nil {
		return err
	}

	failpoint.Inject("ReconcilerFailBeforeRelease", func() {
		failpoint.Return(cerrors.ErrEtcdAPIError.GenWithStackByArgs())
	})

	holder, err := r.locks.Holder(ctx, model.ClusterLockPath(status.ClusterName))
	if err != nil {
		return err
	}
	if holder == cmdPath {
		if err := r.locks.Release(ctx, model.ClusterLockPath(status.ClusterName)); err != nil {
			return err
		}
	}
	if err := r.locks.Release(ctx, model.TaskLockPath(cmdPath)); err != nil {
		return err
	}

	marked := false
	_, err = r.ns.Patch(ctx, statusPath, func(old []byte) ([]byte, bool, error) {
		marked = false
		if old == nil {
			return nil, false, nil
		}
		s, err := model.DecodeCommandStatus(old)
		if err != nil || s.Finalized {
			return nil, false, err
		}
		s.Finalized = true
		value, err := model.Marshal(s)
		marked = err == nil
		return value, true, err
	})
	if err != nil {
		return err
	}
	if marked {
		commandCounter.WithLabelValues(strings.ToLower(string(status.Status))).Inc()
		log.Info("command finished",
			zap.String("cmd", cmdPath),
			zap.String("cluster", status.ClusterName),
			zap.String("status", string(status.Status)),
			zap.Int("completed", status.CompletedActions),
			zap.Int("total", status.TotalActions))
	}
	return nil
}

// finishEmpty returns the status at statusPath, moving a started plan with
// no action to Succeeded first. It returns nil if there is no plan.
func (r *Reconciler) finishEmpty(ctx context.Context, statusPath string) (*model.CommandStatus, error) {
	var status *model.CommandStatus
	_, err := r.ns.Patch(ctx, statusPath, func(old []byte) ([]byte, bool, error) {
		status = nil
		if old == nil {
			return nil, false, nil
		}
		s, err := model.DecodeCommandStatus(old)
		if err != nil {
			return nil, false, err
		}
		status = s
		if s.Status != model.StatusStarted || s.TotalActions != 0 {
			return nil, false, nil
		}
		s.Finish(model.StatusSucceeded, r.clock.Now())
		value, err := model.Marshal(s)
		return value, true, err
	})
	return status, err
}

func (r *Reconciler) applyHistory(ctx context.Context, cmdPath string, status *model.CommandStatus) error {
	switch status.Kind {
	case model.CommandDelete:
		if status.ClusterName == "" {
			return nil
		}
		return r.history.Remove(ctx, status.ClusterName)
	case model.CommandCreate, model.CommandUpdate:
		if status.Status != model.StatusSucceeded {
			return nil
		}
		node, err := r.ns.Get(ctx, cmdPath)
		if err != nil {
			return err
		}
		cmd, err := model.DecodeCommand(node.Value)
		if err != nil {
			return err
		}
		return r.history.Append(ctx, cmdPath, cmd.Cluster)
	}
	return nil
}

func (r *Reconciler) reject(ctx context.Context, reportPath, actionPath string, cause error) error {
	reportCounter.WithLabelValues("rejected").Inc()
	log.Warn("drop action status", zap.String("report", reportPath), zap.Error(cause))
	if err := r.cleanup(ctx, reportPath, actionPath); err != nil {
		return err
	}
	return cause
}

// cleanup deletes the report, the action and the lock markers of both.
func (r *Reconciler) cleanup(ctx context.Context, reportPath, actionPath string) error {
	err := multierr.Combine(
		r.ns.Delete(ctx, reportPath),
		r.ns.Delete(ctx, model.TaskLockPath(reportPath)),
	)
	if actionPath != "" {
		err = multierr.Append(err, multierr.Combine(
			r.ns.Delete(ctx, actionPath),
			r.ns.Delete(ctx, model.TaskLockPath(actionPath)),
		))
	}
	return err
}
