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

package dispatcher

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/logutil"
)

// Dispatcher writes the actions of a plan to the host queues.
type Dispatcher struct {
	ns      *etcd.Namespace
	history *history.Log
	gate    *Gate
	clock   clock.Clock
}

// New creates a Dispatcher.
func New(ns *etcd.Namespace, h *history.Log, gate *Gate, clk clock.Clock) *Dispatcher {
	return &Dispatcher{ns: ns, history: h, gate: gate, clock: clk}
}

// Gate returns the dependency gate of the dispatcher.
func (d *Dispatcher) Gate() *Gate {
	return d.gate
}

// Dispatch queues every unqueued host of the plan at statusPath, walking the
// entries in order and stopping at the first one whose dependencies do not
// hold yet. It returns the number of actions this call queued. Any number of
// replicas may dispatch the same plan; each (action, host) is queued once.
func (d *Dispatcher) Dispatch(ctx context.Context, statusPath string) (int, error) {
	node, err := d.ns.Get(ctx, statusPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	status, err := model.DecodeCommandStatus(node.Value)
	if err != nil {
		return 0, err
	}
	if status.Status != model.StatusStarted {
		return 0, nil
	}

	var pending []string
	for i := range status.ActionEntries {
		entry := &status.ActionEntries[i]
		for _, hs := range entry.HostStatus {
			if hs.Status == model.StatusUnqueued {
				pending = append(pending, hs.Host)
			}
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if err := d.history.EnsureCluster(ctx, status.ClusterName, pending); err != nil {
		return 0, err
	}

	queued := 0
	for i := range status.ActionEntries {
		entry := &status.ActionEntries[i]
		if !entry.HasUnqueued() {
			continue
		}
		ok, err := d.gate.Satisfied(ctx, statusPath, entry.Action.Dependencies)
		if err != nil {
			return queued, err
		}
		if !ok {
			log.Debug("action waits for its dependencies",
				zap.String("status", statusPath), zap.Int64("action", entry.Action.ID))
			break
		}
		for _, hs := range entry.HostStatus {
			if hs.Status != model.StatusUnqueued {
				continue
			}
			done, err := d.queue(ctx, statusPath, entry.Action.ID, hs.Host)
			if err != nil {
				return queued, err
			}
			if done {
				queued++
			}
		}
	}
	return queued, nil
}

// queue writes the action node for host and marks the host queued in one
// transaction. It returns false if the host left Unqueued in between.
func (d *Dispatcher) queue(ctx context.Context, statusPath string, actionID int64, host string) (bool, error) {
	var (
		queued    bool
		queuePath string
		action    model.Action
	)
	err := d.ns.CASLoop(ctx, "dispatch", statusPath, func() error {
		queued = false
		node, err := d.ns.Get(ctx, statusPath)
		if cerrors.ErrNodeNotExists.Equal(err) {
			return nil
		}
		if err != nil {
			return err
		}
		status, err := model.DecodeCommandStatus(node.Value)
		if err != nil {
			return err
		}
		if status.Status != model.StatusStarted {
			return nil
		}
		i, j, ok := status.Locate(actionID, host)
		if !ok {
			return cerrors.ErrActionNotFound.GenWithStackByArgs(actionID, host, statusPath)
		}
		pair := &status.ActionEntries[i].HostStatus[j]
		if pair.Status != model.StatusUnqueued {
			return nil
		}
		action = status.ActionEntries[i].Action

		slot, err := d.ns.PrepareSequential(ctx,
			model.ActionQueuePath(status.ClusterName, host), model.ActionPrefix)
		if err != nil {
			return err
		}
		actionValue, err := model.Marshal(&action)
		if err != nil {
			return err
		}
		pair.Status = model.StatusQueued
		status.UpdateTime = d.clock.Now()
		statusValue, err := model.Marshal(status)
		if err != nil {
			return err
		}

		cmps := append([]clientv3.Cmp{d.ns.CmpRevision(statusPath, node.Revision)}, slot.Cmps...)
		ops := append(slot.Ops,
			d.ns.OpPut(slot.Path, actionValue),
			d.ns.OpPut(statusPath, statusValue))
		resp, err := d.ns.Txn(ctx, cmps, ops)
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return cerrors.ErrEtcdTryAgain.GenWithStackByArgs()
		}
		queued, queuePath = true, slot.Path
		return nil
	})
	if err != nil {
		return false, err
	}
	if queued {
		dispatchCounter.Inc()
		log.Info("action queued",
			zap.String("action", queuePath),
			zap.Int64("id", action.ID),
			zap.String("cmd", action.CmdPath),
			logutil.ZapPayload("script", action.Script))
	}
	return queued, nil
}
