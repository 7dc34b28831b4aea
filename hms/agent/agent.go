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

// Package agent simulates the host agents: it answers queued actions with a
// report, without running anything.
package agent

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/logutil"
)

// Outcome decides the reported status of action on host and an optional
// error message.
type Outcome func(host string, action *model.Action) (model.Status, string)

// Succeed reports every action as succeeded.
func Succeed(string, *model.Action) (model.Status, string) {
	return model.StatusSucceeded, ""
}

// FailHosts reports actions on the given hosts as failed.
func FailHosts(hosts ...string) Outcome {
	failed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		failed[h] = struct{}{}
	}
	return func(host string, action *model.Action) (model.Status, string) {
		if _, ok := failed[host]; ok {
			return model.StatusFailed, "simulated failure"
		}
		return model.StatusSucceeded, ""
	}
}

// Agent answers actions for every host.
type Agent struct {
	ns      *etcd.Namespace
	outcome Outcome
}

// New creates an Agent. A nil outcome means Succeed.
func New(ns *etcd.Namespace, outcome Outcome) *Agent {
	if outcome == nil {
		outcome = Succeed
	}
	return &Agent{ns: ns, outcome: outcome}
}

// Answer writes the report of the action at actionPath to the report queue
// of its host and returns the report path. It returns "" if the action is
// gone or was answered before.
func (a *Agent) Answer(ctx context.Context, actionPath string) (string, error) {
	key := model.ParseKey(actionPath)
	if key.Kind != model.KeyAction {
		return "", cerrors.ErrInvalidEtcdKey.GenWithStackByArgs(actionPath)
	}
	node, err := a.ns.Get(ctx, actionPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	action := &model.Action{}
	if err := model.Unmarshal(node.Value, action); err != nil {
		return "", err
	}

	queue := model.ReportQueuePath(key.Cluster, key.Host)
	answered, err := a.answered(ctx, queue, actionPath)
	if err != nil || answered {
		return "", err
	}

	status, reason := a.outcome(key.Host, action)
	value, err := model.Marshal(&model.ActionStatus{
		ActionID:        action.ID,
		Host:            key.Host,
		Status:          status,
		CmdPath:         action.CmdPath,
		ActionPath:      actionPath,
		ExpectedResults: action.ExpectedResults,
		Error:           reason,
	})
	if err != nil {
		return "", err
	}
	reportPath, err := a.ns.CreateSequential(ctx, queue, model.ReportPrefix, value)
	if err != nil {
		return "", err
	}
	log.Info("simulated agent answered action",
		zap.String("action", actionPath),
		zap.String("report", reportPath),
		zap.String("status", string(status)),
		logutil.ZapPayload("script", action.Script))
	return reportPath, nil
}

func (a *Agent) answered(ctx context.Context, queue, actionPath string) (bool, error) {
	reports, err := a.ns.Children(ctx, queue)
	if err != nil {
		return false, err
	}
	for _, r := range reports {
		var status model.ActionStatus
		if err := model.Unmarshal(r.Value, &status); err != nil {
			continue
		}
		if status.ActionPath == actionPath {
			return true, nil
		}
	}
	return false, nil
}
