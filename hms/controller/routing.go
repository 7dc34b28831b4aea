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
	"sort"

	"github.com/pingcap/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/hms/model"
)

// route turns a watch event into tasks.
func (r *replica) route(ctx context.Context, ev *clientv3.Event) error {
	p, err := r.ns.Rel(string(ev.Kv.Key))
	if err != nil {
		return nil
	}
	key := model.ParseKey(p)
	eventCounter.WithLabelValues(key.Kind.String()).Inc()

	switch ev.Type {
	case mvccpb.PUT:
		switch key.Kind {
		case model.KeyCommand:
			return r.rescanCommands(ctx)
		case model.KeyHost:
			for _, statusPath := range r.gate.Take(p) {
				cmdPath := model.ParseKey(statusPath).Command
				if err := r.schedule(ctx, taskDispatch, cmdPath); err != nil {
					return err
				}
			}
		case model.KeyReport:
			return r.schedule(ctx, taskReconcile, p)
		case model.KeyAction:
			if r.agent != nil {
				return r.schedule(ctx, taskAnswer, p)
			}
		case model.KeyController:
			if key.Name != r.id {
				_, err := r.rescan(ctx)
				return err
			}
		}
	case mvccpb.DELETE:
		switch key.Kind {
		case model.KeyController, model.KeyClusterLock:
			// work owned by a lost controller, or blocked on a released
			// cluster, can be picked up now
			_, err := r.rescan(ctx)
			return err
		}
	}
	return nil
}

// rescan schedules every command, report and, when agents are simulated,
// action found in a snapshot of the namespace. It returns the revision of
// the snapshot.
func (r *replica) rescan(ctx context.Context) (int64, error) {
	nodes, rev, err := r.ns.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	var (
		commands []string
		statuses = make(map[string]*model.CommandStatus)
		reports  []string
		actions  []string
	)
	for _, n := range nodes {
		key := model.ParseKey(n.Path)
		switch key.Kind {
		case model.KeyCommand:
			commands = append(commands, n.Path)
		case model.KeyCommandStatus:
			status, err := model.DecodeCommandStatus(n.Value)
			if err != nil {
				log.Warn("skip corrupted command status", zap.String("path", n.Path), zap.Error(err))
				continue
			}
			statuses[key.Command] = status
		case model.KeyReport:
			reports = append(reports, n.Path)
		case model.KeyAction:
			actions = append(actions, n.Path)
		}
	}
	sort.Strings(commands)
	entries := make([]intake.Entry, 0, len(commands))
	for _, p := range commands {
		entries = append(entries, intake.Entry{Path: p, Status: statuses[p]})
	}
	if err := r.scheduleCommands(ctx, entries); err != nil {
		return 0, err
	}
	for _, p := range reports {
		if err := r.schedule(ctx, taskReconcile, p); err != nil {
			return 0, err
		}
	}
	if r.agent != nil {
		for _, p := range actions {
			if err := r.schedule(ctx, taskAnswer, p); err != nil {
				return 0, err
			}
		}
	}
	log.Debug("namespace scanned",
		zap.String("id", r.id),
		zap.Int64("revision", rev),
		zap.Int("commands", len(commands)),
		zap.Int("reports", len(reports)))
	return rev, nil
}

func (r *replica) rescanCommands(ctx context.Context) error {
	entries, err := r.intake.List(ctx)
	if err != nil {
		return err
	}
	return r.scheduleCommands(ctx, entries)
}

func (r *replica) scheduleCommands(ctx context.Context, entries []intake.Entry) error {
	for _, e := range entries {
		typ := taskCommand
		switch {
		case e.Status == nil || e.Status.Status == model.StatusStarted:
		case !e.Status.Finalized:
			typ = taskFinalize
		default:
			typ = taskSweep
		}
		if err := r.schedule(ctx, typ, e.Path); err != nil {
			return err
		}
	}
	return nil
}
