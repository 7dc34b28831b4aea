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

package planner

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/lock"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

const (
	// actionIDCounter names the namespace wide counter action ids come from.
	actionIDCounter = "action"
	// orphanRole names the hosts of a cluster deleted before any revision.
	orphanRole = "host"
)

// PlanRef points at the persisted plan of a command.
type PlanRef struct {
	CmdPath    string
	StatusPath string
	Status     *model.CommandStatus
	Revision   int64
	// Resumed is true if the plan existed before this call.
	Resumed bool
}

// Planner turns commands into plans.
type Planner struct {
	ns      *etcd.Namespace
	locks   *lock.Manager
	history *history.Log
	clock   clock.Clock
}

// New creates a Planner.
func New(ns *etcd.Namespace, locks *lock.Manager, h *history.Log, clk clock.Clock) *Planner {
	return &Planner{ns: ns, locks: locks, history: h, clock: clk}
}

// Plan returns the plan of the command at cmdPath, creating it if needed.
// An existing plan is never regenerated. ErrClusterLocked is returned if
// another command owns the cluster; the command must be retried once that
// lock is released. Commands that can never run get a failed status and no
// error.
func (p *Planner) Plan(ctx context.Context, cmdPath string, cmd *model.Command) (*PlanRef, error) {
	statusPath := model.CommandStatusPath(cmdPath)
	clusterLock := model.ClusterLockPath(cmd.Cluster.ClusterName)

	ref, err := p.load(ctx, cmdPath)
	if err != nil && !cerrors.ErrNodeNotExists.Equal(err) {
		return nil, err
	}
	if ref != nil {
		if ref.Status.Status == model.StatusStarted {
			// the lock is re-entrant for the command, and was lost if the
			// replica that planned the command died
			if err := p.acquireCluster(ctx, clusterLock, cmdPath); err != nil {
				return nil, err
			}
		}
		return ref, nil
	}

	if err := p.acquireCluster(ctx, clusterLock, cmdPath); err != nil {
		return nil, err
	}

	status, err := p.expand(ctx, cmdPath, cmd)
	if err != nil {
		if cerrors.IsValidationError(err) {
			return p.Fail(ctx, cmdPath, cmd, err)
		}
		return nil, err
	}

	if cmd.Kind != model.CommandDelete {
		// a create that fails still leaves a cluster that can be deleted
		if err := p.history.Seed(ctx, cmdPath, cmd.Cluster); err != nil {
			return nil, err
		}
	}

	failpoint.Inject("PlannerFailBeforePersist", func() {
		failpoint.Return(nil, errors.New("injected failure before persisting the plan"))
	})

	value, err := model.Marshal(status)
	if err != nil {
		return nil, err
	}
	rev, err := p.ns.Create(ctx, statusPath, value)
	if cerrors.ErrNodeAlreadyExists.Equal(err) {
		// another replica planned the command first
		return p.load(ctx, cmdPath)
	}
	if err != nil {
		return nil, err
	}
	planCounter.WithLabelValues("planned").Inc()
	log.Info("command planned",
		zap.String("cmd", cmdPath),
		zap.String("cluster", status.ClusterName),
		zap.Int("entries", len(status.ActionEntries)),
		zap.Int("total", status.TotalActions))
	return &PlanRef{CmdPath: cmdPath, StatusPath: statusPath, Status: status, Revision: rev}, nil
}

func (p *Planner) acquireCluster(ctx context.Context, clusterLock, cmdPath string) error {
	res, err := p.locks.TryAcquire(ctx, clusterLock, cmdPath)
	if err != nil {
		return err
	}
	if res == lock.AlreadyOwned {
		planCounter.WithLabelValues("cluster-locked").Inc()
		return cerrors.ErrClusterLocked.GenWithStackByArgs(clusterLock)
	}
	return nil
}

func (p *Planner) load(ctx context.Context, cmdPath string) (*PlanRef, error) {
	statusPath := model.CommandStatusPath(cmdPath)
	node, err := p.ns.Get(ctx, statusPath)
	if err != nil {
		return nil, err
	}
	status, err := model.DecodeCommandStatus(node.Value)
	if err != nil {
		return nil, err
	}
	return &PlanRef{
		CmdPath:    cmdPath,
		StatusPath: statusPath,
		Status:     status,
		Revision:   node.Revision,
		Resumed:    true,
	}, nil
}

// Fail records a failed status for a command that can not be planned and
// releases its cluster lock. cmd is nil if the command could not be decoded.
func (p *Planner) Fail(ctx context.Context, cmdPath string, cmd *model.Command, cause error) (*PlanRef, error) {
	now := p.clock.Now()
	status := &model.CommandStatus{
		Status:     model.StatusFailed,
		StartTime:  now,
		EndTime:    now,
		UpdateTime: now,
		Error:      cause.Error(),
	}
	if cmd != nil {
		status.ClusterName = cmd.Cluster.ClusterName
		status.Kind = cmd.Kind
	}
	value, err := model.Marshal(status)
	if err != nil {
		return nil, err
	}
	statusPath := model.CommandStatusPath(cmdPath)
	ref := &PlanRef{CmdPath: cmdPath, StatusPath: statusPath, Status: status}
	ref.Revision, err = p.ns.Create(ctx, statusPath, value)
	if cerrors.ErrNodeAlreadyExists.Equal(err) {
		if ref, err = p.load(ctx, cmdPath); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		planCounter.WithLabelValues("failed").Inc()
		log.Warn("command failed before dispatch",
			zap.String("cmd", cmdPath), zap.Error(cause))
	}
	if cmd != nil {
		if err := p.releaseCluster(ctx, cmd.Cluster.ClusterName, cmdPath); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// releaseCluster drops the cluster lock if cmdPath holds it.
func (p *Planner) releaseCluster(ctx context.Context, cluster, cmdPath string) error {
	clusterLock := model.ClusterLockPath(cluster)
	holder, err := p.locks.Holder(ctx, clusterLock)
	if err != nil {
		return err
	}
	if holder != cmdPath {
		return nil
	}
	return p.locks.Release(ctx, clusterLock)
}

// orphanManifest rebuilds the nodes of a cluster that has host nodes but no
// revision. Every role referenced by the delete actions runs on all of them.
func (p *Planner) orphanManifest(ctx context.Context, cluster string, manifest model.ClusterManifest) (*model.ClusterManifest, error) {
	hosts, err := p.history.Hosts(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, cerrors.ErrClusterNotFound.GenWithStackByArgs(cluster)
	}
	var names []string
	seen := make(map[string]struct{})
	addRole := func(role string) {
		if _, ok := seen[role]; ok || role == "" {
			return
		}
		seen[role] = struct{}{}
		names = append(names, role)
	}
	for _, action := range manifest.Config.Actions {
		addRole(action.Role)
		for _, dep := range action.Dependencies {
			for _, role := range dep.Roles {
				addRole(role)
			}
		}
	}
	if len(names) == 0 {
		names = append(names, orphanRole)
	}
	orphan := &model.ClusterManifest{ClusterName: cluster}
	for _, name := range names {
		orphan.Nodes.Roles = append(orphan.Nodes.Roles, model.Role{Name: name, Hosts: hosts})
	}
	return orphan, nil
}

// expand builds the plan of cmd. Validation failures are returned as errors
// for which IsValidationError holds.
func (p *Planner) expand(ctx context.Context, cmdPath string, cmd *model.Command) (*model.CommandStatus, error) {
	manifest := cmd.Cluster
	cluster := manifest.ClusterName
	if cmd.Kind == model.CommandDelete {
		current, err := p.history.Current(ctx, cluster)
		if cerrors.ErrClusterNotFound.Equal(err) {
			current, err = p.orphanManifest(ctx, cluster, manifest)
		}
		if err != nil {
			return nil, err
		}
		if len(manifest.Nodes.Roles) == 0 {
			manifest.Nodes = current.Nodes
		}
		if len(manifest.Software.Roles) == 0 {
			manifest.Software = current.Software
		}
	}

	inUse, err := p.history.HostsInUse(ctx, cluster)
	if err != nil {
		return nil, err
	}
	for _, host := range manifest.Hosts(nil) {
		if owner, ok := inUse[host]; ok {
			return nil, cerrors.ErrHostInUse.GenWithStackByArgs(host, owner)
		}
	}

	actions := manifest.Config.Actions
	var firstID int64
	if len(actions) > 0 {
		if firstID, err = p.ns.ReserveIDs(ctx, actionIDCounter, int64(len(actions))); err != nil {
			return nil, err
		}
	}

	now := p.clock.Now()
	status := &model.CommandStatus{
		ClusterName:   cluster,
		Kind:          cmd.Kind,
		Status:        model.StatusStarted,
		StartTime:     now,
		UpdateTime:    now,
		ActionEntries: make([]model.ActionEntry, 0, len(actions)),
	}
	for i, template := range actions {
		action := template
		action.ID = firstID + int64(i)
		action.CmdPath = cmdPath

		var hosts []string
		if action.Role == "" {
			hosts = manifest.Hosts(nil)
		} else {
			hosts = manifest.Hosts([]string{action.Role})
		}

		action.Dependencies = make([]model.ActionDependency, 0, len(template.Dependencies))
		for _, dep := range template.Dependencies {
			depHosts := manifest.Hosts(dep.Roles)
			if len(depHosts) == 0 {
				return nil, cerrors.ErrMissingDependencyTarget.GenWithStackByArgs(action.ID, dep.Roles)
			}
			resolved := model.ActionDependency{
				Roles:  dep.Roles,
				States: dep.States,
				Hosts:  make([]string, 0, len(depHosts)),
			}
			for _, h := range depHosts {
				resolved.Hosts = append(resolved.Hosts, model.HostPath(cluster, h))
			}
			action.Dependencies = append(action.Dependencies, resolved)
		}

		if action.Kind == model.ActionPackage {
			action.Packages = manifest.Packages(action.Role)
		}

		entry := model.ActionEntry{
			Action:     action,
			HostStatus: make([]model.HostStatusPair, 0, len(hosts)),
		}
		for _, h := range hosts {
			entry.HostStatus = append(entry.HostStatus, model.HostStatusPair{Host: h, Status: model.StatusUnqueued})
		}
		status.TotalActions += len(hosts)
		status.ActionEntries = append(status.ActionEntries, entry)
	}
	return status, nil
}
