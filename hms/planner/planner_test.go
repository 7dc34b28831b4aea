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
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/hmsflow/hmsflow/hms/hmstest"
	"github.com/hmsflow/hmsflow/hms/model"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

func newPlanner(env *hmstest.Env, r *hmstest.Replica) *Planner {
	return New(r.NS, r.Locks, r.History, env.Clock)
}

func TestPlanCreate(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-create")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	cmd := hmstest.CreateCommand("X", "h2", "h1")
	cmdPath := env.Submit(t, cmd)
	ref, err := p.Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	require.False(t, ref.Resumed)
	require.Equal(t, model.CommandStatusPath(cmdPath), ref.StatusPath)

	status := env.Status(t, cmdPath)
	require.Equal(t, model.StatusStarted, status.Status)
	require.Equal(t, "X", status.ClusterName)
	require.Equal(t, model.CommandCreate, status.Kind)
	require.Equal(t, 2, status.TotalActions)
	require.Equal(t, 0, status.CompletedActions)
	require.Equal(t, env.Clock.Now(), status.StartTime.UTC())
	require.Len(t, status.ActionEntries, 1)
	entry := status.ActionEntries[0]
	require.Equal(t, int64(1), entry.Action.ID)
	require.Equal(t, cmdPath, entry.Action.CmdPath)
	require.Equal(t, []model.HostStatusPair{
		{Host: "h1", Status: model.StatusUnqueued},
		{Host: "h2", Status: model.StatusUnqueued},
	}, entry.HostStatus)

	// the submitted manifest is the first revision until the command ends
	current, err := env.History.Current(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, []string{"h1", "h2"}, current.Hosts(nil))

	holder, err := env.Locks.Holder(ctx, model.ClusterLockPath("X"))
	require.NoError(t, err)
	require.Equal(t, cmdPath, holder)
}

func TestPlanIsIdempotent(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-idempotent")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	cmd := hmstest.CreateCommand("X", "h1")
	cmdPath := env.Submit(t, cmd)
	first, err := p.Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	second, err := p.Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	require.True(t, second.Resumed)
	require.Equal(t, first.Revision, second.Revision)
	require.Equal(t, first.Status.ActionEntries, second.Status.ActionEntries)
}

func TestPlanConcurrentReplicas(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-concurrent")
	ctx := context.Background()

	cmd := hmstest.CreateCommand("X", "h1", "h2")
	cmdPath := env.Submit(t, cmd)

	const replicas = 4
	refs := make([]*PlanRef, replicas)
	planners := make([]*Planner, replicas)
	for i := range planners {
		planners[i] = newPlanner(env, env.NewReplica(t))
	}
	var wg sync.WaitGroup
	for i := range planners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := planners[i].Plan(ctx, cmdPath, cmd)
			require.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	stored := env.Status(t, cmdPath)
	for _, ref := range refs {
		require.Equal(t, refs[0].Revision, ref.Revision)
		require.Equal(t, stored.ActionEntries, ref.Status.ActionEntries)
	}
}

func TestPlanResumeReacquiresClusterLock(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-resume")
	ctx := context.Background()

	cmd := hmstest.CreateCommand("X", "h1")
	cmdPath := env.Submit(t, cmd)
	crashed := env.NewReplica(t)
	_, err := newPlanner(env, crashed).Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	// closing the session revokes its lease and every lock bound to it
	require.NoError(t, crashed.Session.Close())

	ref, err := newPlanner(env, env.Replica).Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	require.True(t, ref.Resumed)
	holder, err := env.Locks.Holder(ctx, model.ClusterLockPath("X"))
	require.NoError(t, err)
	require.Equal(t, cmdPath, holder)
}

func TestPlanClusterLocked(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-locked")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	first := hmstest.CreateCommand("X", "h1")
	firstPath := env.Submit(t, first)
	_, err := p.Plan(ctx, firstPath, first)
	require.NoError(t, err)

	update := hmstest.CreateCommand("X", "h1", "h2")
	update.Kind = model.CommandUpdate
	updatePath := env.Submit(t, update)
	_, err = p.Plan(ctx, updatePath, update)
	require.True(t, cerrors.ErrClusterLocked.Equal(err), "%v", err)
	_, err = env.Intake.Status(ctx, updatePath)
	require.True(t, cerrors.ErrNodeNotExists.Equal(err))

	// other clusters are not blocked
	other := hmstest.CreateCommand("Y", "h3")
	otherPath := env.Submit(t, other)
	_, err = p.Plan(ctx, otherPath, other)
	require.NoError(t, err)
}

func TestPlanFailures(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-failures")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	require.NoError(t, env.History.Append(ctx, "commands/cmd-seed", hmstest.CreateCommand("A", "h1", "h2").Cluster))

	collide := hmstest.CreateCommand("B", "h2", "h3")
	deleteGhost := &model.Command{
		Kind:    model.CommandDelete,
		Cluster: model.ClusterManifest{ClusterName: "ghost"},
	}
	missingDep := hmstest.CreateCommand("C", "h4")
	missingDep.Cluster.Config.Actions[0].Dependencies = []model.ActionDependency{
		{Roles: []string{"db"}, States: []model.StateEntry{{Type: "package", Name: "mysql"}}},
	}

	cases := []struct {
		cmd   *model.Command
		cause *errors.Error
	}{
		{cmd: collide, cause: cerrors.ErrHostInUse},
		{cmd: deleteGhost, cause: cerrors.ErrClusterNotFound},
		{cmd: missingDep, cause: cerrors.ErrMissingDependencyTarget},
	}
	for _, cs := range cases {
		cmdPath := env.Submit(t, cs.cmd)
		ref, err := p.Plan(ctx, cmdPath, cs.cmd)
		require.NoError(t, err)
		require.Equal(t, model.StatusFailed, ref.Status.Status)

		status := env.Status(t, cmdPath)
		require.Equal(t, model.StatusFailed, status.Status)
		require.Equal(t, 0, status.TotalActions)
		require.Empty(t, status.ActionEntries)
		require.Contains(t, status.Error, string(cs.cause.RFCCode()))
		require.False(t, status.EndTime.IsZero())

		holder, err := env.Locks.Holder(ctx, model.ClusterLockPath(cs.cmd.Cluster.ClusterName))
		require.NoError(t, err)
		require.Empty(t, holder)

		// a failed plan is final
		again, err := p.Plan(ctx, cmdPath, cs.cmd)
		require.NoError(t, err)
		require.True(t, again.Resumed)
		require.Equal(t, model.StatusFailed, again.Status.Status)
	}
}

func TestPlanDeleteUsesHistory(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-delete")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	require.NoError(t, env.History.Append(ctx, "commands/cmd-seed", hmstest.CreateCommand("X", "h1", "h2").Cluster))
	cmd := &model.Command{
		Kind: model.CommandDelete,
		Cluster: model.ClusterManifest{
			ClusterName: "X",
			Config: model.ConfigManifest{Actions: []model.Action{
				{Kind: model.ActionPlain, Script: "uninstall.sh"},
			}},
		},
	}
	cmdPath := env.Submit(t, cmd)
	ref, err := p.Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	require.Equal(t, model.StatusStarted, ref.Status.Status)
	require.Equal(t, 2, ref.Status.TotalActions)
	require.Len(t, ref.Status.ActionEntries[0].HostStatus, 2)
	require.Equal(t, "h1", ref.Status.ActionEntries[0].HostStatus[0].Host)
}

func TestPlanDeleteWithoutRevision(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-delete-orphan")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	// host nodes were created but no revision was ever written
	require.NoError(t, env.History.EnsureCluster(ctx, "X", []string{"h2", "h1"}))
	cmd := &model.Command{
		Kind: model.CommandDelete,
		Cluster: model.ClusterManifest{
			ClusterName: "X",
			Config: model.ConfigManifest{Actions: []model.Action{
				{Kind: model.ActionPlain, Role: "worker", Script: "uninstall.sh"},
				{Kind: model.ActionPlain, Script: "cleanup.sh"},
			}},
		},
	}
	cmdPath := env.Submit(t, cmd)
	ref, err := p.Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	require.Equal(t, model.StatusStarted, ref.Status.Status)
	require.Equal(t, 4, ref.Status.TotalActions)
	for _, entry := range ref.Status.ActionEntries {
		require.Equal(t, []model.HostStatusPair{
			{Host: "h1", Status: model.StatusUnqueued},
			{Host: "h2", Status: model.StatusUnqueued},
		}, entry.HostStatus)
	}
	// a delete never seeds a revision
	_, err = env.History.Current(ctx, "X")
	require.True(t, cerrors.ErrClusterNotFound.Equal(err))
}

func TestPlanResolvesPackagesAndDependencies(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-resolve")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	installed := []model.StateEntry{{Type: "package", Name: "namenode", Status: "installed"}}
	cmd := &model.Command{
		Kind: model.CommandCreate,
		Cluster: model.ClusterManifest{
			ClusterName: "X",
			Nodes: model.NodesManifest{Roles: []model.Role{
				{Name: "master", Hosts: []string{"m1"}},
				{Name: "worker", Hosts: []string{"w1", "w2"}},
			}},
			Software: model.SoftwareManifest{Roles: []model.SoftwareRole{
				{Name: "master", Packages: []model.PackageInfo{{Name: "namenode", Version: "3.3"}}},
				{Name: "worker", Packages: []model.PackageInfo{
					{Name: "datanode", Version: "3.3"},
					{Name: "client", Version: "3.3"},
				}},
			}},
			Config: model.ConfigManifest{Actions: []model.Action{
				{Kind: model.ActionPackage, Role: "master", ExpectedResults: installed},
				{
					Kind: model.ActionPackage,
					Role: "worker",
					Dependencies: []model.ActionDependency{
						{Roles: []string{"master"}, States: installed},
					},
				},
				{Kind: model.ActionPlain, Script: "start.sh"},
			}},
		},
	}
	cmdPath := env.Submit(t, cmd)
	ref, err := p.Plan(ctx, cmdPath, cmd)
	require.NoError(t, err)
	entries := ref.Status.ActionEntries
	require.Len(t, entries, 3)
	require.Equal(t, 1+2+3, ref.Status.TotalActions)

	require.Equal(t, []model.PackageInfo{{Name: "namenode", Version: "3.3"}}, entries[0].Action.Packages)
	require.Equal(t, []model.PackageInfo{
		{Name: "datanode", Version: "3.3"},
		{Name: "client", Version: "3.3"},
	}, entries[1].Action.Packages)
	require.Empty(t, entries[2].Action.Packages)

	require.Len(t, entries[1].Action.Dependencies, 1)
	require.Equal(t, []string{model.HostPath("X", "m1")}, entries[1].Action.Dependencies[0].Hosts)
	require.Len(t, entries[2].HostStatus, 3)

	require.Equal(t, entries[0].Action.ID+1, entries[1].Action.ID)
	require.Equal(t, entries[1].Action.ID+1, entries[2].Action.ID)
}

func TestActionIDsAreUniqueAcrossCommands(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-ids")
	ctx := context.Background()

	seen := make(map[int64]string)
	for i, cluster := range []string{"X", "Y", "Z"} {
		r := env.NewReplica(t)
		cmd := hmstest.CreateCommand(cluster, "h"+cluster)
		cmd.Cluster.Config.Actions = append(cmd.Cluster.Config.Actions, model.Action{Script: "start.sh"})
		cmdPath := env.Submit(t, cmd)
		ref, err := newPlanner(env, r).Plan(ctx, cmdPath, cmd)
		require.NoError(t, err, "command %d", i)
		for _, e := range ref.Status.ActionEntries {
			owner, dup := seen[e.Action.ID]
			require.False(t, dup, "action id %d used by %s and %s", e.Action.ID, owner, cmdPath)
			seen[e.Action.ID] = cmdPath
		}
	}
	require.Len(t, seen, 6)
}

func TestFailWithoutCommand(t *testing.T) {
	env := hmstest.NewEnv(t, "/test-plan-fail")
	ctx := context.Background()
	p := newPlanner(env, env.Replica)

	cmdPath := model.CommandsPath + "/cmd-0000000042"
	cause := cerrors.ErrUnknownCommandKind.GenWithStackByArgs("resize")
	ref, err := p.Fail(ctx, cmdPath, nil, cause)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, ref.Status.Status)

	// the first recorded failure wins
	again, err := p.Fail(ctx, cmdPath, nil, cerrors.ErrInvalidCommand.GenWithStackByArgs("other"))
	require.NoError(t, err)
	require.Equal(t, ref.Revision, again.Revision)
	require.Contains(t, again.Status.Error, "ErrUnknownCommandKind")
}
