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

package hmstest

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/hms/lock"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
)

// Env is an embedded etcd with the services every component needs.
type Env struct {
	Tester *etcd.Tester
	Root   string
	Clock  *clock.Mock
	*Replica
}

// Replica is what one controller process owns: a client, a session and the
// services bound to them.
type Replica struct {
	NS      *etcd.Namespace
	Session *concurrency.Session
	Locks   *lock.Manager
	History *history.Log
	Intake  *intake.Intake
}

// NewEnv starts an embedded etcd that is torn down with the test.
func NewEnv(t *testing.T, root string) *Env {
	s := &etcd.Tester{}
	s.SetUpTest(t)
	env := &Env{Tester: s, Root: root, Clock: clock.NewMock()}
	env.Clock.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	// cleanups run last in first out, replicas are closed before the server
	t.Cleanup(func() { s.TearDownTest(t) })
	env.Replica = env.NewReplica(t)
	return env
}

// NewReplica dials a new client with its own session, standing for another
// controller process.
func (e *Env) NewReplica(t *testing.T) *Replica {
	cli := e.Tester.NewClient(t)
	session, err := concurrency.NewSession(cli.Unwrap(), concurrency.WithTTL(5))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = session.Close()
		_ = cli.Close()
	})
	ns := etcd.NewNamespace(cli, e.Root)
	return &Replica{
		NS:      ns,
		Session: session,
		Locks:   lock.NewManager(ns, session.Lease()),
		History: history.New(ns),
		Intake:  intake.New(ns),
	}
}

// Submit queues cmd and returns its path.
func (e *Env) Submit(t *testing.T, cmd *model.Command) string {
	p, err := e.Intake.Submit(context.Background(), cmd)
	require.NoError(t, err)
	return p
}

// Status reads the status of a command.
func (e *Env) Status(t *testing.T, cmdPath string) *model.CommandStatus {
	status, err := e.Intake.Status(context.Background(), cmdPath)
	require.NoError(t, err)
	return status
}

// CreateCommand builds a create command for cluster with one worker role
// and one plain action without dependencies.
func CreateCommand(cluster string, hosts ...string) *model.Command {
	return &model.Command{
		Kind: model.CommandCreate,
		Cluster: model.ClusterManifest{
			ClusterName: cluster,
			Nodes: model.NodesManifest{Roles: []model.Role{
				{Name: "worker", Hosts: hosts},
			}},
			Config: model.ConfigManifest{Actions: []model.Action{
				{Kind: model.ActionPlain, Role: "worker", Script: "install.sh"},
			}},
		},
	}
}

// Actions lists the action nodes queued for host.
func (e *Env) Actions(t *testing.T, cluster, host string) []*etcd.Node {
	nodes, err := e.NS.Children(context.Background(), model.ActionQueuePath(cluster, host))
	require.NoError(t, err)
	return nodes
}

// Report answers the action at actionPath the way an agent does and returns
// the path of the report.
func (e *Env) Report(t *testing.T, actionPath string, status model.Status) string {
	ctx := context.Background()
	node, err := e.NS.Get(ctx, actionPath)
	require.NoError(t, err)
	action := &model.Action{}
	require.NoError(t, model.Unmarshal(node.Value, action))
	key := model.ParseKey(actionPath)
	require.Equal(t, model.KeyAction, key.Kind)

	report := &model.ActionStatus{
		ActionID:        action.ID,
		Host:            key.Host,
		Status:          status,
		CmdPath:         action.CmdPath,
		ActionPath:      actionPath,
		ExpectedResults: action.ExpectedResults,
	}
	if status == model.StatusFailed {
		report.Error = "exit status 1"
	}
	value, err := model.Marshal(report)
	require.NoError(t, err)
	p, err := e.NS.CreateSequential(ctx, model.ReportQueuePath(key.Cluster, key.Host), model.ReportPrefix, value)
	require.NoError(t, err)
	return p
}
