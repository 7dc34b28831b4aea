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

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/leakutil"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func testManifest() ClusterManifest {
	return ClusterManifest{
		ClusterName: "X",
		Nodes: NodesManifest{Roles: []Role{
			{Name: "master", Hosts: []string{"h0"}},
			{Name: "worker", Hosts: []string{"h2", "h1"}},
		}},
		Software: SoftwareManifest{Roles: []SoftwareRole{
			{Name: "master", Packages: []PackageInfo{{Name: "namenode"}, {Name: "common"}}},
			{Name: "worker", Packages: []PackageInfo{{Name: "datanode"}, {Name: "common"}}},
		}},
	}
}

func TestStatusOrder(t *testing.T) {
	t.Parallel()

	require.True(t, StatusUnqueued.Advances(StatusQueued))
	require.True(t, StatusQueued.Advances(StatusStarted))
	require.True(t, StatusQueued.Advances(StatusFailed))
	require.True(t, StatusStarted.Advances(StatusSucceeded))
	require.False(t, StatusQueued.Advances(StatusUnqueued))
	require.False(t, StatusSucceeded.Advances(StatusFailed))
	require.False(t, StatusFailed.Advances(StatusSucceeded))
	require.False(t, StatusStarted.Advances(Status("BOGUS")))
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusStarted.Terminal())
	require.False(t, Status("BOGUS").Valid())
}

func TestManifestResolution(t *testing.T) {
	t.Parallel()

	m := testManifest()
	require.Equal(t, []string{"h0", "h1", "h2"}, m.Hosts(nil))
	require.Equal(t, []string{"h1", "h2"}, m.Hosts([]string{"worker"}))
	require.Empty(t, m.Hosts([]string{"gateway"}))
	require.Empty(t, m.Hosts([]string{}))

	require.Equal(t, []PackageInfo{{Name: "datanode"}, {Name: "common"}}, m.Packages("worker"))
	require.Equal(t, []PackageInfo{{Name: "namenode"}, {Name: "common"}, {Name: "datanode"}}, m.Packages(""))
}

func TestMachineState(t *testing.T) {
	t.Parallel()

	installed := StateEntry{Type: "package", Name: "hdfs", Status: "installed"}
	started := StateEntry{Type: "service", Name: "hdfs", Status: "started"}
	s := &MachineState{}
	require.True(t, s.Contains(nil))
	require.False(t, s.Contains([]StateEntry{installed}))
	require.True(t, s.Merge([]StateEntry{started, installed}))
	require.False(t, s.Merge([]StateEntry{installed}))
	require.True(t, s.Contains([]StateEntry{installed, started}))
	require.Equal(t, []StateEntry{installed, started}, s.States)
}

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	cmd := &Command{Kind: CommandCreate, Cluster: testManifest()}
	cmd.Cluster.Config.Actions = []Action{{Role: "worker", Script: "start.sh"}}
	data, err := Marshal(cmd)
	require.NoError(t, err)
	decoded, err := DecodeCommand(data)
	require.NoError(t, err)
	require.Equal(t, ActionPlain, decoded.Cluster.Config.Actions[0].Kind)
	require.Equal(t, CommandCreate, decoded.Kind)

	_, err = DecodeCommand([]byte(`{"kind":"restart","cluster":{"cluster-name":"X"}}`))
	require.True(t, cerrors.ErrUnknownCommandKind.Equal(err), "%v", err)
	require.True(t, cerrors.IsValidationError(err))

	_, err = DecodeCommand([]byte(`{"kind":"create","cluster":{"cluster-name":"X",` +
		`"nodes":{"roles":[{"name":"w","hosts":["h1"]}]},"config":{"actions":[{"kind":"reboot"}]}}}`))
	require.True(t, cerrors.ErrUnknownActionKind.Equal(err), "%v", err)

	_, err = DecodeCommand([]byte(`{"kind":"create","cluster":{"cluster-name":"a/b"}}`))
	require.True(t, cerrors.ErrInvalidCommand.Equal(err), "%v", err)

	_, err = DecodeCommand([]byte(`{"kind":"create","cluster":{"cluster-name":"empty"}}`))
	require.True(t, cerrors.ErrInvalidCommand.Equal(err), "%v", err)

	_, err = DecodeCommand([]byte(`{"kind":"delete","cluster":{"cluster-name":"X"}}`))
	require.NoError(t, err)

	_, err = DecodeCommand([]byte(`not json`))
	require.Error(t, err)
	require.False(t, cerrors.IsValidationError(err))
}

func TestCommandStatus(t *testing.T) {
	t.Parallel()

	s := &CommandStatus{
		Status: StatusStarted,
		ActionEntries: []ActionEntry{
			{Action: Action{ID: 1}, HostStatus: []HostStatusPair{{"h1", StatusSucceeded}, {"h2", StatusFailed}}},
			{Action: Action{ID: 2}, HostStatus: []HostStatusPair{{"h1", StatusFailed}}},
		},
	}
	e, p, ok := s.Locate(1, "h2")
	require.True(t, ok)
	require.Equal(t, 0, e)
	require.Equal(t, 1, p)
	_, _, ok = s.Locate(2, "h2")
	require.False(t, ok)
	require.False(t, s.AllSucceeded())
	require.False(t, s.ActionEntries[0].AllFailed())
	require.True(t, s.ActionEntries[1].AllFailed())
	require.False(t, s.ActionEntries[1].HasUnqueued())

	now := time.Now()
	require.True(t, s.Finish(StatusFailed, now))
	require.False(t, s.Finish(StatusSucceeded, now))
	require.Equal(t, StatusFailed, s.Status)
	require.Equal(t, now, s.EndTime)
}

func TestParseKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want Key
	}{
		{"commands/cmd-0000000001", Key{Kind: KeyCommand, Command: "commands/cmd-0000000001"}},
		{"commands/cmd-0000000001/status", Key{Kind: KeyCommandStatus, Command: "commands/cmd-0000000001"}},
		{"commands/cmd-0000000001/status/h1-3", Key{Kind: KeyFailureRecord, Command: "commands/cmd-0000000001", Name: "h1-3"}},
		{"clusters/X", Key{Kind: KeyCluster, Cluster: "X"}},
		{"clusters/X/h1", Key{Kind: KeyHost, Cluster: "X", Host: "h1"}},
		{"clusters/X/h1/action/action-0000000000", Key{Kind: KeyAction, Cluster: "X", Host: "h1", Name: "action-0000000000"}},
		{"clusters/X/h1/status/status-0000000002", Key{Kind: KeyReport, Cluster: "X", Host: "h1", Name: "status-0000000002"}},
		{"clusters/X/h1/status/other", Key{}},
		{"locks/cluster/X", Key{Kind: KeyClusterLock, Cluster: "X", Name: "X"}},
		{"locks/task/commands/cmd-0000000001", Key{Kind: KeyTaskLock, Name: "commands/cmd-0000000001"}},
		{"controllers/abc", Key{Kind: KeyController, Name: "abc"}},
		{"seq/commands/cmd-", Key{}},
	}
	for _, c := range cases {
		c.want.Path = c.path
		require.Equal(t, c.want, ParseKey(c.path), c.path)
	}

	require.Equal(t, "locks/task/clusters/X/h1/status/status-0000000002",
		TaskLockPath(ReportQueuePath("X", "h1")+"/status-0000000002"))
	require.Equal(t, "commands/cmd-0000000001/status/h1-3", FailureRecordPath("commands/cmd-0000000001", "h1", 3))
}
