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

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmsflow/hmsflow/hms/hmstest"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/hms/planner"
)

type cliTester struct {
	t   *testing.T
	env *hmstest.Env
}

func newCliTester(t *testing.T, root string) *cliTester {
	return &cliTester{t: t, env: hmstest.NewEnv(t, root)}
}

// execute runs `hms cli` with args against the embedded etcd and returns
// what it printed.
func (c *cliTester) execute(stdin string, args ...string) (string, error) {
	cmd := NewCmdCli()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{
		"--etcd", c.env.Tester.ClientURL.String(),
		"--root", c.env.Root,
		"--log-level", "error",
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cliTester) writeCommand(cmd *model.Command) string {
	data, err := json.Marshal(cmd)
	require.NoError(c.t, err)
	p := filepath.Join(c.t.TempDir(), "command.json")
	require.NoError(c.t, os.WriteFile(p, data, 0o644))
	return p
}

func TestSubmitListQuery(t *testing.T) {
	c := newCliTester(t, "/test-cli-commands")
	ctx := context.Background()

	file := c.writeCommand(hmstest.CreateCommand("X", "h1", "h2"))
	out, err := c.execute("", "command", "submit", "-f", file)
	require.NoError(t, err)
	require.Contains(t, out, "ID: cmd-0000000000")
	require.Contains(t, out, "Cluster: X")

	// the cluster flag overrides the file
	out, err = c.execute("", "command", "submit", "-f", file, "--cluster", "Y")
	require.NoError(t, err)
	require.Contains(t, out, "ID: cmd-0000000001")

	out, err = c.execute("", "command", "list")
	require.NoError(t, err)
	var summaries []commandSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	require.Equal(t, commandSummary{ID: "cmd-0000000000", Cluster: "X", Kind: model.CommandCreate,
		Status: model.StatusQueued}, summaries[0])

	out, err = c.execute("", "command", "list", "--cluster", "Y")
	require.NoError(t, err)
	summaries = nil
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, "cmd-0000000001", summaries[0].ID)

	cmdPath := model.CommandsPath + "/cmd-0000000000"
	command, err := c.env.Intake.Load(ctx, cmdPath)
	require.NoError(t, err)
	p := planner.New(c.env.NS, c.env.Locks, c.env.History, c.env.Clock)
	_, err = p.Plan(ctx, cmdPath, command)
	require.NoError(t, err)

	out, err = c.execute("", "command", "query", "--id", "cmd-0000000000", "--simple")
	require.NoError(t, err)
	require.Contains(t, out, "cmd-0000000000 create X")
	require.Contains(t, out, string(model.StatusStarted))
	require.Contains(t, out, "0/2")
	require.Contains(t, out, "started: ")

	out, err = c.execute("", "command", "query", "--id", "cmd-0000000000")
	require.NoError(t, err)
	var detail commandDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	require.Equal(t, "X", detail.Command.Cluster.ClusterName)
	require.Equal(t, 2, detail.Status.TotalActions)

	_, err = c.execute("", "command", "query", "--id", "cmd-0000000042")
	require.Regexp(t, "ErrNodeNotExists", err)
}

func TestSubmitRejectsInvalidCommand(t *testing.T) {
	c := newCliTester(t, "/test-cli-invalid")

	_, err := c.execute("", "command", "submit", "--cluster", "X")
	require.Regexp(t, "command kind is required", err)
	_, err = c.execute("", "command", "submit", "--kind", "restart", "--cluster", "X")
	require.Regexp(t, "ErrUnknownCommandKind", err)

	file := c.writeCommand(hmstest.CreateCommand("bad/name", "h1"))
	_, err = c.execute("", "command", "submit", "-f", file)
	require.Regexp(t, "ErrInvalidCommand", err)

	entries, err := c.env.Intake.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubmitDeleteAsksForConfirmation(t *testing.T) {
	c := newCliTester(t, "/test-cli-delete")

	out, err := c.execute("n\n", "command", "submit", "--kind", "delete", "--cluster", "X")
	require.NoError(t, err)
	require.Contains(t, out, "No command is submitted.")

	out, err = c.execute("Y\n", "command", "submit", "--kind", "delete", "--cluster", "X")
	require.NoError(t, err)
	require.Contains(t, out, "Kind: delete")

	out, err = c.execute("", "command", "submit", "--kind", "delete", "--cluster", "X", "--no-confirm")
	require.NoError(t, err)
	require.Contains(t, out, "ID: cmd-0000000001")
}

func TestQueryCluster(t *testing.T) {
	c := newCliTester(t, "/test-cli-cluster")

	_, err := c.execute("", "cluster", "query", "--name", "X")
	require.Regexp(t, "ErrClusterNotFound", err)

	manifest := hmstest.CreateCommand("X", "h1").Cluster
	require.NoError(t, c.env.History.Append(context.Background(), "commands/cmd-seed", manifest))
	out, err := c.execute("", "cluster", "query", "--name", "X")
	require.NoError(t, err)
	var current model.ClusterManifest
	require.NoError(t, json.Unmarshal([]byte(out), &current))
	require.Equal(t, manifest.Hosts(nil), current.Hosts(nil))

	out, err = c.execute("", "cluster", "query", "--name", "X", "--history")
	require.NoError(t, err)
	var h model.ClusterHistory
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	require.Len(t, h.History, 1)
}

func TestSubmitYAMLFile(t *testing.T) {
	c := newCliTester(t, "/test-cli-yaml")

	p := filepath.Join(t.TempDir(), "command.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
kind: create
cluster:
  cluster-name: "Y"
  nodes:
    roles:
      - name: worker
        hosts: [h1, h2]
  config:
    actions:
      - kind: plain
        role: worker
        script: install.sh
`), 0o644))
	out, err := c.execute("", "command", "submit", "-f", p)
	require.NoError(t, err)
	require.Contains(t, out, "Cluster: Y")

	command, err := c.env.Intake.Load(context.Background(), model.CommandsPath+"/cmd-0000000000")
	require.NoError(t, err)
	require.Equal(t, []string{"h1", "h2"}, command.Cluster.Hosts(nil))
	require.Len(t, command.Cluster.Config.Actions, 1)

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("kind: [create"), 0o644))
	_, err = c.execute("", "command", "submit", "-f", bad)
	require.Regexp(t, ".*HMS:ErrUnmarshalFailed.*", err)
}
