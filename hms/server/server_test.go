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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hmsflow/hmsflow/hms/agent"
	"github.com/hmsflow/hmsflow/hms/controller"
	"github.com/hmsflow/hmsflow/hms/hmstest"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/config"
	"github.com/hmsflow/hmsflow/pkg/etcd"
)

const waitFor = 20 * time.Second

type testServer struct {
	t      *testing.T
	s      *Server
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, tester *etcd.Tester, root string, outcome agent.Outcome) *testServer {
	cfg := config.GetDefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.EtcdEndpoints = []string{tester.ClientURL.String()}
	cfg.Root = root
	cfg.Workers = 8
	cfg.SessionTTL = 5
	cfg.SimulateAgents = true
	require.NoError(t, cfg.ValidateAndAdjust())

	s := New(cfg)
	s.outcome = outcome
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.prepare(ctx))
	require.NoError(t, s.startStatusHTTP())
	ts := &testServer{t: t, s: s, cancel: cancel, done: make(chan error, 1)}
	go func() {
		ts.done <- s.run(ctx)
	}()
	require.Eventually(t, func() bool {
		return s.Controller().IsRunning()
	}, waitFor, 10*time.Millisecond)
	return ts
}

func (ts *testServer) stop() {
	ts.cancel()
	select {
	case err := <-ts.done:
		require.NoError(ts.t, err)
	case <-time.After(waitFor):
		require.FailNow(ts.t, "server did not stop")
	}
	ts.s.Close()
}

func (ts *testServer) url(path string) string {
	return fmt.Sprintf("http://%s%s", ts.s.Addr(), path)
}

func (ts *testServer) do(method, path string, body interface{}, out interface{}) int {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.url(path), reader)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	if out != nil && len(data) > 0 {
		require.NoError(ts.t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

func TestServerCommandAPI(t *testing.T) {
	tester := &etcd.Tester{}
	tester.SetUpTest(t)
	defer tester.TearDownTest(t)
	ts := startServer(t, tester, "/test-server-api", agent.Succeed)
	defer ts.stop()

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/health", nil, nil))

	var st Status
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/status", nil, &st))
	require.True(t, st.IsRunning)
	require.True(t, st.SimulateAgents)
	require.Equal(t, ts.s.Controller().ID(), st.ID)

	var controllers []controller.Info
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/controllers", nil, &controllers))
	require.Len(t, controllers, 1)
	require.Equal(t, st.ID, controllers[0].ID)

	var submitted CommandInfo
	code := ts.do(http.MethodPost, "/api/v1/commands", hmstest.CreateCommand("X", "h1", "h2"), &submitted)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, model.CommandPrefix+"0000000000", submitted.ID)

	var info CommandInfo
	require.Eventually(t, func() bool {
		info = CommandInfo{}
		ts.do(http.MethodGet, "/api/v1/commands/"+submitted.ID, nil, &info)
		return info.Status != nil && info.Status.Finalized
	}, waitFor, 20*time.Millisecond)
	require.Equal(t, model.StatusSucceeded, info.Status.Status)
	require.Equal(t, 2, info.Status.CompletedActions)
	require.Equal(t, "X", info.Command.Cluster.ClusterName)

	var list []CommandInfo
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/commands", nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, submitted.ID, list[0].ID)

	var httpErr HTTPError
	require.Equal(t, http.StatusNotFound,
		ts.do(http.MethodGet, "/api/v1/commands/cmd-0000000042", nil, &httpErr))
	require.Equal(t, "HMS:ErrNodeNotExists", httpErr.Code)
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/commands/status", nil, nil))

	// the intake rejects malformed commands before they are queued
	bad := hmstest.CreateCommand("", "h1")
	require.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/api/v1/commands", bad, &httpErr))
	require.Equal(t, http.StatusBadRequest,
		ts.do(http.MethodPost, "/api/v1/commands", map[string]string{"kind": "restart"}, &httpErr))
	require.Equal(t, "HMS:ErrUnknownCommandKind", httpErr.Code)

	require.Equal(t, http.StatusOK,
		ts.do(http.MethodPost, "/admin/log", logLevelRequest{Level: "info"}, nil))
	require.Equal(t, http.StatusBadRequest,
		ts.do(http.MethodPost, "/admin/log", logLevelRequest{Level: "loud"}, nil))

	resp, err := http.Get(ts.url("/metrics"))
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Contains(t, string(metrics), "hms_controller_task_count")
	require.Contains(t, string(metrics), "hms_reconciler_finished_command_count")
}

func TestServerRestartsControllerAfterSessionLoss(t *testing.T) {
	tester := &etcd.Tester{}
	tester.SetUpTest(t)
	defer tester.TearDownTest(t)
	ts := startServer(t, tester, "/test-server-restart", agent.Succeed)
	defer ts.stop()
	ctx := context.Background()

	first := ts.s.Controller().ID()
	ns := ts.s.Controller().Namespace()
	resp, err := tester.Client.Get(ctx, ns.Key(model.ControllerPath(first)))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	_, err = tester.Client.Revoke(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := ts.s.Controller()
		return c.IsRunning() && c.ID() != first
	}, waitFor, 20*time.Millisecond)

	// the new session still runs commands
	var submitted CommandInfo
	require.Equal(t, http.StatusAccepted,
		ts.do(http.MethodPost, "/api/v1/commands", hmstest.CreateCommand("Y", "h1"), &submitted))
	require.Eventually(t, func() bool {
		var info CommandInfo
		ts.do(http.MethodGet, "/api/v1/commands/"+submitted.ID, nil, &info)
		return info.Status != nil && info.Status.Finalized
	}, waitFor, 20*time.Millisecond)
}

func TestServerEmbedEtcd(t *testing.T) {
	cfg := config.GetDefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.EmbedEtcd = true
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.ValidateAndAdjust())

	s := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.prepare(ctx))
	require.NoError(t, s.startStatusHTTP())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, s.run(ctx))
	}()
	require.Eventually(t, func() bool {
		return s.Controller().IsRunning()
	}, waitFor, 10*time.Millisecond)
	cancel()
	wg.Wait()
	s.Close()
}
