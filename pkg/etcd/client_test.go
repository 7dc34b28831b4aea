// Copyright 2020 PingCAP, Inc.
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

package etcd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestRetry(t *testing.T) {
	originValue := maxTries
	// to speedup the test
	maxTries = 2
	defer func() { maxTries = originValue }()

	cli := clientv3.NewCtxClient(context.TODO())
	cli.KV = &mockClient{}
	retrycli := Wrap(cli, nil)
	get, err := retrycli.Get(context.TODO(), "")
	require.NoError(t, err)
	require.NotNil(t, get)

	_, err = retrycli.Put(context.TODO(), "", "")
	require.NotNil(t, err)
	require.Containsf(t, errors.Cause(err).Error(), "mock error", "err:%v", err.Error())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Test Txn case
	// case 0: normal
	rsp, err := retrycli.Txn(ctx, nil, nil, nil)
	require.Nil(t, err)
	require.False(t, rsp.Succeeded)

	// case 1: errors.ErrReachMaxTry
	_, err = retrycli.Txn(ctx, txnEmptyCmps, nil, nil)
	require.Regexp(t, ".*HMS:ErrReachMaxTry.*", err)

	// case 2: errors.ErrReachMaxTry
	_, err = retrycli.Txn(ctx, nil, txnEmptyOpsThen, nil)
	require.Regexp(t, ".*HMS:ErrReachMaxTry.*", err)

	// case 3: context.DeadlineExceeded
	_, err = retrycli.Txn(ctx, txnEmptyCmps, txnEmptyOpsThen, nil)
	require.Equal(t, context.DeadlineExceeded, err)

	// other case: mock error
	_, err = retrycli.Txn(ctx, txnEmptyCmps, txnEmptyOpsThen, TxnEmptyOpsElse)
	require.Containsf(t, errors.Cause(err).Error(), "mock error", "err:%v", err.Error())
}

func TestDelegateLease(t *testing.T) {
	s := &Tester{}
	s.SetUpTest(t)
	defer s.TearDownTest(t)

	ctx := context.Background()
	cli := s.Client

	ttl := int64(10)
	lease, err := cli.Grant(ctx, ttl)
	require.NoError(t, err)

	ttlResp, err := cli.TimeToLive(ctx, lease.ID)
	require.NoError(t, err)
	require.Equal(t, ttl, ttlResp.GrantedTTL)
	require.Less(t, ttlResp.TTL, ttl)
	require.Greater(t, ttlResp.TTL, int64(0))

	_, err = cli.Revoke(ctx, lease.ID)
	require.NoError(t, err)
	ttlResp, err = cli.TimeToLive(ctx, lease.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-1), ttlResp.TTL)
}

// TestWatchChBlocked tests when the watch channel is blocked for too long,
// the channel is reset from the last delivered revision.
func TestWatchChBlocked(t *testing.T) {
	cli := clientv3.NewCtxClient(context.TODO())
	var resetCount, requestCount int32
	var rev int64
	watchCh := make(chan clientv3.WatchResponse, 1)
	cli.Watcher = mockWatcher{
		watchCh:      watchCh,
		resetCount:   &resetCount,
		requestCount: &requestCount,
		rev:          &rev,
	}
	mockClock := clock.NewMock()
	watchCli := Wrap(cli, nil)
	watchCli.clock = mockClock

	key := "/hms/commands/cmd-0000000000"
	revision := int64(7)
	watchCh <- clientv3.WatchResponse{Header: etcdserverpb.ResponseHeader{Revision: revision}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := make(chan clientv3.WatchResponse, 1)
	done := make(chan struct{})
	go func() {
		watchCli.WatchWithChan(ctx, outCh, key, "test", clientv3.WithPrefix(), clientv3.WithRev(1))
		close(done)
	}()

	resp := <-outCh
	require.Equal(t, revision, resp.Header.Revision)

	require.Eventually(t, func() bool {
		mockClock.Add(etcdRequestProgressDuration)
		return atomic.LoadInt32(&resetCount) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Greater(t, atomic.LoadInt32(&requestCount), int32(0))
	require.Equal(t, revision+1, atomic.LoadInt64(&rev))

	cancel()
	<-done
}
