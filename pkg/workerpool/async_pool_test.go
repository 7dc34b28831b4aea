// Copyright 2021 PingCAP, Inc.
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

package workerpool

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/hmsflow/hmsflow/pkg/leakutil"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestBasic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	errg, ctx := errgroup.WithContext(ctx)

	pool := newDefaultAsyncPoolImpl(4, 0)
	errg.Go(func() error {
		return pool.Run(ctx)
	})

	var sum atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		finalI := i
		err := pool.Go(ctx, "", func(context.Context) {
			time.Sleep(time.Millisecond * time.Duration(rand.Int()%100))
			sum.Add(int32(finalI + 1))
			wg.Done()
		})
		require.NoError(t, err)
	}

	wg.Wait()
	require.Equal(t, int32(5050), sum.Load())
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	err := errg.Wait()
	require.Regexp(t, "context canceled", err)
}

func TestSameKeyRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	errg, ctx := errgroup.WithContext(ctx)
	pool := newDefaultAsyncPoolImpl(8, 0)
	errg.Go(func() error {
		return pool.Run(ctx)
	})

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		finalI := i
		err := pool.Go(ctx, "commands/cmd-0000000001", func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, finalI)
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	wg.Wait()
	for i, v := range order {
		require.Equal(t, i, v)
	}

	cancel()
	_ = errg.Wait()
}

func TestPanicDoesNotStopWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	errg, ctx := errgroup.WithContext(ctx)
	pool := newDefaultAsyncPoolImpl(1, 0)
	errg.Go(func() error {
		return pool.Run(ctx)
	})

	require.NoError(t, pool.Go(ctx, "", func(context.Context) { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, pool.Go(ctx, "", func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "task after panic never ran")
	}

	cancel()
	_ = errg.Wait()
}

func TestEventuallyRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	errg, ctx := errgroup.WithContext(ctx)
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	pool := newDefaultAsyncPoolImpl(4, 0)
	errg.Go(func() error {
		defer cancelLoop()
		for i := 0; i < 10; i++ {
			log.Info("running pool")
			err := runForDuration(ctx, time.Millisecond*500, func(ctx context.Context) error {
				return pool.Run(ctx)
			})
			if err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})

	var sum atomic.Int32
	var sumExpected int32
loop:
	for i := 0; ; i++ {
		select {
		case <-loopCtx.Done():
			break loop
		default:
		}
		finalI := i
		err := pool.Go(loopCtx, "", func(context.Context) {
			if rand.Int()%128 == 0 {
				time.Sleep(2 * time.Millisecond)
			}
			sum.Add(int32(finalI + 1))
		})
		if err != nil {
			require.Regexp(t, "context canceled", err)
		} else {
			sumExpected += int32(i + 1)
		}
	}

	cancel()
	err := errg.Wait()
	require.NoError(t, err)
	require.Equal(t, sumExpected, sum.Load())
}

func runForDuration(ctx context.Context, duration time.Duration, f func(ctx context.Context) error) error {
	timedCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	errCh := make(chan error)
	go func() {
		errCh <- f(timedCtx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Cause(err) == context.DeadlineExceeded {
			return nil
		}
		return errors.Trace(err)
	}
}
