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

package retry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

)

func TestDoShouldRetryAtMostSpecifiedTimes(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3))
	require.Regexp(t, "test", errors.Cause(err))
	require.Regexp(t, ".*HMS:ErrReachMaxTry.*", err)
	require.Equal(t, 3, callCount)
}

func TestDoShouldStopOnSuccess(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		if callCount == 2 {
			return nil
		}
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3))
	require.Nil(t, err)
	require.Equal(t, 2, callCount)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.Annotate(context.Canceled, "test")
	}

	err := Do(context.Background(), f, WithMaxTries(3), WithIsRetryableErr(func(err error) bool {
		switch errors.Cause(err) {
		case context.Canceled:
			return false
		}
		return true
	}))

	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 1, callCount)
}

func TestDoCancelInfiniteRetry(t *testing.T) {
	t.Parallel()

	callCount := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	f := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithBackoffBaseDelay(2), WithBackoffMaxDelay(10))
	require.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	require.GreaterOrEqual(t, callCount, 1, "tries: %d", callCount)
	require.Less(t, callCount, math.MaxInt64)
}

func TestDoCancelAtBeginning(t *testing.T) {
	t.Parallel()

	callCount := 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithBackoffBaseDelay(2), WithBackoffMaxDelay(10))
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 0, callCount, "tries:%d", callCount)
}

func TestDoStopsAfterTotalRetryDuration(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	start := time.Now()
	err := Do(context.Background(), f,
		WithBackoffBaseDelay(10), WithBackoffMaxDelay(10),
		WithTotalRetryDuratoin(100*time.Millisecond))
	require.Regexp(t, ".*HMS:ErrReachMaxTry.*", err)
	require.Greater(t, callCount, 2)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDoCornerCases(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithBackoffBaseDelay(math.MinInt64), WithBackoffMaxDelay(math.MaxInt64), WithMaxTries(2))
	require.Regexp(t, "test", errors.Cause(err))
	require.Equal(t, 2, callCount)

	callCount = 0
	err = Do(context.Background(), f, WithBackoffBaseDelay(2), WithBackoffMaxDelay(math.MaxInt64), WithMaxTries(0))
	require.Regexp(t, "test", errors.Cause(err))
	require.Equal(t, 1, callCount)
}

func TestGetBackoffInMs(t *testing.T) {
	t.Parallel()

	for try := 1; try < 20; try++ {
		backoff := getBackoffInMs(10, 100, float64(try))
		require.GreaterOrEqual(t, backoff, 10*time.Millisecond)
		require.LessOrEqual(t, backoff, 100*time.Millisecond)
	}
}
