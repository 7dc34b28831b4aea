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
	"hash/fnv"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/retry"
)

const (
	backoffBaseDelayInMs = 1
	maxTries             = 25

	// DefaultQueueSize is the capacity of each worker queue.
	DefaultQueueSize = 1024
)

type defaultAsyncPoolImpl struct {
	workers      []*asyncWorker
	queueSize    int
	nextWorkerID atomic.Int32
	isRunning    atomic.Bool
	pending      atomic.Int64
	runningLock  sync.RWMutex
}

// NewDefaultAsyncPool creates a new AsyncPool that uses the default implementation
func NewDefaultAsyncPool(numWorkers, queueSize int) AsyncPool {
	return newDefaultAsyncPoolImpl(numWorkers, queueSize)
}

func newDefaultAsyncPoolImpl(numWorkers, queueSize int) *defaultAsyncPoolImpl {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &defaultAsyncPoolImpl{
		workers:   make([]*asyncWorker, numWorkers),
		queueSize: queueSize,
	}
}

func (p *defaultAsyncPoolImpl) Go(ctx context.Context, key string, task Task) error {
	if p.doGo(ctx, key, task) == nil {
		return nil
	}

	err := retry.Do(ctx, func() error {
		return errors.Trace(p.doGo(ctx, key, task))
	}, retry.WithBackoffBaseDelay(backoffBaseDelayInMs), retry.WithMaxTries(maxTries), retry.WithIsRetryableErr(isRetryable))
	return errors.Trace(err)
}

func isRetryable(err error) bool {
	return cerrors.IsRetryableError(err) && cerrors.ErrAsyncPoolExited.Equal(err)
}

func (p *defaultAsyncPoolImpl) pick(key string) *asyncWorker {
	if key == "" {
		return p.workers[int(uint32(p.nextWorkerID.Inc()))%len(p.workers)]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.workers[int(h.Sum32()%uint32(len(p.workers)))]
}

func (p *defaultAsyncPoolImpl) doGo(ctx context.Context, key string, task Task) error {
	p.runningLock.RLock()
	defer p.runningLock.RUnlock()

	if !p.isRunning.Load() {
		return cerrors.ErrAsyncPoolExited.GenWithStackByArgs()
	}

	worker := p.pick(key)

	worker.chLock.RLock()
	defer worker.chLock.RUnlock()

	if worker.isClosed.Load() {
		return cerrors.ErrAsyncPoolExited.GenWithStackByArgs()
	}

	p.pending.Inc()
	select {
	case <-ctx.Done():
		p.pending.Dec()
		return errors.Trace(ctx.Err())
	case worker.inputCh <- task:
	}

	return nil
}

func (p *defaultAsyncPoolImpl) Pending() int64 {
	return p.pending.Load()
}

func (p *defaultAsyncPoolImpl) Run(ctx context.Context) error {
	p.prepare()
	errg := errgroup.Group{}

	p.runningLock.Lock()
	p.isRunning.Store(true)
	p.runningLock.Unlock()

	defer func() {
		p.runningLock.Lock()
		p.isRunning.Store(false)
		p.runningLock.Unlock()
	}()

	for _, worker := range p.workers {
		workerFinal := worker
		errg.Go(func() error {
			workerFinal.run(ctx, &p.pending)
			return nil
		})
	}

	errg.Go(func() error {
		<-ctx.Done()
		for _, worker := range p.workers {
			worker.close()
		}
		return ctx.Err()
	})

	return errors.Trace(errg.Wait())
}

func (p *defaultAsyncPoolImpl) prepare() {
	for i := range p.workers {
		p.workers[i] = newAsyncWorker(p.queueSize)
	}
}

type asyncWorker struct {
	inputCh  chan Task
	isClosed atomic.Bool
	chLock   sync.RWMutex
}

func newAsyncWorker(queueSize int) *asyncWorker {
	return &asyncWorker{inputCh: make(chan Task, queueSize)}
}

// run executes tasks until the input channel is closed. Tasks left in the
// queue at that point are still executed, with a canceled ctx.
func (w *asyncWorker) run(ctx context.Context, pending *atomic.Int64) {
	for task := range w.inputCh {
		runTask(ctx, task)
		pending.Dec()
	}
}

func runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task(ctx)
}

func (w *asyncWorker) close() {
	if w.isClosed.Swap(true) {
		return
	}

	w.chLock.Lock()
	defer w.chLock.Unlock()

	close(w.inputCh)
}
