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

package controller

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hmsflow/hmsflow/hms/agent"
	"github.com/hmsflow/hmsflow/hms/dispatcher"
	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/hms/lock"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/hms/planner"
	"github.com/hmsflow/hmsflow/hms/reconciler"
	"github.com/hmsflow/hmsflow/hms/sweeper"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/workerpool"
)

const (
	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 200
	// DefaultSessionTTL is the TTL of the controller session in seconds.
	DefaultSessionTTL = 10

	watchRole = "controller"

	commandCacheSize = 1024
)

// Config configures a Controller.
type Config struct {
	Root       string
	Workers    int
	QueueSize  int
	SessionTTL int
	Retention  time.Duration
	// SimulateAgents makes the controller answer queued actions itself.
	SimulateAgents bool
	AgentOutcome   agent.Outcome
}

func (c *Config) adjust() {
	if c.Root == "" {
		c.Root = etcd.DefaultRoot
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = workerpool.DefaultQueueSize
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.Retention <= 0 {
		c.Retention = sweeper.DefaultRetention
	}
}

// Info is the registration of a running controller.
type Info struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start-time"`
	SimulateAgents bool      `json:"simulate-agents"`
}

// Controller runs the command engine of one process. Any number of
// controllers may share a namespace.
type Controller struct {
	cli   *etcd.Client
	cfg   Config
	clock clock.Clock

	// commands caches decoded command nodes by path and revision.
	commands *lru.Cache

	id      atomic.String
	running atomic.Bool
	pending atomic.Int64
}

// New creates a Controller.
func New(cli *etcd.Client, cfg Config, clk clock.Clock) *Controller {
	cfg.adjust()
	commands, err := lru.New(commandCacheSize)
	if err != nil {
		log.Panic("create command cache failed", zap.Error(err))
	}
	return &Controller{cli: cli, cfg: cfg, clock: clk, commands: commands}
}

// decodeCommand decodes a command node. Command nodes are never rewritten,
// a cached command is only dropped on eviction.
func (c *Controller) decodeCommand(node *etcd.Node) (*model.Command, error) {
	key := node.Path + "@" + strconv.FormatInt(node.Revision, 10)
	if cached, ok := c.commands.Get(key); ok {
		commandCacheCounter.WithLabelValues("hit").Inc()
		return cached.(*model.Command), nil
	}
	commandCacheCounter.WithLabelValues("miss").Inc()
	cmd, err := model.DecodeCommand(node.Value)
	if err != nil {
		return nil, err
	}
	c.commands.Add(key, cmd)
	return cmd, nil
}

// ID returns the id of the current session, or "" before the first one.
func (c *Controller) ID() string {
	return c.id.Load()
}

// IsRunning returns true while a session is active.
func (c *Controller) IsRunning() bool {
	return c.running.Load()
}

// Pending returns the number of queued tasks of the current session.
func (c *Controller) Pending() int64 {
	return c.pending.Load()
}

// Namespace returns the namespace the controller works in.
func (c *Controller) Namespace() *etcd.Namespace {
	return etcd.NewNamespace(c.cli, c.cfg.Root)
}

// Run runs one controller session. It returns nil once ctx is canceled and
// ErrEtcdSessionDone if the session was lost, after which the caller may
// run again with a fresh session.
func (c *Controller) Run(ctx context.Context) error {
	session, err := concurrency.NewSession(c.cli.Unwrap(), concurrency.WithTTL(c.cfg.SessionTTL))
	if err != nil {
		return errors.Annotate(cerrors.WrapError(cerrors.ErrEtcdAPIError, err), "create controller session")
	}
	defer session.Close() //nolint:errcheck

	r := c.newReplica(session)
	c.id.Store(r.id)
	if err := r.register(ctx); err != nil {
		return errors.Trace(err)
	}
	defer r.deregister()
	c.running.Store(true)
	defer c.running.Store(false)
	log.Info("controller started",
		zap.String("id", r.id),
		zap.String("root", c.cfg.Root),
		zap.Int("workers", c.cfg.Workers),
		zap.Bool("simulateAgents", c.cfg.SimulateAgents))

	err = r.run(ctx)
	switch {
	case ctx.Err() != nil:
		sessionCounter.WithLabelValues("canceled").Inc()
		log.Info("controller exited", zap.String("id", r.id))
		return nil
	case cerrors.ErrEtcdSessionDone.Equal(err):
		sessionCounter.WithLabelValues("lost").Inc()
		log.Warn("controller session is lost", zap.String("id", r.id))
		return err
	}
	sessionCounter.WithLabelValues("failed").Inc()
	return errors.Trace(err)
}

// replica is the state of one controller session.
type replica struct {
	c       *Controller
	id      string
	session *concurrency.Session
	ns      *etcd.Namespace
	pool    workerpool.AsyncPool
	retries *retrier

	intake     *intake.Intake
	locks      *lock.Manager
	planner    *planner.Planner
	gate       *dispatcher.Gate
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	sweeper    *sweeper.Sweeper
	agent      *agent.Agent
}

func (c *Controller) newReplica(session *concurrency.Session) *replica {
	ns := etcd.NewNamespace(c.cli, c.cfg.Root)
	h := history.New(ns)
	locks := lock.NewManager(ns, session.Lease())
	gate := dispatcher.NewGate(h)
	r := &replica{
		c:          c,
		id:         uuid.New().String(),
		session:    session,
		ns:         ns,
		pool:       workerpool.NewDefaultAsyncPool(c.cfg.Workers, c.cfg.QueueSize),
		retries:    newRetrier(),
		intake:     intake.New(ns),
		locks:      locks,
		planner:    planner.New(ns, locks, h, c.clock),
		gate:       gate,
		dispatcher: dispatcher.New(ns, h, gate, c.clock),
		reconciler: reconciler.New(ns, h, locks, c.clock),
		sweeper:    sweeper.New(ns, c.clock, c.cfg.Retention),
	}
	if c.cfg.SimulateAgents {
		r.agent = agent.New(ns, c.cfg.AgentOutcome)
	}
	return r
}

func (r *replica) register(ctx context.Context) error {
	value, err := model.Marshal(&Info{
		ID:             r.id,
		StartTime:      r.c.clock.Now(),
		SimulateAgents: r.agent != nil,
	})
	if err != nil {
		return err
	}
	return r.ns.CreateEphemeral(ctx, model.ControllerPath(r.id), value, r.session.Lease())
}

func (r *replica) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ns.Delete(ctx, model.ControllerPath(r.id)); err != nil {
		log.Warn("failed to delete controller registration", zap.String("id", r.id), zap.Error(err))
	}
}

func (r *replica) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.pool.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-r.session.Done():
			return cerrors.ErrEtcdSessionDone.GenWithStackByArgs()
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	g.Go(func() error {
		return r.loop(ctx)
	})
	return g.Wait()
}

// loop replays the namespace from a snapshot and then follows it with a
// watch, starting over from a new snapshot whenever the watch breaks.
func (r *replica) loop(ctx context.Context) error {
	for {
		rev, err := r.rescan(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		watchCtx, cancel := context.WithCancel(ctx)
		err = r.watch(watchCtx, rev+1)
		cancel()
		if err != nil {
			return errors.Trace(err)
		}
	}
}

// watch routes events until ctx is done. It returns nil if the watch must
// be restarted from a fresh snapshot.
func (r *replica) watch(ctx context.Context, rev int64) error {
	ch := r.ns.Watch(ctx, watchRole, rev)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if err := resp.Err(); err != nil {
				log.Warn("controller watch broken, rescan the namespace",
					zap.String("id", r.id), zap.Error(err))
				return nil
			}
			for _, ev := range resp.Events {
				if err := r.route(ctx, ev); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
}
