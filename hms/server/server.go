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
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hmsflow/hmsflow/hms/agent"
	"github.com/hmsflow/hmsflow/hms/controller"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/config"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/logutil"
	"github.com/hmsflow/hmsflow/pkg/util"
)

const (
	httpConnectionTimeout = 10 * time.Second
	// controllerRestartInterval limits how often a lost controller session
	// is rebuilt.
	controllerRestartInterval = 2 * time.Second
)

// Server runs a controller and serves its status.
type Server struct {
	cfg   *config.ServerConfig
	clock clock.Clock
	// outcome overrides the answers of simulated agents.
	outcome agent.Outcome

	embedEtcd    *embed.Etcd
	etcdCli      *etcd.Client
	controller   *controller.Controller
	listener     net.Listener
	statusServer *http.Server
}

// New creates a Server. cfg must have been validated.
func New(cfg *config.ServerConfig) *Server {
	return &Server{cfg: cfg, clock: clock.New()}
}

// Run starts the server and blocks until ctx is canceled or the server
// fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	if err := s.startStatusHTTP(); err != nil {
		return err
	}
	return s.run(ctx)
}

func (s *Server) prepare(ctx context.Context) error {
	if limit, err := util.GetMemoryLimit(); err != nil {
		log.Warn("failed to get memory limit", zap.Error(err))
	} else {
		log.Info("memory limit", zap.String("limit", humanize.IBytes(limit)))
	}

	endpoints := s.cfg.EtcdEndpoints
	if s.cfg.EmbedEtcd {
		clientURL, e, err := etcd.SetupEmbedEtcd(s.cfg.DataDir)
		if err != nil {
			return errors.Annotate(err, "start embedded etcd")
		}
		s.embedEtcd = e
		endpoints = []string{clientURL.String()}
		log.Info("embedded etcd started",
			zap.String("endpoint", clientURL.String()), zap.String("dataDir", s.cfg.DataDir))
	}

	cli, err := etcd.Dial(endpoints, time.Duration(s.cfg.EtcdDialTimeout))
	if err != nil {
		return errors.Trace(err)
	}
	s.etcdCli = cli
	if err := s.checkEtcd(ctx); err != nil {
		return err
	}

	s.controller = controller.New(cli, controller.Config{
		Root:           s.cfg.Root,
		Workers:        s.cfg.Workers,
		QueueSize:      s.cfg.QueueSize,
		SessionTTL:     s.cfg.SessionTTL,
		Retention:      time.Duration(s.cfg.RetentionWindow),
		SimulateAgents: s.cfg.SimulateAgents,
		AgentOutcome:   s.outcome,
	}, s.clock)
	return nil
}

// checkEtcd fails fast if no endpoint answers.
func (s *Server) checkEtcd(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.EtcdDialTimeout))
	defer cancel()
	_, err := s.etcdCli.Get(ctx, s.cfg.Root+"/"+model.CommandsPath)
	if err != nil {
		return errors.Annotate(err, "connect to etcd")
	}
	return nil
}

func (s *Server) startStatusHTTP() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrServeHTTP, err)
	}
	s.listener = lis

	// discard gin log output
	gin.DefaultWriter = io.Discard
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, s, registry)

	s.statusServer = &http.Server{
		Handler:      router,
		ReadTimeout:  httpConnectionTimeout,
		WriteTimeout: httpConnectionTimeout,
	}
	log.Info("status server is running", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the address the status server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Controller returns the controller of the server, nil before Run.
func (s *Server) Controller() *controller.Controller {
	return s.controller
}

func (s *Server) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, cctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runController(cctx)
	})
	g.Go(func() error {
		err := s.statusServer.Serve(s.listener)
		if err != nil && err != http.ErrServerClosed {
			log.Error("status server error", zap.Error(err))
			return cerrors.WrapError(cerrors.ErrServeHTTP, err)
		}
		return nil
	})
	g.Go(func() error {
		<-cctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpConnectionTimeout)
		defer cancel()
		return errors.Trace(s.statusServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// runController runs the controller until ctx is canceled, starting a new
// session whenever the previous one is lost.
func (s *Server) runController(ctx context.Context) error {
	defer log.Info("the controller routine has exited")
	rl := rate.NewLimiter(rate.Every(controllerRestartInterval), 2)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := rl.Wait(ctx); err != nil {
			if logutil.IsCanceled(err) || ctx.Err() != nil {
				return nil
			}
			return errors.Trace(err)
		}
		err := s.controller.Run(ctx)
		if cerrors.ErrEtcdSessionDone.Equal(err) {
			controllerRestartCounter.Inc()
			log.Warn("controller session lost, restart the controller", zap.Error(err))
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
}

// Close releases the resources of the server.
func (s *Server) Close() {
	if s.statusServer != nil {
		if err := s.statusServer.Close(); err != nil {
			log.Error("close status server", logutil.ZapErrorFilter(err, net.ErrClosed))
		}
		s.statusServer = nil
	}
	if s.etcdCli != nil {
		if err := s.etcdCli.Close(); err != nil {
			log.Warn("close etcd client", zap.Error(err))
		}
		s.etcdCli = nil
	}
	if s.embedEtcd != nil {
		s.embedEtcd.Close()
		s.embedEtcd = nil
	}
}
