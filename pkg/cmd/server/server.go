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

package server

import (
	"context"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/server"
	"github.com/hmsflow/hmsflow/pkg/cmd/util"
	"github.com/hmsflow/hmsflow/pkg/config"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/version"
)

// options defines flags for the `server` command.
type options struct {
	serverEtcdAddr       string
	serverConfigFilePath string

	serverConfig *config.ServerConfig
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultCfg := config.GetDefaultServerConfig()
	cmd.Flags().StringVar(&o.serverEtcdAddr, "etcd", strings.Join(defaultCfg.EtcdEndpoints, ","),
		"Set the etcd endpoints to use. Use ',' to separate multiple endpoints")
	cmd.Flags().StringVar(&o.serverConfig.Addr, "addr", defaultCfg.Addr, "Set the listening address of the status server")
	cmd.Flags().StringVar(&o.serverConfig.Root, "root", defaultCfg.Root, "etcd directory of the hms cluster")
	cmd.Flags().BoolVar(&o.serverConfig.EmbedEtcd, "embed-etcd", defaultCfg.EmbedEtcd,
		"Start a single node etcd inside the server, for development only")
	cmd.Flags().StringVar(&o.serverConfig.DataDir, "data-dir", defaultCfg.DataDir, "Data directory of the embedded etcd")
	cmd.Flags().StringVar(&o.serverConfig.LogFile, "log-file", defaultCfg.LogFile, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.LogLevel, "log-level", defaultCfg.LogLevel, "log level (etc: debug|info|warn|error)")
	cmd.Flags().IntVar(&o.serverConfig.Workers, "workers", defaultCfg.Workers, "Size of the controller worker pool")
	cmd.Flags().IntVar(&o.serverConfig.SessionTTL, "session-ttl", defaultCfg.SessionTTL,
		"Controller session TTL, specified in seconds")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.RetentionWindow), "retention-window",
		time.Duration(defaultCfg.RetentionWindow), "How long finished commands are kept")
	cmd.Flags().BoolVar(&o.serverConfig.SimulateAgents, "simulate-agents", defaultCfg.SimulateAgents,
		"Answer queued actions in the controller instead of real host agents")

	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

// run runs the server.
func (o *options) run(cmd *cobra.Command) error {
	cancel := util.InitCmd(cmd, o.serverConfig.LoggerConfig())
	defer cancel()

	log.Info("hms server config", zap.Stringer("config", o.serverConfig))
	version.LogVersionInfo()
	for _, path := range failpoint.List() {
		status, err := failpoint.Status(path)
		if err != nil {
			log.Error("fail to get failpoint status", zap.Error(err))
		}
		log.Info("failpoint enabled", zap.String("path", path), zap.String("status", status))
	}
	util.LogHTTPProxies()

	ctx, stop := context.WithCancel(util.GetDefaultContext())
	defer stop()
	done := make(chan struct{})
	util.InitSignalHandling(func() <-chan struct{} {
		stop()
		return done
	}, cancel)

	srv := server.New(o.serverConfig)
	err := srv.Run(ctx)
	srv.Close()
	close(done)
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run server", zap.String("error", errors.ErrorStack(err)))
		return errors.Annotate(err, "run server")
	}
	log.Info("hms server exits successfully")
	return nil
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := config.GetDefaultServerConfig()

	if len(o.serverConfigFilePath) > 0 {
		if err := util.StrictDecodeFile(o.serverConfigFilePath, "hms server", cfg); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "etcd":
			cfg.EtcdEndpoints = strings.Split(o.serverEtcdAddr, ",")
		case "addr":
			cfg.Addr = o.serverConfig.Addr
		case "root":
			cfg.Root = o.serverConfig.Root
		case "embed-etcd":
			cfg.EmbedEtcd = o.serverConfig.EmbedEtcd
		case "data-dir":
			cfg.DataDir = o.serverConfig.DataDir
		case "log-file":
			cfg.LogFile = o.serverConfig.LogFile
		case "log-level":
			cfg.LogLevel = o.serverConfig.LogLevel
		case "workers":
			cfg.Workers = o.serverConfig.Workers
		case "session-ttl":
			cfg.SessionTTL = o.serverConfig.SessionTTL
		case "retention-window":
			cfg.RetentionWindow = o.serverConfig.RetentionWindow
		case "simulate-agents":
			cfg.SimulateAgents = o.serverConfig.SimulateAgents
		case "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if cfg.EmbedEtcd {
		cmd.Print(color.HiYellowString("[WARN] hms server runs an embedded etcd. "+
			"Its data lives in %s and is not replicated.\n", cfg.DataDir))
	}
	o.serverConfig = cfg
	return nil
}

// validate checks that the provided attach options are specified.
func (o *options) validate() error {
	if o.serverConfig.EmbedEtcd {
		return nil
	}
	for _, ep := range o.serverConfig.EtcdEndpoints {
		if err := util.VerifyEtcdEndpoint(ep); err != nil {
			return cerrors.ErrInvalidServerOption.Wrap(err).GenWithStackByCause()
		}
	}
	return nil
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start an hms controller server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			if err := o.validate(); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
