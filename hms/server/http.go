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
	"net/http"
	"net/http/pprof"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/controller"
	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/hms/model"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/logutil"
	"github.com/hmsflow/hmsflow/pkg/util"
	"github.com/hmsflow/hmsflow/pkg/version"
)

// Status is the response of the status API.
type Status struct {
	Version        string `json:"version"`
	GitHash        string `json:"git_hash"`
	ID             string `json:"id"`
	Pid            int    `json:"pid"`
	IsRunning      bool   `json:"is_running"`
	PendingTasks   int64  `json:"pending_tasks"`
	SimulateAgents bool   `json:"simulate_agents"`
	// MemoryLimit is human readable, e.g. "16 GiB".
	MemoryLimit       string  `json:"memory_limit,omitempty"`
	MemoryUsedPercent float64 `json:"memory_used_percent,omitempty"`
}

// HTTPError is the body of a failed API call.
type HTTPError struct {
	Error string `json:"error_msg"`
	Code  string `json:"error_code"`
}

// CommandInfo is a queued command and its status as served by the API.
type CommandInfo struct {
	ID      string               `json:"id"`
	Command *model.Command       `json:"command,omitempty"`
	Status  *model.CommandStatus `json:"status,omitempty"`
}

type logLevelRequest struct {
	Level string `json:"log_level"`
}

func registerRoutes(router *gin.Engine, s *Server, registry prometheus.Gatherer) {
	router.GET("/status", s.handleStatus)
	router.GET("/api/v1/health", s.handleHealth)
	router.POST("/admin/log", handleAdminLogLevel)

	v1 := router.Group("/api/v1")
	v1.GET("/controllers", s.handleListControllers)
	commands := v1.Group("/commands")
	{
		commands.GET("", s.handleListCommands)
		commands.POST("", s.handleSubmitCommand)
		commands.GET("/:id", s.handleGetCommand)
	}

	pprofGroup := router.Group("/debug/pprof/")
	pprofGroup.GET("", gin.WrapF(pprof.Index))
	pprofGroup.GET("/:any", gin.WrapF(pprof.Index))
	pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
	pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))

	if util.FailpointBuild {
		// `http.StripPrefix` is needed because `failpoint.HttpHandler` assumes that it handles the prefix `/`.
		router.Any("/debug/fail/*any", gin.WrapH(http.StripPrefix("/debug/fail", &failpoint.HttpHandler{})))
	}

	router.Any("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
}

func (s *Server) handleStatus(c *gin.Context) {
	st := Status{
		Version:        version.ReleaseVersion,
		GitHash:        version.GitHash,
		Pid:            os.Getpid(),
		SimulateAgents: s.cfg.SimulateAgents,
	}
	if s.controller != nil {
		st.ID = s.controller.ID()
		st.IsRunning = s.controller.IsRunning()
		st.PendingTasks = s.controller.Pending()
	}
	if limit, err := util.GetMemoryLimit(); err == nil {
		st.MemoryLimit = humanize.IBytes(limit)
	}
	if used, err := util.GetMemoryUsedPercent(); err == nil {
		st.MemoryUsedPercent = used
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.controller == nil || !s.controller.IsRunning() {
		writeError(c, cerrors.ErrControllerNotRunning.GenWithStackByArgs())
		return
	}
	c.Status(http.StatusOK)
}

func handleAdminLogLevel(c *gin.Context) {
	var req logLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, cerrors.ErrInvalidServerOption.GenWithStack("invalid log level request: %s", err.Error()))
		return
	}
	if err := logutil.SetLogLevel(req.Level); err != nil {
		writeError(c, cerrors.ErrInvalidServerOption.GenWithStack("invalid log level %s", req.Level))
		return
	}
	log.Warn("log level changed", zap.String("level", req.Level))
	c.Status(http.StatusOK)
}

func (s *Server) handleListControllers(c *gin.Context) {
	nodes, err := s.controller.Namespace().Children(c.Request.Context(), model.ControllersPath)
	if err != nil {
		writeError(c, err)
		return
	}
	infos := make([]controller.Info, 0, len(nodes))
	for _, node := range nodes {
		var info controller.Info
		if err := model.Unmarshal(node.Value, &info); err != nil {
			writeError(c, err)
			return
		}
		infos = append(infos, info)
	}
	c.IndentedJSON(http.StatusOK, infos)
}

func (s *Server) intake() *intake.Intake {
	return intake.New(s.controller.Namespace())
}

func (s *Server) handleListCommands(c *gin.Context) {
	entries, err := s.intake().List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	infos := make([]CommandInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, CommandInfo{ID: commandID(e.Path), Status: e.Status})
	}
	c.IndentedJSON(http.StatusOK, infos)
}

func (s *Server) handleGetCommand(c *gin.Context) {
	id := c.Param("id")
	if !strings.HasPrefix(id, model.CommandPrefix) || strings.Contains(id, "/") {
		writeError(c, cerrors.ErrInvalidEtcdKey.GenWithStackByArgs(id))
		return
	}
	ctx := c.Request.Context()
	cmdPath := model.CommandsPath + "/" + id
	in := s.intake()
	cmd, err := in.Load(ctx, cmdPath)
	if err != nil {
		writeError(c, err)
		return
	}
	info := CommandInfo{ID: id, Command: cmd}
	info.Status, err = in.Status(ctx, cmdPath)
	if err != nil && !cerrors.ErrNodeNotExists.Equal(err) {
		writeError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, info)
}

func (s *Server) handleSubmitCommand(c *gin.Context) {
	var cmd model.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		if !cerrors.IsValidationError(err) {
			err = cerrors.ErrInvalidCommand.GenWithStackByArgs(err.Error())
		}
		writeError(c, err)
		return
	}
	p, err := s.intake().Submit(c.Request.Context(), &cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.IndentedJSON(http.StatusAccepted, CommandInfo{ID: commandID(p), Command: &cmd})
}

func commandID(cmdPath string) string {
	return cmdPath[strings.LastIndex(cmdPath, "/")+1:]
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case cerrors.ErrNodeNotExists.Equal(err):
		code = http.StatusNotFound
	case cerrors.ErrControllerNotRunning.Equal(err):
		code = http.StatusServiceUnavailable
	case cerrors.IsValidationError(err),
		cerrors.ErrInvalidEtcdKey.Equal(err),
		cerrors.ErrInvalidServerOption.Equal(err):
		code = http.StatusBadRequest
	}
	var rfcCode string
	if e, ok := errors.Cause(err).(*errors.Error); ok {
		rfcCode = string(e.RFCCode())
	}
	c.IndentedJSON(code, HTTPError{Error: err.Error(), Code: rfcCode})
}
