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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hmsflow/hmsflow/hms/controller"
	"github.com/hmsflow/hmsflow/hms/dispatcher"
	"github.com/hmsflow/hmsflow/hms/lock"
	"github.com/hmsflow/hmsflow/hms/planner"
	"github.com/hmsflow/hmsflow/hms/reconciler"
	"github.com/hmsflow/hmsflow/hms/sweeper"
	"github.com/hmsflow/hmsflow/pkg/etcd"
)

var registry = prometheus.NewRegistry()

var controllerRestartCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hms",
		Subsystem: "server",
		Name:      "controller_restart_count",
		Help:      "controller restarts after a lost session",
	})

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollections(collectors.GoRuntimeMemStatsCollection | collectors.GoRuntimeMetricsCollection)))

	registry.MustRegister(controllerRestartCounter)
	etcd.InitMetrics(registry)
	lock.InitMetrics(registry)
	planner.InitMetrics(registry)
	dispatcher.InitMetrics(registry)
	reconciler.InitMetrics(registry)
	sweeper.InitMetrics(registry)
	controller.InitMetrics(registry)
}
