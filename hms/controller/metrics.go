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

import "github.com/prometheus/client_golang/prometheus"

var (
	eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "controller",
			Name:      "watch_event_count",
			Help:      "watch events by the kind of node they touched",
		}, []string{"kind"})
	taskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "controller",
			Name:      "task_count",
			Help:      "tasks run by the worker pool",
		}, []string{"type", "result"})
	pendingTaskGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hms",
			Subsystem: "controller",
			Name:      "pending_task_count",
			Help:      "tasks queued in the worker pool",
		})
	sessionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "controller",
			Name:      "session_count",
			Help:      "controller sessions by how they ended",
		}, []string{"result"})
	commandCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "controller",
			Name:      "command_cache_count",
			Help:      "decoded command lookups by cache result",
		}, []string{"result"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(eventCounter)
	registry.MustRegister(taskCounter)
	registry.MustRegister(pendingTaskGauge)
	registry.MustRegister(sessionCounter)
	registry.MustRegister(commandCacheCounter)
}
