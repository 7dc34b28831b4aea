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

package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	reportCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "reconciler",
			Name:      "report_count",
			Help:      "agent reports by how they were handled",
		}, []string{"result"})
	commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "reconciler",
			Name:      "finished_command_count",
			Help:      "commands that reached a terminal status",
		}, []string{"status"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(reportCounter)
	registry.MustRegister(commandCounter)
}
