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

package etcd

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	etcdRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "etcd",
			Name:      "request_count",
			Help:      "request counter of etcd operation",
		}, []string{"type"})

	casConflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hms",
			Subsystem: "etcd",
			Name:      "cas_conflict_count",
			Help:      "compare-and-swap writes rejected because the node changed",
		}, []string{"kind"})
)

// RPCMetrics returns the per operation counters used by Wrap.
func RPCMetrics() map[string]prometheus.Counter {
	metrics := make(map[string]prometheus.Counter)
	for _, rpc := range []string{EtcdPut, EtcdGet, EtcdTxn, EtcdDel, EtcdGrant, EtcdRevoke, EtcdTTL} {
		metrics[rpc] = etcdRequestCounter.WithLabelValues(rpc)
	}
	return metrics
}

// InitMetrics registers all metrics in this file
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(etcdRequestCounter)
	registry.MustRegister(casConflictCounter)
}
