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

package history

import (
	"context"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// Log keeps the revisions of every cluster manifest and the machine state of
// every host.
type Log struct {
	ns *etcd.Namespace
}

// New creates a Log.
func New(ns *etcd.Namespace) *Log {
	return &Log{ns: ns}
}

// Load reads the history of cluster.
func (l *Log) Load(ctx context.Context, cluster string) (*model.ClusterHistory, error) {
	node, err := l.ns.Get(ctx, model.ClusterPath(cluster))
	if cerrors.ErrNodeNotExists.Equal(err) {
		return nil, cerrors.ErrClusterNotFound.GenWithStackByArgs(cluster)
	}
	if err != nil {
		return nil, err
	}
	return decodeHistory(node.Value)
}

// Current returns the latest manifest of cluster.
func (l *Log) Current(ctx context.Context, cluster string) (*model.ClusterManifest, error) {
	h, err := l.Load(ctx, cluster)
	if err != nil {
		return nil, err
	}
	current, ok := h.Current()
	if !ok {
		return nil, cerrors.ErrClusterNotFound.GenWithStackByArgs(cluster)
	}
	return current, nil
}

// Append adds the revision written by the command at cmdPath to the history
// of the manifest's cluster. A command appends at most one revision, so
// replaying its finalization is a no-op.
func (l *Log) Append(ctx context.Context, cmdPath string, manifest model.ClusterManifest) error {
	appended := false
	_, err := l.ns.Patch(ctx, model.ClusterPath(manifest.ClusterName), func(old []byte) ([]byte, bool, error) {
		appended = false
		h, err := decodeHistory(old)
		if err != nil {
			return nil, false, err
		}
		if h.LastCommand() == cmdPath {
			return nil, false, nil
		}
		// revisions written before commands were recorded have no path
		for len(h.Commands) < len(h.History) {
			h.Commands = append(h.Commands, "")
		}
		h.History = append(h.History, manifest)
		h.Commands = append(h.Commands, cmdPath)
		value, err := model.Marshal(h)
		appended = true
		return value, true, err
	})
	if err == nil && appended {
		log.Info("cluster history appended",
			zap.String("cluster", manifest.ClusterName), zap.String("cmd", cmdPath))
	}
	return err
}

// Seed creates the cluster node with the manifest of the command at cmdPath
// as its first revision. An existing cluster is left untouched.
func (l *Log) Seed(ctx context.Context, cmdPath string, manifest model.ClusterManifest) error {
	value, err := model.Marshal(&model.ClusterHistory{
		History:  []model.ClusterManifest{manifest},
		Commands: []string{cmdPath},
	})
	if err != nil {
		return err
	}
	_, err = l.ns.Create(ctx, model.ClusterPath(manifest.ClusterName), value)
	if cerrors.ErrNodeAlreadyExists.Equal(err) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("cluster history seeded",
		zap.String("cluster", manifest.ClusterName), zap.String("cmd", cmdPath))
	return nil
}

// Remove deletes the cluster with its hosts and their queues.
func (l *Log) Remove(ctx context.Context, cluster string) error {
	if cluster == "" {
		return cerrors.ErrClusterNotFound.GenWithStackByArgs(cluster)
	}
	if err := l.ns.DeleteTree(ctx, model.ClusterPath(cluster)); err != nil {
		return err
	}
	log.Info("cluster removed", zap.String("cluster", cluster))
	return nil
}

// EnsureCluster creates the cluster node and a host node for every host if
// they are missing. Existing nodes are left untouched.
func (l *Log) EnsureCluster(ctx context.Context, cluster string, hosts []string) error {
	empty, err := model.Marshal(&model.ClusterHistory{})
	if err != nil {
		return err
	}
	if err := l.createIfAbsent(ctx, model.ClusterPath(cluster), empty); err != nil {
		return err
	}
	state, err := model.Marshal(&model.MachineState{})
	if err != nil {
		return err
	}
	for _, host := range hosts {
		if err := l.createIfAbsent(ctx, model.HostPath(cluster, host), state); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) createIfAbsent(ctx context.Context, p string, value []byte) error {
	_, err := l.ns.Create(ctx, p, value)
	if cerrors.ErrNodeAlreadyExists.Equal(err) {
		return nil
	}
	return err
}

// HostsInUse maps every host reserved by a cluster other than except to that
// cluster. A cluster reserves the hosts of its current revision, or the host
// nodes created for it while its first command is running.
func (l *Log) HostsInUse(ctx context.Context, except string) (map[string]string, error) {
	clusters, err := l.ns.Children(ctx, model.ClustersPath)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]string)
	for _, node := range clusters {
		cluster := node.Path[strings.LastIndex(node.Path, "/")+1:]
		if cluster == except {
			continue
		}
		h, err := decodeHistory(node.Value)
		if err != nil {
			log.Warn("skip cluster with corrupted history",
				zap.String("cluster", cluster), zap.Error(err))
			continue
		}
		var hosts []string
		if current, ok := h.Current(); ok {
			hosts = current.Hosts(nil)
		} else if hosts, err = l.Hosts(ctx, cluster); err != nil {
			return nil, err
		}
		for _, host := range hosts {
			inUse[host] = cluster
		}
	}
	return inUse, nil
}

// Hosts lists the host nodes created for cluster.
func (l *Log) Hosts(ctx context.Context, cluster string) ([]string, error) {
	children, err := l.ns.Children(ctx, model.ClusterPath(cluster))
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(children))
	for _, c := range children {
		hosts = append(hosts, c.Path[strings.LastIndex(c.Path, "/")+1:])
	}
	return hosts, nil
}

// MachineState reads the state of host together with its revision.
func (l *Log) MachineState(ctx context.Context, hostPath string) (*model.MachineState, error) {
	node, err := l.ns.Get(ctx, hostPath)
	if cerrors.ErrNodeNotExists.Equal(err) {
		return &model.MachineState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeMachineState(node.Value)
}

// MergeMachineState adds entries to the state of an existing host. The merge
// is a set union, so it is safe to repeat.
func (l *Log) MergeMachineState(ctx context.Context, hostPath string, entries []model.StateEntry) (bool, error) {
	merged := false
	_, err := l.ns.Patch(ctx, hostPath, func(old []byte) ([]byte, bool, error) {
		merged = false
		if old == nil {
			// the host was removed with its cluster
			return nil, false, nil
		}
		state, err := model.DecodeMachineState(old)
		if err != nil {
			return nil, false, err
		}
		if !state.Merge(entries) {
			return nil, false, nil
		}
		value, err := model.Marshal(state)
		if err != nil {
			return nil, false, err
		}
		merged = true
		return value, true, nil
	})
	return merged, err
}

func decodeHistory(data []byte) (*model.ClusterHistory, error) {
	h := &model.ClusterHistory{}
	if len(data) == 0 {
		return h, nil
	}
	if err := model.Unmarshal(data, h); err != nil {
		return nil, err
	}
	return h, nil
}
