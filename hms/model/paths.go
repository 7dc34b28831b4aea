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

package model

import (
	"fmt"
	"strings"
)

// Top level nodes of the namespace.
const (
	CommandsPath    = "commands"
	LocksPath       = "locks"
	ClustersPath    = "clusters"
	ControllersPath = "controllers"
	SeqPath         = "seq"
)

// Sequential node prefixes.
const (
	CommandPrefix = "cmd-"
	ActionPrefix  = "action-"
	ReportPrefix  = "status-"
)

const (
	statusNode     = "status"
	actionNode     = "action"
	taskLockNode   = "task"
	clusterLockDir = "cluster"
)

// CommandStatusPath is where the plan of a command lives.
func CommandStatusPath(cmdPath string) string {
	return cmdPath + "/" + statusNode
}

// FailureRecordPath is where a failed report of host for action id is kept.
func FailureRecordPath(cmdPath, host string, actionID int64) string {
	return fmt.Sprintf("%s/%s/%s-%d", cmdPath, statusNode, host, actionID)
}

// ClusterPath is the node holding the cluster history.
func ClusterPath(cluster string) string {
	return ClustersPath + "/" + cluster
}

// HostPath is the node holding the machine state of host.
func HostPath(cluster, host string) string {
	return ClusterPath(cluster) + "/" + host
}

// ActionQueuePath is the parent of the actions queued for host.
func ActionQueuePath(cluster, host string) string {
	return HostPath(cluster, host) + "/" + actionNode
}

// ReportQueuePath is the parent of the reports written by the agent of host.
func ReportQueuePath(cluster, host string) string {
	return HostPath(cluster, host) + "/" + statusNode
}

// TaskLockPath is the lock serializing the processing of one queue item.
func TaskLockPath(taskPath string) string {
	return LocksPath + "/" + taskLockNode + "/" + taskPath
}

// ClusterLockPath is the lock serializing the commands of one cluster.
func ClusterLockPath(cluster string) string {
	return LocksPath + "/" + clusterLockDir + "/" + cluster
}

// ControllerPath is the registration node of a running controller.
func ControllerPath(id string) string {
	return ControllersPath + "/" + id
}

// KeyKind classifies a path of the namespace.
type KeyKind int

// All kinds of keys.
const (
	KeyUnknown KeyKind = iota
	KeyCommand
	KeyCommandStatus
	KeyFailureRecord
	KeyCluster
	KeyHost
	KeyAction
	KeyReport
	KeyTaskLock
	KeyClusterLock
	KeyController
)

var keyKindNames = [...]string{
	KeyUnknown:       "unknown",
	KeyCommand:       "command",
	KeyCommandStatus: "command-status",
	KeyFailureRecord: "failure-record",
	KeyCluster:       "cluster",
	KeyHost:          "host",
	KeyAction:        "action",
	KeyReport:        "report",
	KeyTaskLock:      "task-lock",
	KeyClusterLock:   "cluster-lock",
	KeyController:    "controller",
}

func (k KeyKind) String() string {
	if int(k) < 0 || int(k) >= len(keyKindNames) {
		return keyKindNames[KeyUnknown]
	}
	return keyKindNames[k]
}

// Key is a parsed path.
type Key struct {
	Kind KeyKind
	// Path is the parsed path itself.
	Path string
	// Command is the command path for command keys.
	Command string
	// Cluster and Host are set for cluster, host, action and report keys.
	Cluster string
	Host    string
	// Name is the last segment for action, report, lock and controller keys.
	Name string
}

// ParseKey classifies a path relative to the namespace root.
func ParseKey(p string) Key {
	key := Key{Path: p}
	seg := strings.Split(p, "/")
	switch seg[0] {
	case CommandsPath:
		if len(seg) < 2 || !strings.HasPrefix(seg[1], CommandPrefix) {
			return key
		}
		key.Command = seg[0] + "/" + seg[1]
		switch {
		case len(seg) == 2:
			key.Kind = KeyCommand
		case len(seg) == 3 && seg[2] == statusNode:
			key.Kind = KeyCommandStatus
		case len(seg) == 4 && seg[2] == statusNode:
			key.Kind = KeyFailureRecord
			key.Name = seg[3]
		}
	case ClustersPath:
		switch {
		case len(seg) == 2:
			key.Kind, key.Cluster = KeyCluster, seg[1]
		case len(seg) == 3:
			key.Kind, key.Cluster, key.Host = KeyHost, seg[1], seg[2]
		case len(seg) == 5 && seg[3] == actionNode && strings.HasPrefix(seg[4], ActionPrefix):
			key.Kind, key.Cluster, key.Host, key.Name = KeyAction, seg[1], seg[2], seg[4]
		case len(seg) == 5 && seg[3] == statusNode && strings.HasPrefix(seg[4], ReportPrefix):
			key.Kind, key.Cluster, key.Host, key.Name = KeyReport, seg[1], seg[2], seg[4]
		}
	case LocksPath:
		if len(seg) < 3 {
			return key
		}
		switch seg[1] {
		case taskLockNode:
			key.Kind, key.Name = KeyTaskLock, strings.Join(seg[2:], "/")
		case clusterLockDir:
			if len(seg) == 3 {
				key.Kind, key.Cluster, key.Name = KeyClusterLock, seg[2], seg[2]
			}
		}
	case ControllersPath:
		if len(seg) == 2 {
			key.Kind, key.Name = KeyController, seg[1]
		}
	}
	return key
}
