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
	"sort"
	"strings"

	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// CommandKind is the type of a cluster lifecycle command.
type CommandKind string

// All command kinds.
const (
	CommandCreate CommandKind = "create"
	CommandUpdate CommandKind = "update"
	CommandDelete CommandKind = "delete"
)

// Valid returns true if k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandCreate, CommandUpdate, CommandDelete:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown kinds.
func (k *CommandKind) UnmarshalText(text []byte) error {
	kind := CommandKind(strings.ToLower(string(text)))
	if !kind.Valid() {
		return cerrors.ErrUnknownCommandKind.GenWithStackByArgs(string(text))
	}
	*k = kind
	return nil
}

// Command is a cluster lifecycle request stored in the command queue.
type Command struct {
	// ID is the name of the queue node, assigned at submission.
	ID      string          `json:"id"`
	Kind    CommandKind     `json:"kind"`
	Cluster ClusterManifest `json:"cluster"`
}

// Validate checks that the command is structurally well formed.
func (c *Command) Validate() error {
	if !c.Kind.Valid() {
		return cerrors.ErrUnknownCommandKind.GenWithStackByArgs(string(c.Kind))
	}
	return c.Cluster.validate(c.Kind)
}

// Role binds a role name to the hosts playing it.
type Role struct {
	Name  string   `json:"name"`
	Hosts []string `json:"hosts"`
}

// NodesManifest maps roles to hosts.
type NodesManifest struct {
	Roles []Role `json:"roles,omitempty"`
}

// PackageInfo names one software package.
type PackageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// SoftwareRole binds a role name to the packages it installs.
type SoftwareRole struct {
	Name     string        `json:"name"`
	Packages []PackageInfo `json:"packages"`
}

// SoftwareManifest maps roles to packages.
type SoftwareManifest struct {
	Roles []SoftwareRole `json:"roles,omitempty"`
}

// ConfigManifest is the ordered list of action templates of a cluster.
type ConfigManifest struct {
	Actions []Action `json:"actions,omitempty"`
}

// ClusterManifest describes the desired topology of a cluster.
type ClusterManifest struct {
	ClusterName string           `json:"cluster-name"`
	Nodes       NodesManifest    `json:"nodes"`
	Software    SoftwareManifest `json:"software"`
	Config      ConfigManifest   `json:"config"`
}

func (m *ClusterManifest) validate(kind CommandKind) error {
	if !validName(m.ClusterName) {
		return cerrors.ErrInvalidCommand.GenWithStackByArgs("invalid cluster name " + m.ClusterName)
	}
	for _, role := range m.Nodes.Roles {
		for _, host := range role.Hosts {
			if !validName(host) {
				return cerrors.ErrInvalidCommand.GenWithStackByArgs("invalid host name " + host)
			}
		}
	}
	for i := range m.Config.Actions {
		if err := m.Config.Actions[i].validate(); err != nil {
			return err
		}
	}
	if kind != CommandDelete && len(m.Hosts(nil)) == 0 {
		return cerrors.ErrInvalidCommand.GenWithStackByArgs("cluster " + m.ClusterName + " has no hosts")
	}
	return nil
}

// validName rejects names that can not be a single path segment.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/ \t\n")
}

// Hosts resolves role names into the sorted set of hosts playing any of them.
// A nil roles slice means every host of the cluster.
func (m *ClusterManifest) Hosts(roles []string) []string {
	want := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		want[r] = struct{}{}
	}
	set := make(map[string]struct{})
	for _, role := range m.Nodes.Roles {
		if _, ok := want[role.Name]; roles != nil && !ok {
			continue
		}
		for _, h := range role.Hosts {
			set[h] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Packages resolves the packages of role, or of every role when role is
// empty. Duplicates are dropped and declaration order is kept.
func (m *ClusterManifest) Packages(role string) []PackageInfo {
	var (
		seen     = make(map[PackageInfo]struct{})
		packages []PackageInfo
	)
	for _, r := range m.Software.Roles {
		if role != "" && r.Name != role {
			continue
		}
		for _, p := range r.Packages {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			packages = append(packages, p)
		}
	}
	return packages
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClusterHistory is the append-only revision log of a cluster manifest.
type ClusterHistory struct {
	History []ClusterManifest `json:"history"`
	// Commands holds the path of the command that wrote each revision.
	Commands []string `json:"commands,omitempty"`
}

// LastCommand returns the command that wrote the current revision.
func (h *ClusterHistory) LastCommand() string {
	if len(h.Commands) == 0 || len(h.Commands) != len(h.History) {
		return ""
	}
	return h.Commands[len(h.Commands)-1]
}

// Current returns the latest revision.
func (h *ClusterHistory) Current() (*ClusterManifest, bool) {
	if len(h.History) == 0 {
		return nil, false
	}
	return &h.History[len(h.History)-1], true
}
