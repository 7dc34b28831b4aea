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

// ActionKind tells what an action carries.
type ActionKind string

// All action kinds.
const (
	// ActionPlain runs a script on the host.
	ActionPlain ActionKind = "plain"
	// ActionPackage installs the packages resolved from the software manifest.
	ActionPackage ActionKind = "package"
)

// Valid returns true if k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionPlain, ActionPackage:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown kinds.
// An empty kind is a plain action.
func (k *ActionKind) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = ActionPlain
		return nil
	}
	kind := ActionKind(strings.ToLower(string(text)))
	if !kind.Valid() {
		return cerrors.ErrUnknownActionKind.GenWithStackByArgs(string(text))
	}
	*k = kind
	return nil
}

// StateEntry is an opaque fact about a host, e.g. a package being installed.
type StateEntry struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

func (e StateEntry) less(o StateEntry) bool {
	if e.Type != o.Type {
		return e.Type < o.Type
	}
	if e.Name != o.Name {
		return e.Name < o.Name
	}
	return e.Status < o.Status
}

// ActionDependency requires States on every host playing one of Roles.
// Hosts holds the host node paths resolved when the plan was made.
type ActionDependency struct {
	Roles  []string     `json:"roles,omitempty"`
	States []StateEntry `json:"states,omitempty"`
	Hosts  []string     `json:"hosts,omitempty"`
}

// Action is one unit of per role work.
type Action struct {
	ID              int64              `json:"action-id,omitempty"`
	Kind            ActionKind         `json:"kind"`
	Role            string             `json:"role,omitempty"`
	Script          string             `json:"script,omitempty"`
	Dependencies    []ActionDependency `json:"dependencies,omitempty"`
	ExpectedResults []StateEntry       `json:"expected-results,omitempty"`
	// Packages is only set on package actions.
	Packages []PackageInfo `json:"packages,omitempty"`
	// CmdPath is the command the action belongs to.
	CmdPath string `json:"cmd-path,omitempty"`
}

func (a *Action) validate() error {
	if a.Kind == "" {
		a.Kind = ActionPlain
	}
	if !a.Kind.Valid() {
		return cerrors.ErrUnknownActionKind.GenWithStackByArgs(string(a.Kind))
	}
	if a.Kind == ActionPlain && len(a.Packages) > 0 {
		return cerrors.ErrInvalidCommand.GenWithStackByArgs("plain action can not carry packages")
	}
	return nil
}

// MachineState is the set of facts recorded for a host.
type MachineState struct {
	States []StateEntry `json:"states,omitempty"`
}

// Contains returns true if every entry of required is recorded.
func (m *MachineState) Contains(required []StateEntry) bool {
	have := make(map[StateEntry]struct{}, len(m.States))
	for _, s := range m.States {
		have[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Merge adds entries to the set and reports whether anything was added.
// States are kept sorted so equal sets encode identically.
func (m *MachineState) Merge(entries []StateEntry) bool {
	have := make(map[StateEntry]struct{}, len(m.States))
	for _, s := range m.States {
		have[s] = struct{}{}
	}
	changed := false
	for _, e := range entries {
		if _, ok := have[e]; ok {
			continue
		}
		have[e] = struct{}{}
		m.States = append(m.States, e)
		changed = true
	}
	if changed {
		sort.Slice(m.States, func(i, j int) bool { return m.States[i].less(m.States[j]) })
	}
	return changed
}
