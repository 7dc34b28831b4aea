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

package dispatcher

import (
	"context"
	"sort"
	"sync"

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/model"
)

// Gate decides whether the dependencies of an action hold and remembers
// which commands wait on which hosts.
type Gate struct {
	history *history.Log

	mu sync.Mutex
	// host node path -> status paths of the commands waiting on it
	waiting map[string]map[string]struct{}
}

// NewGate creates a Gate reading machine states from h.
func NewGate(h *history.Log) *Gate {
	return &Gate{history: h, waiting: make(map[string]map[string]struct{})}
}

// Satisfied returns true if every host of every dependency records the
// required states. The command is registered as waiting on a host before
// the host state is read, so a state change racing with the read always
// finds the registration and wakes the command up.
func (g *Gate) Satisfied(ctx context.Context, statusPath string, deps []model.ActionDependency) (bool, error) {
	var checked []string
	for _, dep := range deps {
		if len(dep.Hosts) == 0 || len(dep.States) == 0 {
			continue
		}
		satisfied := 0
		for _, hostPath := range dep.Hosts {
			g.register(hostPath, statusPath)
			checked = append(checked, hostPath)
			state, err := g.history.MachineState(ctx, hostPath)
			if err != nil {
				return false, err
			}
			if state.Contains(dep.States) {
				satisfied++
			}
		}
		if satisfied < len(dep.Hosts) {
			gateCounter.WithLabelValues("blocked").Inc()
			return false, nil
		}
	}
	for _, hostPath := range checked {
		g.unregister(hostPath, statusPath)
	}
	return true, nil
}

// Take returns the commands waiting on hostPath, sorted, and forgets them.
func (g *Gate) Take(hostPath string) []string {
	g.mu.Lock()
	set := g.waiting[hostPath]
	delete(g.waiting, hostPath)
	g.mu.Unlock()

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Waiting returns the number of hosts some command waits on.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}

func (g *Gate) register(hostPath, statusPath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.waiting[hostPath]
	if !ok {
		set = make(map[string]struct{})
		g.waiting[hostPath] = set
	}
	set[statusPath] = struct{}{}
}

func (g *Gate) unregister(hostPath, statusPath string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.waiting[hostPath]
	if !ok {
		return
	}
	delete(set, statusPath)
	if len(set) == 0 {
		delete(g.waiting, hostPath)
	}
}
