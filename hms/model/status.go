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
	"time"
)

// Status is the progress of a command or of an action on one host.
type Status string

// Host statuses advance Unqueued < Queued < Started < Succeeded|Failed.
// Commands only use Started, Succeeded and Failed.
const (
	StatusUnqueued  Status = "UNQUEUED"
	StatusQueued    Status = "QUEUED"
	StatusStarted   Status = "STARTED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

func (s Status) rank() int {
	switch s {
	case StatusUnqueued:
		return 0
	case StatusQueued:
		return 1
	case StatusStarted:
		return 2
	case StatusSucceeded, StatusFailed:
		return 3
	}
	return -1
}

// Valid returns true if s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Terminal returns true for Succeeded and Failed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Advances returns true if moving from s to next goes strictly forward.
func (s Status) Advances(next Status) bool {
	return s.Valid() && next.Valid() && next.rank() > s.rank()
}

// HostStatusPair is the status of one action on one host.
type HostStatusPair struct {
	Host   string `json:"host"`
	Status Status `json:"status"`
}

// ActionEntry is an action of a plan with the per host progress.
type ActionEntry struct {
	Action     Action           `json:"action"`
	HostStatus []HostStatusPair `json:"host-status"`
}

// HasUnqueued returns true if some host has not received the action yet.
func (e *ActionEntry) HasUnqueued() bool {
	for _, hs := range e.HostStatus {
		if hs.Status == StatusUnqueued {
			return true
		}
	}
	return false
}

// AllFailed returns true if the entry targets hosts and every one failed.
func (e *ActionEntry) AllFailed() bool {
	if len(e.HostStatus) == 0 {
		return false
	}
	for _, hs := range e.HostStatus {
		if hs.Status != StatusFailed {
			return false
		}
	}
	return true
}

// CommandStatus is the plan of a command and its aggregated progress.
type CommandStatus struct {
	ClusterName      string        `json:"cluster-name"`
	Kind             CommandKind   `json:"kind"`
	Status           Status        `json:"status"`
	StartTime        time.Time     `json:"start-time"`
	EndTime          time.Time     `json:"end-time,omitempty"`
	UpdateTime       time.Time     `json:"update-time"`
	TotalActions     int           `json:"total-actions"`
	CompletedActions int           `json:"completed-actions"`
	ActionEntries    []ActionEntry `json:"action-entries,omitempty"`
	// Error explains why a command failed before anything was dispatched.
	Error string `json:"error,omitempty"`
	// Finalized is set once the history of a terminal command was updated
	// and its locks were released.
	Finalized bool `json:"finalized,omitempty"`
}

// Locate finds the host status of action id on host.
func (s *CommandStatus) Locate(actionID int64, host string) (entry, pair int, ok bool) {
	for i := range s.ActionEntries {
		if s.ActionEntries[i].Action.ID != actionID {
			continue
		}
		for j, hs := range s.ActionEntries[i].HostStatus {
			if hs.Host == host {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// AllSucceeded returns true if every host of every entry succeeded.
func (s *CommandStatus) AllSucceeded() bool {
	for i := range s.ActionEntries {
		for _, hs := range s.ActionEntries[i].HostStatus {
			if hs.Status != StatusSucceeded {
				return false
			}
		}
	}
	return true
}

// Finish moves a started command to a terminal status. It returns false if
// the command was already terminal.
func (s *CommandStatus) Finish(status Status, now time.Time) bool {
	if s.Status != StatusStarted || !status.Terminal() {
		return false
	}
	s.Status = status
	s.EndTime = now
	s.UpdateTime = now
	return true
}

// ActionStatus is the report an agent writes after running an action.
type ActionStatus struct {
	ActionID        int64        `json:"action-id"`
	Host            string       `json:"host"`
	Status          Status       `json:"status"`
	CmdPath         string       `json:"cmd-path"`
	ActionPath      string       `json:"action-path"`
	ExpectedResults []StateEntry `json:"expected-results,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// FailureRecord is kept under the command status for every failed report.
type FailureRecord struct {
	ActionID int64     `json:"action-id"`
	Host     string    `json:"host"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}
