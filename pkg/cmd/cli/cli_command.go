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

package cli

import (
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/cmd/factory"
)

// newCmdCommand creates the `cli command` command.
func newCmdCommand(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "command",
		Short: "Manage cluster commands",
	}
	cmds.AddCommand(newCmdSubmitCommand(f))
	cmds.AddCommand(newCmdQueryCommand(f))
	cmds.AddCommand(newCmdListCommand(f))
	return cmds
}

// commandSummary is the short form of a queued command.
type commandSummary struct {
	ID        string            `json:"id"`
	Cluster   string            `json:"cluster,omitempty"`
	Kind      model.CommandKind `json:"kind,omitempty"`
	Status    model.Status      `json:"status"`
	Completed int               `json:"completed"`
	Total     int               `json:"total"`
	Error     string            `json:"error,omitempty"`
}

func summarize(cmdPath string, status *model.CommandStatus) commandSummary {
	s := commandSummary{ID: commandID(cmdPath), Status: model.StatusQueued}
	if status == nil {
		return s
	}
	s.Cluster = status.ClusterName
	s.Kind = status.Kind
	s.Status = status.Status
	s.Completed = status.CompletedActions
	s.Total = status.TotalActions
	s.Error = status.Error
	return s
}

func commandID(cmdPath string) string {
	return cmdPath[strings.LastIndex(cmdPath, "/")+1:]
}

func commandPath(id string) string {
	return model.CommandsPath + "/" + id
}

// colorStatus renders a status for terminals.
func colorStatus(status model.Status) string {
	switch status {
	case model.StatusSucceeded:
		return color.GreenString(string(status))
	case model.StatusFailed:
		return color.RedString(string(status))
	case model.StatusStarted:
		return color.YellowString(string(status))
	}
	return string(status)
}
