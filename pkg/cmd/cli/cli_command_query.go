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
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/cmd/factory"
	"github.com/hmsflow/hmsflow/pkg/cmd/util"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// commandDetail is the full form of a queued command.
type commandDetail struct {
	ID      string               `json:"id"`
	Command *model.Command       `json:"command"`
	Status  *model.CommandStatus `json:"status,omitempty"`
}

// queryCommandOptions defines flags for the `cli command query` command.
type queryCommandOptions struct {
	intake *intake.Intake

	id         string
	simplified bool
}

// newQueryCommandOptions creates new options for the `cli command query` command.
func newQueryCommandOptions() *queryCommandOptions {
	return &queryCommandOptions{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *queryCommandOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVarP(&o.simplified, "simple", "s", false, "Output simplified command status")
	cmd.PersistentFlags().StringVar(&o.id, "id", "", "Command ID, such as cmd-0000000001")
	_ = cmd.MarkPersistentFlagRequired("id")
}

// complete adapts from the command line args to the data and client required.
func (o *queryCommandOptions) complete(f factory.Factory) error {
	in, err := f.Intake()
	if err != nil {
		return err
	}
	o.intake = in
	return nil
}

// run the `cli command query` command.
func (o *queryCommandOptions) run(cmd *cobra.Command) error {
	ctx := util.GetDefaultContext()
	p := commandPath(o.id)
	command, err := o.intake.Load(ctx, p)
	if err != nil {
		return err
	}
	status, err := o.intake.Status(ctx, p)
	if err != nil && !cerrors.ErrNodeNotExists.Equal(err) {
		return err
	}
	if o.simplified {
		summary := summarize(p, status)
		if summary.Cluster == "" {
			summary.Cluster = command.Cluster.ClusterName
			summary.Kind = command.Kind
		}
		cmd.Printf("%s %s %s %s %d/%d\n", summary.ID, summary.Kind, summary.Cluster,
			colorStatus(summary.Status), summary.Completed, summary.Total)
		if status != nil && !status.StartTime.IsZero() {
			cmd.Printf("started: %s\n", humanize.Time(status.StartTime))
		}
		if summary.Error != "" {
			cmd.Printf("error: %s\n", summary.Error)
		}
		return nil
	}
	return util.JSONPrint(cmd, &commandDetail{ID: o.id, Command: command, Status: status})
}

// newCmdQueryCommand creates the `cli command query` command.
func newCmdQueryCommand(f factory.Factory) *cobra.Command {
	o := newQueryCommandOptions()

	command := &cobra.Command{
		Use:   "query",
		Short: "Query a cluster command and its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(f); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
