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
	"github.com/spf13/cobra"

	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/pkg/cmd/factory"
	"github.com/hmsflow/hmsflow/pkg/cmd/util"
)

// listCommandOptions defines flags for the `cli command list` command.
type listCommandOptions struct {
	intake *intake.Intake

	cluster    string
	unfinished bool
}

// newListCommandOptions creates new options for the `cli command list` command.
func newListCommandOptions() *listCommandOptions {
	return &listCommandOptions{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *listCommandOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.cluster, "cluster", "c", "", "List the commands of this cluster only")
	cmd.PersistentFlags().BoolVarP(&o.unfinished, "unfinished", "u", false, "List the commands still running only")
}

// complete adapts from the command line args to the data and client required.
func (o *listCommandOptions) complete(f factory.Factory) error {
	in, err := f.Intake()
	if err != nil {
		return err
	}
	o.intake = in
	return nil
}

// run the `cli command list` command.
func (o *listCommandOptions) run(cmd *cobra.Command) error {
	ctx := util.GetDefaultContext()
	entries, err := o.intake.List(ctx)
	if err != nil {
		return err
	}
	summaries := make([]commandSummary, 0, len(entries))
	for _, e := range entries {
		s := summarize(e.Path, e.Status)
		if e.Status == nil {
			// not planned yet
			command, err := o.intake.Load(ctx, e.Path)
			if err != nil {
				return err
			}
			s.Cluster, s.Kind = command.Cluster.ClusterName, command.Kind
		}
		if o.cluster != "" && s.Cluster != o.cluster {
			continue
		}
		if o.unfinished && s.Status.Terminal() {
			continue
		}
		summaries = append(summaries, s)
	}
	return util.JSONPrint(cmd, summaries)
}

// newCmdListCommand creates the `cli command list` command.
func newCmdListCommand(f factory.Factory) *cobra.Command {
	o := newListCommandOptions()

	command := &cobra.Command{
		Use:   "list",
		Short: "List cluster commands in submission order",
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
