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

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/pkg/cmd/factory"
	"github.com/hmsflow/hmsflow/pkg/cmd/util"
)

// newCmdCluster creates the `cli cluster` command.
func newCmdCluster(f factory.Factory) *cobra.Command {
	cmds := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect managed clusters",
	}
	cmds.AddCommand(newCmdQueryCluster(f))
	return cmds
}

// queryClusterOptions defines flags for the `cli cluster query` command.
type queryClusterOptions struct {
	history *history.Log

	name string
	all  bool
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *queryClusterOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.name, "name", "n", "", "Cluster name")
	cmd.PersistentFlags().BoolVar(&o.all, "history", false, "Output every revision of the cluster")
	_ = cmd.MarkPersistentFlagRequired("name")
}

func (o *queryClusterOptions) complete(f factory.Factory) error {
	h, err := f.History()
	if err != nil {
		return err
	}
	o.history = h
	return nil
}

// run the `cli cluster query` command.
func (o *queryClusterOptions) run(cmd *cobra.Command) error {
	ctx := util.GetDefaultContext()
	if o.all {
		h, err := o.history.Load(ctx, o.name)
		if err != nil {
			return err
		}
		return util.JSONPrint(cmd, h)
	}
	current, err := o.history.Current(ctx, o.name)
	if err != nil {
		return err
	}
	return util.JSONPrint(cmd, current)
}

// newCmdQueryCluster creates the `cli cluster query` command.
func newCmdQueryCluster(f factory.Factory) *cobra.Command {
	o := &queryClusterOptions{}

	command := &cobra.Command{
		Use:   "query",
		Short: "Query the current manifest of a cluster",
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
