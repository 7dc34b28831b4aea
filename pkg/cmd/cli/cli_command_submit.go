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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/cmd/factory"
	"github.com/hmsflow/hmsflow/pkg/cmd/util"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// submitCommandOptions defines flags for the `cli command submit` command.
type submitCommandOptions struct {
	file      string
	kind      string
	cluster   string
	noConfirm bool
}

func newSubmitCommandOptions() *submitCommandOptions {
	return &submitCommandOptions{}
}

func (o *submitCommandOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.file, "file", "f", "", "JSON or YAML file holding the command")
	cmd.Flags().StringVar(&o.kind, "kind", "", "Command kind (create|update|delete), overrides the file")
	cmd.Flags().StringVarP(&o.cluster, "cluster", "c", "", "Cluster name, overrides the file")
	cmd.Flags().BoolVar(&o.noConfirm, "no-confirm", false, "Don't ask user whether to delete a cluster")
}

// complete builds the command from the file and the flags.
func (o *submitCommandOptions) complete() (*model.Command, error) {
	cmd := &model.Command{}
	if o.file != "" {
		data, err := readCommandFile(o.file)
		if err != nil {
			return nil, err
		}
		if err := model.Unmarshal(data, cmd); err != nil {
			return nil, err
		}
	}
	if o.kind != "" {
		if err := cmd.Kind.UnmarshalText([]byte(o.kind)); err != nil {
			return nil, err
		}
	}
	if o.cluster != "" {
		cmd.Cluster.ClusterName = o.cluster
	}
	if cmd.Kind == "" {
		return nil, errors.New("command kind is required, use --kind or a command file")
	}
	return cmd, nil
}

// readCommandFile returns the command in path as JSON. Files named *.yaml or
// *.yml are converted first.
func readCommandFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "read command file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cerrors.WrapError(cerrors.ErrUnmarshalFailed, err)
	}
	return model.Marshal(yamlToJSON(doc))
}

// yamlToJSON turns the map[interface{}]interface{} values yaml.v2 produces
// into maps json can encode.
func yamlToJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = yamlToJSON(val)
		}
		return m
	case []interface{}:
		for i, val := range x {
			x[i] = yamlToJSON(val)
		}
		return x
	default:
		return v
	}
}

// confirmDelete asks the user before a cluster is deleted.
func (o *submitCommandOptions) confirmDelete(cmd *cobra.Command, cluster string) (bool, error) {
	if o.noConfirm {
		return true, nil
	}
	cmd.Print(color.HiYellowString("[WARN] Cluster %s and its history will be removed once "+
		"the delete command finishes.\n", cluster))
	cmd.Printf("Could you agree to proceed? (Y/n) ")
	var yOrN string
	if _, err := fmt.Fscan(cmd.InOrStdin(), &yOrN); err != nil {
		return false, errors.Trace(err)
	}
	return strings.ToLower(strings.TrimSpace(yOrN)) == "y", nil
}

func (o *submitCommandOptions) run(f factory.Factory, cmd *cobra.Command) error {
	command, err := o.complete()
	if err != nil {
		return err
	}
	if err := command.Validate(); err != nil {
		return err
	}
	if command.Kind == model.CommandDelete {
		ok, err := o.confirmDelete(cmd, command.Cluster.ClusterName)
		if err != nil {
			return err
		}
		if !ok {
			cmd.Printf("No command is submitted.\n")
			return nil
		}
	}

	in, err := f.Intake()
	if err != nil {
		return err
	}
	p, err := in.Submit(util.GetDefaultContext(), command)
	if err != nil {
		return err
	}
	cmd.Printf("Submit command successfully!\nID: %s\nKind: %s\nCluster: %s\n",
		commandID(p), command.Kind, command.Cluster.ClusterName)
	return nil
}

// newCmdSubmitCommand creates the `cli command submit` command.
func newCmdSubmitCommand(f factory.Factory) *cobra.Command {
	o := newSubmitCommandOptions()

	command := &cobra.Command{
		Use:   "submit",
		Short: "Submit a cluster command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(f, cmd)
		},
	}

	o.addFlags(command)

	return command
}
