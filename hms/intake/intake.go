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

package intake

import (
	"context"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hmsflow/hmsflow/hms/model"
	"github.com/hmsflow/hmsflow/pkg/etcd"
	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// Intake is the entry of the command queue.
type Intake struct {
	ns *etcd.Namespace
}

// New creates an Intake.
func New(ns *etcd.Namespace) *Intake {
	return &Intake{ns: ns}
}

// Submit validates the shape of cmd and appends it to the command queue.
// It returns the path of the queued command, whose last segment is its ID.
// Cluster level checks are left to the planner.
func (i *Intake) Submit(ctx context.Context, cmd *model.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	var path string
	// the id is the name of the reserved node, so the command is encoded once
	// the slot is known
	err := i.ns.CASLoop(ctx, "intake", model.CommandsPath, func() error {
		slot, err := i.ns.PrepareSequential(ctx, model.CommandsPath, model.CommandPrefix)
		if err != nil {
			return err
		}
		stored := *cmd
		stored.ID = slot.Path[strings.LastIndex(slot.Path, "/")+1:]
		value, err := model.Marshal(&stored)
		if err != nil {
			return err
		}
		resp, err := i.ns.Txn(ctx, slot.Cmps, append(slot.Ops, i.ns.OpPut(slot.Path, value)))
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return cerrors.ErrEtcdTryAgain.GenWithStackByArgs()
		}
		path = slot.Path
		cmd.ID = stored.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Info("command submitted",
		zap.String("cmd", path),
		zap.String("kind", string(cmd.Kind)),
		zap.String("cluster", cmd.Cluster.ClusterName))
	return path, nil
}

// Load reads a queued command.
func (i *Intake) Load(ctx context.Context, cmdPath string) (*model.Command, error) {
	node, err := i.ns.Get(ctx, cmdPath)
	if err != nil {
		return nil, err
	}
	return model.DecodeCommand(node.Value)
}

// Entry is a queued command with its plan, if one was made.
type Entry struct {
	Path   string
	Status *model.CommandStatus
}

// List returns the queued commands in submission order together with their
// status.
func (i *Intake) List(ctx context.Context) ([]Entry, error) {
	commands, err := i.ns.Children(ctx, model.CommandsPath)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(commands))
	for _, c := range commands {
		entry := Entry{Path: c.Path}
		status, err := i.Status(ctx, c.Path)
		switch {
		case cerrors.ErrNodeNotExists.Equal(err):
		case err != nil:
			return nil, err
		default:
			entry.Status = status
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Status reads the status of a queued command.
func (i *Intake) Status(ctx context.Context, cmdPath string) (*model.CommandStatus, error) {
	node, err := i.ns.Get(ctx, model.CommandStatusPath(cmdPath))
	if err != nil {
		return nil, err
	}
	return model.DecodeCommandStatus(node.Value)
}
