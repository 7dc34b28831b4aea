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
	"github.com/goccy/go-json"

	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
)

// Marshal encodes a node value.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrMarshalFailed, err)
	}
	return data, nil
}

// Unmarshal decodes a node value.
func Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		// unknown kinds are reported as is
		if cerrors.IsValidationError(err) {
			return err
		}
		return cerrors.WrapError(cerrors.ErrUnmarshalFailed, err)
	}
	return nil
}

// DecodeCommand decodes and validates a stored command.
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{}
	if err := Unmarshal(data, cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeCommandStatus decodes a stored command status.
func DecodeCommandStatus(data []byte) (*CommandStatus, error) {
	status := &CommandStatus{}
	if err := Unmarshal(data, status); err != nil {
		return nil, err
	}
	return status, nil
}

// DecodeMachineState decodes a host node. An empty node is an empty state.
func DecodeMachineState(data []byte) (*MachineState, error) {
	state := &MachineState{}
	if len(data) == 0 {
		return state, nil
	}
	if err := Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}
