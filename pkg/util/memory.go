// Copyright 2023 PingCAP, Inc.
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

package util

import (
	"math"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const memoryMax uint64 = math.MaxUint64

// GetMemoryLimit gets the memory limit of current process based on cgroup.
// If the cgourp is not set or memory.max is set to max, returns the total
// memory of host.
func GetMemoryLimit() (uint64, error) {
	totalMemory, err := memlimit.FromCgroup()
	if err != nil || totalMemory == memoryMax {
		log.Debug("no cgroup memory limit", zap.Error(err))
		stat, err := mem.VirtualMemory()
		if err != nil {
			return 0, errors.Trace(err)
		}
		totalMemory = stat.Total
	}
	return totalMemory, nil
}

// GetMemoryUsedPercent returns the used memory of host in percent.
func GetMemoryUsedPercent() (float64, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return stat.UsedPercent, nil
}
