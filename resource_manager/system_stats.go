// Copyright 2019-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package resource_manager

import (
	"os"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStatsIface is what the resource manager samples each interval
type SystemStatsIface interface {
	// cpu of this process in percent, where 100 is one full core
	ProcessCpuPercent() (int32, int64, error)
	SystemMemoryUsedPercent() (float64, error)
	Close()
}

type SystemStats struct {
	pid  int32
	proc *process.Process
}

func NewSystemStats() (*SystemStats, error) {
	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "Fail to open process %v", pid)
	}
	h := &SystemStats{pid: pid, proc: proc}
	// the first call only primes the cpu counters
	if _, err = proc.Percent(0); err != nil {
		return nil, errors.Wrap(err, "failed to get CPU")
	}
	return h, nil
}

// ProcessCpuPercent is the cpu used since the previous call
func (h *SystemStats) ProcessCpuPercent() (int32, int64, error) {
	cpu, err := h.proc.Percent(0)
	if err != nil {
		return 0, 0, errors.Wrap(err, "Fail to get process CPU")
	}
	return h.pid, int64(cpu), nil
}

func (h *SystemStats) SystemMemoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "Fail to get system memory")
	}
	return vm.UsedPercent, nil
}

func (h *SystemStats) Close() {
	h.proc = nil
}
