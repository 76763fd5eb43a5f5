// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package stats

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/goep/log"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const MemoryTrackerName = "MemoryTracker"

// AllocatorProbe reports how many bytes the process has allocated
type AllocatorProbe interface {
	Name() string
	Allocated() (uint64, error)
}

// RuntimeAllocatorProbe reports the live Go heap
type RuntimeAllocatorProbe struct{}

func (p RuntimeAllocatorProbe) Name() string {
	return "go_runtime"
}

func (p RuntimeAllocatorProbe) Allocated() (uint64, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.HeapAlloc, nil
}

// ProcessMemoryProbe reports the resident set size of this process
type ProcessMemoryProbe struct {
	proc *process.Process
}

func NewProcessMemoryProbe() (*ProcessMemoryProbe, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to inspect process %v", os.Getpid())
	}
	return &ProcessMemoryProbe{proc: proc}, nil
}

func (p *ProcessMemoryProbe) Name() string {
	return "process_rss"
}

func (p *ProcessMemoryProbe) Allocated() (uint64, error) {
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "unable to read process memory")
	}
	return info.RSS, nil
}

// MemoryTracker samples an allocator probe on a fixed interval between Start
// and Stop. There is one per process, owned by whoever starts the engine.
type MemoryTracker struct {
	probe    AllocatorProbe
	interval time.Duration

	allocated atomic.Uint64
	samples   atomic.Uint64
	failures  atomic.Uint64
	tracking  atomic.Bool

	stateLock sync.Mutex
	finch     chan bool
	waitGrp   sync.WaitGroup
	logger    *log.CommonLogger
}

func NewMemoryTracker(probe AllocatorProbe, interval time.Duration, logger_ctx *log.LoggerContext) *MemoryTracker {
	return &MemoryTracker{
		probe:    probe,
		interval: interval,
		logger:   log.NewLogger(MemoryTrackerName, logger_ctx),
	}
}

func (t *MemoryTracker) Start() error {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	if t.tracking.Load() {
		return errors.Errorf("%v already started", MemoryTrackerName)
	}
	if t.interval <= 0 {
		return errors.Errorf("%v interval %v is not positive", MemoryTrackerName, t.interval)
	}
	if _, err := t.Sample(); err != nil {
		return errors.Wrapf(err, "%v probe %v", MemoryTrackerName, t.probe.Name())
	}

	t.logger.Infof("%v starting with probe %v every %v", MemoryTrackerName, t.probe.Name(), t.interval)
	t.finch = make(chan bool)
	t.tracking.Store(true)
	t.waitGrp.Add(1)
	go t.track(t.finch)
	return nil
}

func (t *MemoryTracker) Stop() error {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	if !t.tracking.Load() {
		return nil
	}
	t.logger.Infof("%v stopping ....", MemoryTrackerName)
	defer t.logger.Infof("%v stopped", MemoryTrackerName)

	t.tracking.Store(false)
	close(t.finch)
	t.waitGrp.Wait()
	return nil
}

func (t *MemoryTracker) track(finch chan bool) {
	defer t.waitGrp.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-finch:
			return
		case <-ticker.C:
			if _, err := t.Sample(); err != nil {
				t.logger.Warnf("probe %v failed. err=%v", t.probe.Name(), err)
			}
		}
	}
}

// Sample reads the probe now and records the result
func (t *MemoryTracker) Sample() (uint64, error) {
	allocated, err := t.probe.Allocated()
	if err != nil {
		t.failures.Add(1)
		return 0, err
	}
	t.allocated.Store(allocated)
	t.samples.Add(1)
	return allocated, nil
}

func (t *MemoryTracker) IsTracking() bool {
	return t.tracking.Load()
}

// GetAllocated is the last sampled figure
func (t *MemoryTracker) GetAllocated() uint64 {
	return t.allocated.Load()
}

func (t *MemoryTracker) ProbeName() string {
	return t.probe.Name()
}

func (t *MemoryTracker) AddStats(addStat func(key, value string)) {
	addStat("mem_tracker_probe", t.probe.Name())
	addStat("mem_tracker_allocated", fmt.Sprintf("%v", t.GetAllocated()))
	addStat("mem_tracker_samples", fmt.Sprintf("%v", t.samples.Load()))
	addStat("mem_tracker_failures", fmt.Sprintf("%v", t.failures.Load()))
}
