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
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/rcrowley/go-metrics"
)

const (
	MemUsedEstimateGauge = "mem_used_estimate"
	MemOverheadGauge     = "mem_overhead"
	MaxDataSizeGauge     = "max_data_size"
	MemMergeThreshold    = "mem_used_merge_threshold"
	MemFoldsCounter      = "mem_used_folds"

	cacheLineSize = 64
)

type EPStatsConfig struct {
	MaxDataSize           uint64
	MergeThresholdPercent float64
	// number of core-local counters, GOMAXPROCS when zero
	Cores int
}

func NewEPStatsConfig(config *base.EngineConfig) EPStatsConfig {
	return EPStatsConfig{
		MaxDataSize:           config.MaxDataSize,
		MergeThresholdPercent: config.MemMergeThresholdPercent,
	}
}

// one counter per cache line
type coreMemUsed struct {
	value atomic.Int64
	_     [cacheLineSize - 8]byte
}

type coreToken struct {
	idx int
}

// EPStats accounts the memory of the bucket. Allocations and deallocations
// land on a core-local counter which is folded into the global estimate once
// its magnitude passes the merge threshold, so the estimate lags the true
// total by at most threshold times the core count.
type EPStats struct {
	cores []coreMemUsed
	// sync.Pool keeps its objects P-local, so a token sticks to the core
	// that last used it
	tokens   sync.Pool
	nextCore atomic.Uint32

	estimatedMemUsed atomic.Int64
	memOverhead      atomic.Int64

	maxDataSize           atomic.Uint64
	mergeThresholdPercent float64
	threshold             atomic.Int64

	isShutdown atomic.Bool
	tracker    *MemoryTracker

	registry metrics.Registry
	folds    metrics.Counter
	logger   *log.CommonLogger
}

// NewEPStats builds the accounting. tracker may be nil, in which case precise
// figures fall back to the estimate.
func NewEPStats(config EPStatsConfig, tracker *MemoryTracker, logger_ctx *log.LoggerContext) *EPStats {
	cores := config.Cores
	if cores <= 0 {
		cores = runtime.GOMAXPROCS(0)
	}
	s := &EPStats{
		cores:                 make([]coreMemUsed, cores),
		mergeThresholdPercent: config.MergeThresholdPercent,
		tracker:               tracker,
		registry:              metrics.NewRegistry(),
		folds:                 metrics.NewCounter(),
		logger:                log.NewLogger("EPStats", logger_ctx),
	}
	s.tokens.New = func() interface{} {
		return &coreToken{idx: int(s.nextCore.Add(1)-1) % len(s.cores)}
	}
	s.SetMaxDataSize(config.MaxDataSize)

	s.registry.Register(MemUsedEstimateGauge, metrics.NewFunctionalGauge(s.GetEstimatedTotalMemoryUsed))
	s.registry.Register(MemOverheadGauge, metrics.NewFunctionalGauge(s.memOverhead.Load))
	s.registry.Register(MaxDataSizeGauge, metrics.NewFunctionalGauge(func() int64 { return int64(s.maxDataSize.Load()) }))
	s.registry.Register(MemMergeThreshold, metrics.NewFunctionalGauge(s.threshold.Load))
	s.registry.Register(MemFoldsCounter, s.folds)
	return s
}

func (s *EPStats) MemAllocated(size int64) {
	if size == 0 || s.isShutdown.Load() {
		return
	}
	s.memUsedChanged(size)
}

func (s *EPStats) MemDeallocated(size int64) {
	if size == 0 || s.isShutdown.Load() {
		return
	}
	s.memUsedChanged(-size)
}

func (s *EPStats) memUsedChanged(delta int64) {
	token := s.tokens.Get().(*coreToken)
	s.coreChanged(token.idx, delta)
	s.tokens.Put(token)
}

// coreChanged applies delta to the counter of core idx and folds the counter
// into the estimate once it passes the threshold
func (s *EPStats) coreChanged(idx int, delta int64) {
	core := &s.cores[idx]
	value := core.value.Add(delta)
	if value > s.threshold.Load() || -value > s.threshold.Load() {
		// another caller on this core may fold first, then we fold what it left
		s.estimatedMemUsed.Add(core.value.Swap(0))
		s.folds.Inc(1)
	}
}

// GetEstimatedTotalMemoryUsed is the folded estimate, never negative
func (s *EPStats) GetEstimatedTotalMemoryUsed() int64 {
	estimate := s.estimatedMemUsed.Load()
	if estimate < 0 {
		return 0
	}
	return estimate
}

// GetPreciseTotalMemoryUsed asks the allocator when a tracker is running,
// otherwise it is the estimate plus tracked overhead
func (s *EPStats) GetPreciseTotalMemoryUsed() int64 {
	if s.tracker != nil && s.tracker.IsTracking() {
		allocated, err := s.tracker.Sample()
		if err == nil {
			return int64(allocated)
		}
		s.logger.Warnf("allocator probe %v failed, using estimate. err=%v", s.tracker.ProbeName(), err)
	}
	return s.GetEstimatedTotalMemoryUsed() + s.memOverhead.Load()
}

// GetCoreLocalMemoryUsed sums the counters not yet folded
func (s *EPStats) GetCoreLocalMemoryUsed() int64 {
	var total int64
	for i := range s.cores {
		total += s.cores[i].value.Load()
	}
	return total
}

// FoldAll moves every core-local counter into the estimate
func (s *EPStats) FoldAll() {
	for i := range s.cores {
		s.estimatedMemUsed.Add(s.cores[i].value.Swap(0))
	}
}

func (s *EPStats) MemOverheadChanged(delta int64) {
	if s.isShutdown.Load() {
		return
	}
	s.memOverhead.Add(delta)
}

// SetMaxDataSize also recomputes the merge threshold
func (s *EPStats) SetMaxDataSize(size uint64) {
	s.maxDataSize.Store(size)
	threshold := int64(float64(size) * s.mergeThresholdPercent / 100 / float64(len(s.cores)))
	s.threshold.Store(threshold)
	s.logger.Debugf("max_data_size=%v merge threshold=%v cores=%v", size, threshold, len(s.cores))
}

func (s *EPStats) GetMaxDataSize() uint64 {
	return s.maxDataSize.Load()
}

func (s *EPStats) GetMergeThreshold() int64 {
	return s.threshold.Load()
}

func (s *EPStats) Cores() int {
	return len(s.cores)
}

// Shutdown stops all further accounting
func (s *EPStats) Shutdown() {
	if s.isShutdown.CompareAndSwap(false, true) {
		s.logger.Infof("shutdown, estimate=%v unfolded=%v", s.estimatedMemUsed.Load(), s.GetCoreLocalMemoryUsed())
	}
}

func (s *EPStats) IsShutdown() bool {
	return s.isShutdown.Load()
}

func (s *EPStats) Registry() metrics.Registry {
	return s.registry
}

func (s *EPStats) AddStats(addStat func(key, value string)) {
	s.registry.Each(func(name string, metric interface{}) {
		switch metric := metric.(type) {
		case metrics.Counter:
			addStat(name, fmt.Sprintf("%v", metric.Count()))
		case metrics.Gauge:
			addStat(name, fmt.Sprintf("%v", metric.Value()))
		}
	})
	if s.tracker != nil {
		s.tracker.AddStats(addStat)
	}
}
