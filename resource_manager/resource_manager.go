// Copyright 2019-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package resource_manager

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/stats"
)

const (
	ResourceManagerName = "ResourceManager"

	DefaultResourceManagementStatsInterval = time.Minute
	// budgets never shrink below this share of their initial limit
	DefaultMinBudgetRatio = 0.05
	// past this system memory usage the budgets go straight to their minimum
	DefaultSystemMemCeilingPercent = 95.0
)

type ThrottleAction int

const (
	// keep budgets where they are
	ThrottleActionWait ThrottleAction = iota
	ThrottleActionShrink
	ThrottleActionGrow
)

func (ta ThrottleAction) String() string {
	switch ta {
	case ThrottleActionWait:
		return "Wait"
	case ThrottleActionShrink:
		return "Shrink"
	case ThrottleActionGrow:
		return "Grow"
	default:
		return "Unknown"
	}
}

type State struct {
	memUsed     int64
	maxDataSize uint64
	// memUsed / maxDataSize, the value the controller steers
	memRatio float64
	// -1 when it could not be collected
	systemMemUsedPercent float64
	cpu                  int32

	pidOutput float64
	// share of their initial limit the budgets are given
	budgetRatio    float64
	throttleAction ThrottleAction
}

func newState() *State {
	return &State{systemMemUsedPercent: -1, cpu: -1, budgetRatio: 1}
}

func (s *State) String() string {
	if s == nil {
		return "<nil>"
	}
	var buffer bytes.Buffer
	buffer.WriteString(fmt.Sprintf("memUsed=%v maxDataSize=%v memRatio=%.3f", s.memUsed, s.maxDataSize, s.memRatio))
	buffer.WriteString(fmt.Sprintf(" systemMem=%.1f%% cpu=%v", s.systemMemUsedPercent, s.cpu))
	buffer.WriteString(fmt.Sprintf(" pidOutput=%.4f budgetRatio=%.3f action=", s.pidOutput, s.budgetRatio))
	buffer.WriteString(s.throttleAction.String())
	return buffer.String()
}

type ResourceManagerConfig struct {
	Interval      time.Duration
	StatsInterval time.Duration

	TargetRatio float64
	Kp, Ki, Kd  float64
	PIDInterval time.Duration

	MinBudgetRatio          float64
	SystemMemCeilingPercent float64
}

func NewResourceManagerConfig(config *base.EngineConfig) ResourceManagerConfig {
	return ResourceManagerConfig{
		Interval:                config.MemTrackerInterval,
		StatsInterval:           DefaultResourceManagementStatsInterval,
		TargetRatio:             config.MemTargetRatio,
		Kp:                      config.MemPIDKp,
		Ki:                      config.MemPIDKi,
		Kd:                      config.MemPIDKd,
		PIDInterval:             config.MemPIDInterval,
		MinBudgetRatio:          DefaultMinBudgetRatio,
		SystemMemCeilingPercent: DefaultSystemMemCeilingPercent,
	}
}

// ResourceManager keeps bucket memory near its target by steering the byte
// budgets of the background readers, backfills and range scans, with a PID
// controller fed by EPStats.
type ResourceManager struct {
	config ResourceManagerConfig
	stats  *stats.EPStats

	budgetsLock sync.RWMutex
	budgets     []*base.ByteBudget
	// the limits the budgets were created with
	maxLimits []int64
	pid       *base.PIDController

	systemStats     SystemStatsIface
	systemStatsLock sync.Mutex

	logger  *log.CommonLogger
	waitGrp sync.WaitGroup
	finch   chan bool

	// count of consecutive shrink actions
	shrinkCount int32
	// count of consecutive grow actions
	growCount int32
	// count of intervals where system memory was past the ceiling
	ceilingCount int32

	previousState *State
	stateLock     sync.RWMutex
}

type ResourceMgrIface interface {
	Start() error
	Stop() error
	GetPreviousState() *State
}

func NewResourceManager(config ResourceManagerConfig, epStats *stats.EPStats, budgets []*base.ByteBudget,
	logger_context *log.LoggerContext) *ResourceManager {
	rm := &ResourceManager{
		config:        config,
		stats:         epStats,
		budgets:       budgets,
		pid:           base.NewPIDController(config.TargetRatio, config.Kp, config.Ki, config.Kd, config.PIDInterval, nil),
		logger:        log.NewLogger(ResourceManagerName, logger_context),
		finch:         make(chan bool),
		previousState: newState(),
	}
	for _, budget := range budgets {
		rm.maxLimits = append(rm.maxLimits, budget.Limit())
	}
	rm.logger.Info("Resource Manager is initialized")
	return rm
}

func (rm *ResourceManager) Start() error {
	rm.logger.Infof("%v starting ....", ResourceManagerName)
	defer rm.logger.Infof("%v started", ResourceManagerName)

	// ignore error, memory is still governed without system stats
	rm.getSystemStats()

	rm.waitGrp.Add(1)
	go rm.manageResources()

	rm.waitGrp.Add(1)
	go rm.logStats()

	return nil
}

func (rm *ResourceManager) Stop() error {
	rm.logger.Infof("%v stopping ....", ResourceManagerName)
	defer rm.logger.Infof("%v stopped", ResourceManagerName)

	close(rm.finch)
	rm.waitGrp.Wait()

	rm.closeSystemStats()
	return nil
}

func (rm *ResourceManager) getSystemStats() (SystemStatsIface, error) {
	rm.systemStatsLock.Lock()
	defer rm.systemStatsLock.Unlock()
	if rm.systemStats != nil {
		return rm.systemStats, nil
	}
	systemStats, err := NewSystemStats()
	if err != nil {
		return nil, err
	}
	rm.systemStats = systemStats
	return systemStats, nil
}

func (rm *ResourceManager) setSystemStats(systemStats SystemStatsIface) {
	rm.systemStatsLock.Lock()
	defer rm.systemStatsLock.Unlock()
	rm.systemStats = systemStats
}

func (rm *ResourceManager) closeSystemStats() {
	rm.systemStatsLock.Lock()
	defer rm.systemStatsLock.Unlock()
	if rm.systemStats != nil {
		rm.systemStats.Close()
		rm.systemStats = nil
	}
}

func (rm *ResourceManager) manageResources() {
	rm.logger.Info("manageResources starting ....")
	defer rm.logger.Info("manageResources exiting")

	defer rm.waitGrp.Done()
	ticker := time.NewTicker(rm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.finch:
			return
		case <-ticker.C:
			rm.manageResourcesOnce()
		}
	}
}

func (rm *ResourceManager) manageResourcesOnce() *State {
	previousState := rm.GetPreviousState()

	state := rm.computeState()

	rm.computeActionsToTake(previousState, state)

	rm.takeActions(state)

	rm.setPreviousState(state)

	return state
}

func (rm *ResourceManager) computeState() *State {
	state := newState()
	state.memUsed = rm.stats.GetPreciseTotalMemoryUsed()
	state.maxDataSize = rm.stats.GetMaxDataSize()
	if state.maxDataSize > 0 {
		state.memRatio = float64(state.memUsed) / float64(state.maxDataSize)
	}
	state.cpu = rm.collectCpuUsage()
	state.systemMemUsedPercent = rm.collectSystemMemory()
	state.pidOutput = rm.pid.Step(state.memRatio)
	return state
}

func (rm *ResourceManager) collectCpuUsage() int32 {
	systemStats, err := rm.getSystemStats()
	if err != nil {
		rm.logger.Warnf("Error retrieving system stats. err=%v", err)
		// use a negative value to indicate invalid cpu value
		return -1
	}
	_, cpu, err := systemStats.ProcessCpuPercent()
	if err != nil {
		rm.logger.Warnf("Error retrieving cpu usage. err=%v", err)
		return -1
	}
	return int32(cpu)
}

func (rm *ResourceManager) collectSystemMemory() float64 {
	systemStats, err := rm.getSystemStats()
	if err != nil {
		return -1
	}
	usedPercent, err := systemStats.SystemMemoryUsedPercent()
	if err != nil {
		rm.logger.Warnf("Error retrieving system memory. err=%v", err)
		return -1
	}
	return usedPercent
}

func (rm *ResourceManager) computeActionsToTake(previousState, state *State) {
	state.budgetRatio = computeBudgetRatio(state.pidOutput, rm.config.MinBudgetRatio)
	if state.systemMemUsedPercent >= rm.config.SystemMemCeilingPercent {
		atomic.AddInt32(&rm.ceilingCount, 1)
		state.budgetRatio = rm.config.MinBudgetRatio
	} else {
		atomic.StoreInt32(&rm.ceilingCount, 0)
	}

	switch {
	case state.budgetRatio < previousState.budgetRatio:
		state.throttleAction = ThrottleActionShrink
		atomic.AddInt32(&rm.shrinkCount, 1)
		atomic.StoreInt32(&rm.growCount, 0)
	case state.budgetRatio > previousState.budgetRatio:
		state.throttleAction = ThrottleActionGrow
		atomic.AddInt32(&rm.growCount, 1)
		atomic.StoreInt32(&rm.shrinkCount, 0)
	default:
		state.throttleAction = ThrottleActionWait
	}
}

// computeBudgetRatio maps the controller output onto [minRatio, 1]. A
// positive output means memory is below target and the budgets run in full.
func computeBudgetRatio(output, minRatio float64) float64 {
	ratio := 1 + output
	if ratio > 1 {
		ratio = 1
	}
	if ratio < minRatio {
		ratio = minRatio
	}
	return ratio
}

func (rm *ResourceManager) takeActions(state *State) {
	if state.throttleAction == ThrottleActionWait {
		return
	}
	rm.logger.Infof("%v budgets to %.3f of their limit, memRatio=%.3f target=%.3f", state.throttleAction,
		state.budgetRatio, state.memRatio, rm.pid.Target())
	rm.budgetsLock.RLock()
	defer rm.budgetsLock.RUnlock()
	for i, budget := range rm.budgets {
		budget.SetLimit(int64(float64(rm.maxLimits[i]) * state.budgetRatio))
	}
}

// AddBudget puts budget under management. Its current limit is taken as its
// full size and it is scaled to the ratio last decided.
func (rm *ResourceManager) AddBudget(budget *base.ByteBudget) {
	ratio := rm.GetPreviousState().budgetRatio
	rm.budgetsLock.Lock()
	defer rm.budgetsLock.Unlock()
	rm.budgets = append(rm.budgets, budget)
	rm.maxLimits = append(rm.maxLimits, budget.Limit())
	if ratio < 1 {
		budget.SetLimit(int64(float64(budget.Limit()) * ratio))
	}
}

// RemoveBudget stops managing budget and restores its full limit
func (rm *ResourceManager) RemoveBudget(budget *base.ByteBudget) bool {
	rm.budgetsLock.Lock()
	defer rm.budgetsLock.Unlock()
	for i, managed := range rm.budgets {
		if managed != budget {
			continue
		}
		budget.SetLimit(rm.maxLimits[i])
		rm.budgets = append(rm.budgets[:i], rm.budgets[i+1:]...)
		rm.maxLimits = append(rm.maxLimits[:i], rm.maxLimits[i+1:]...)
		return true
	}
	return false
}

func (rm *ResourceManager) NumBudgets() int {
	rm.budgetsLock.RLock()
	defer rm.budgetsLock.RUnlock()
	return len(rm.budgets)
}

func (rm *ResourceManager) logStats() {
	rm.logger.Info("logStats starting ....")
	defer rm.logger.Info("logStats exiting")

	defer rm.waitGrp.Done()
	ticker := time.NewTicker(rm.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.finch:
			return
		case <-ticker.C:
			rm.logStatsOnce()
		}
	}
}

func (rm *ResourceManager) logStatsOnce() {
	rm.logState()
	rm.logCounters()
}

func (rm *ResourceManager) logState() {
	rm.stateLock.RLock()
	defer rm.stateLock.RUnlock()
	rm.logger.Infof("Resource Manager State = %v", rm.previousState)
}

func (rm *ResourceManager) logCounters() {
	rm.budgetsLock.RLock()
	defer rm.budgetsLock.RUnlock()
	rm.logger.Infof("shrinkCount=%v growCount=%v ceilingCount=%v budgets=%v", atomic.LoadInt32(&rm.shrinkCount),
		atomic.LoadInt32(&rm.growCount), atomic.LoadInt32(&rm.ceilingCount), rm.budgets)
}

func (rm *ResourceManager) GetPreviousState() *State {
	rm.stateLock.RLock()
	defer rm.stateLock.RUnlock()
	return rm.previousState
}

func (rm *ResourceManager) setPreviousState(state *State) {
	rm.stateLock.Lock()
	defer rm.stateLock.Unlock()
	rm.previousState = state
}

func (rm *ResourceManager) AddStats(addStat func(key, value string)) {
	state := rm.GetPreviousState()
	addStat("mem_governor_ratio", fmt.Sprintf("%.4f", state.memRatio))
	addStat("mem_governor_budget_ratio", fmt.Sprintf("%.4f", state.budgetRatio))
	addStat("mem_governor_action", state.throttleAction.String())
	addStat("mem_governor_shrinks", fmt.Sprintf("%v", atomic.LoadInt32(&rm.shrinkCount)))
	addStat("mem_governor_grows", fmt.Sprintf("%v", atomic.LoadInt32(&rm.growCount)))
}
