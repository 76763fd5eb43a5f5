// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package dcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

type BackfillManagerStatus int

const (
	// a backfill ran and more work remains
	BackfillManagerSuccess BackfillManagerStatus = iota
	// every remaining backfill is waiting
	BackfillManagerSnooze BackfillManagerStatus = iota
	// no backfills left
	BackfillManagerFinished BackfillManagerStatus = iota
)

func (s BackfillManagerStatus) String() string {
	switch s {
	case BackfillManagerSuccess:
		return "success"
	case BackfillManagerSnooze:
		return "snooze"
	case BackfillManagerFinished:
		return "finished"
	}
	return "unknown"
}

const (
	BackfillsScheduledMetric = "backfills_scheduled"
	BackfillsCompletedMetric = "backfills_completed"
	BackfillsSnoozedMetric   = "backfill_snoozes"
	BackfillRunTimeMetric    = "backfill_run_time"
	BackfillBufferBytesGauge = "backfill_buffer_bytes"

	// how long a snoozed backfill waits before it is retried
	backfillSnoozeInterval = time.Second
)

type BackfillManagerConfig struct {
	ScanChunkDuration time.Duration
	MaxBufferBytes    int64
	// zero disables the disk read limit
	DiskReadBytesPerSec int
}

func NewBackfillManagerConfig(config *base.EngineConfig) BackfillManagerConfig {
	return BackfillManagerConfig{
		ScanChunkDuration:   config.BackfillChunk,
		MaxBufferBytes:      config.BackfillMaxBytes,
		DiskReadBytesPerSec: config.BackfillDiskRateBps,
	}
}

type snoozingBackfill struct {
	backfill *DCPBackfill
	wakeAt   time.Time
}

// BackfillManager schedules the backfills of one DCP connection. New
// backfills run their Create step before active ones continue scanning, and
// all of them stop producing once the connection's buffer budget is used up.
type BackfillManager struct {
	name   string
	config BackfillManagerConfig
	budget *base.ByteBudget
	// nil when unthrottled
	limiter *rate.Limiter

	lock         sync.Mutex
	initializing []*DCPBackfill
	active       []*DCPBackfill
	snoozing     []snoozingBackfill

	registry metrics.Registry
	now      func() time.Time
	logger   *log.CommonLogger
}

func NewBackfillManager(name string, config BackfillManagerConfig, logger_ctx *log.LoggerContext) *BackfillManager {
	mgr := &BackfillManager{
		name:     name,
		config:   config,
		budget:   base.NewByteBudget(name+":backfill", config.MaxBufferBytes),
		registry: metrics.NewRegistry(),
		now:      time.Now,
		logger:   log.NewLogger("BackfillManager", logger_ctx),
	}
	if config.DiskReadBytesPerSec > 0 {
		mgr.limiter = rate.NewLimiter(rate.Limit(config.DiskReadBytesPerSec), config.DiskReadBytesPerSec)
	}
	mgr.registry.Register(BackfillsScheduledMetric, metrics.NewCounter())
	mgr.registry.Register(BackfillsCompletedMetric, metrics.NewCounter())
	mgr.registry.Register(BackfillsSnoozedMetric, metrics.NewCounter())
	mgr.registry.Register(BackfillRunTimeMetric, metrics.NewTimer())
	mgr.registry.Register(BackfillBufferBytesGauge, metrics.NewFunctionalGauge(func() int64 { return mgr.budget.Used() }))
	return mgr
}

// Budget is the shared buffer budget streams of this connection consume from
func (m *BackfillManager) Budget() *base.ByteBudget {
	return m.budget
}

func (m *BackfillManager) Limiter() *rate.Limiter {
	return m.limiter
}

func (m *BackfillManager) Registry() metrics.Registry {
	return m.registry
}

// NewDiskBackfill creates and schedules a disk backfill for stream
func (m *BackfillManager) NewDiskBackfill(vbid base.Vbid, store service_def.KVStore, stream BackfillReceiver,
	start, end uint64, logger_ctx *log.LoggerContext) *DCPBackfill {
	strategy := NewBackfillDiskBySeqno(vbid, store, stream, start, end, m.config.ScanChunkDuration, m.limiter, logger_ctx)
	backfill := NewDCPBackfill(vbid, strategy, logger_ctx)
	m.Schedule(backfill)
	return backfill
}

func (m *BackfillManager) Schedule(backfill *DCPBackfill) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.initializing = append(m.initializing, backfill)
	m.counter(BackfillsScheduledMetric).Inc(1)
	m.logger.Debugf("%v scheduled %v", m.name, backfill)
}

// Backfill runs one step of one backfill
func (m *BackfillManager) Backfill() BackfillManagerStatus {
	m.lock.Lock()
	m.wakeSnoozedLocked()
	if m.budget.IsFull() {
		pending := m.numBackfillsLocked()
		m.lock.Unlock()
		if pending == 0 {
			return BackfillManagerFinished
		}
		return BackfillManagerSnooze
	}

	backfill, fromInitializing := m.popNextLocked()
	if backfill == nil {
		snoozing := len(m.snoozing)
		m.lock.Unlock()
		if snoozing > 0 {
			return BackfillManagerSnooze
		}
		return BackfillManagerFinished
	}
	m.lock.Unlock()

	// Run takes the backfill's own lock, never while holding the manager's
	start := m.now()
	status := backfill.Run()
	m.registry.Get(BackfillRunTimeMetric).(metrics.Timer).Update(m.now().Sub(start))

	m.lock.Lock()
	defer m.lock.Unlock()
	switch status {
	case BackfillSuccess:
		m.active = append(m.active, backfill)
	case BackfillSnooze:
		m.counter(BackfillsSnoozedMetric).Inc(1)
		if fromInitializing && backfill.GetState() == BackfillStateCreate {
			m.initializing = append(m.initializing, backfill)
		} else {
			m.snoozing = append(m.snoozing, snoozingBackfill{backfill: backfill, wakeAt: m.now().Add(backfillSnoozeInterval)})
		}
	case BackfillFinished:
		m.counter(BackfillsCompletedMetric).Inc(1)
	}
	if m.numBackfillsLocked() == 0 {
		return BackfillManagerFinished
	}
	return BackfillManagerSuccess
}

func (m *BackfillManager) popNextLocked() (*DCPBackfill, bool) {
	if len(m.initializing) > 0 {
		backfill := m.initializing[0]
		m.initializing = m.initializing[1:]
		return backfill, true
	}
	if len(m.active) > 0 {
		backfill := m.active[0]
		m.active = m.active[1:]
		return backfill, false
	}
	return nil, false
}

func (m *BackfillManager) wakeSnoozedLocked() {
	if len(m.snoozing) == 0 {
		return
	}
	now := m.now()
	remaining := m.snoozing[:0]
	for _, snoozed := range m.snoozing {
		if !now.Before(snoozed.wakeAt) {
			m.active = append(m.active, snoozed.backfill)
		} else {
			remaining = append(remaining, snoozed)
		}
	}
	m.snoozing = remaining
}

func (m *BackfillManager) numBackfillsLocked() int {
	return len(m.initializing) + len(m.active) + len(m.snoozing)
}

func (m *BackfillManager) NumBackfills() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.numBackfillsLocked()
}

// CancelAll cancels and drops every scheduled backfill
func (m *BackfillManager) CancelAll() {
	m.lock.Lock()
	all := append(append([]*DCPBackfill{}, m.initializing...), m.active...)
	for _, snoozed := range m.snoozing {
		all = append(all, snoozed.backfill)
	}
	m.initializing, m.active, m.snoozing = nil, nil, nil
	m.lock.Unlock()

	for _, backfill := range all {
		backfill.Cancel()
	}
}

func (m *BackfillManager) counter(name string) metrics.Counter {
	return m.registry.Get(name).(metrics.Counter)
}

func (m *BackfillManager) AddStats(addStat func(key, value string)) {
	m.lock.Lock()
	initializing, active, snoozing := len(m.initializing), len(m.active), len(m.snoozing)
	m.lock.Unlock()

	prefix := m.name + ":backfill_"
	addStat(prefix+"num_initializing", fmt.Sprintf("%v", initializing))
	addStat(prefix+"num_active", fmt.Sprintf("%v", active))
	addStat(prefix+"num_snoozing", fmt.Sprintf("%v", snoozing))
	addStat(prefix+"buffer_bytes", fmt.Sprintf("%v", m.budget.Used()))
	addStat(prefix+"buffer_limit", fmt.Sprintf("%v", m.budget.Limit()))
	m.registry.Each(func(name string, metric interface{}) {
		if counter, ok := metric.(metrics.Counter); ok {
			addStat(m.name+":"+name, fmt.Sprintf("%v", counter.Count()))
		}
	})
}
