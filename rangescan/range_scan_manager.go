// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package rangescan

import (
	"fmt"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
)

const (
	RangeScansCreatedMetric   = "range_scans_created"
	RangeScansCompletedMetric = "range_scans_completed"
	RangeScansCancelledMetric = "range_scans_cancelled"
	RangeScansYieldedMetric   = "range_scan_yields"
	RangeScanItemsMetric      = "range_scan_items_read"
	RangeScanReadBytesGauge   = "range_scan_buffer_bytes"

	// how often the watchdog looks for expired scans
	rangeScanWatchdogInterval = 5 * time.Second
)

type RangeScanConfig struct {
	MaxQueueItems    int
	ReadBufferBytes  int64
	MaxContinueTasks int
	MaxLifetime      time.Duration
	SnapshotWaitPoll time.Duration
}

func NewRangeScanConfig(config *base.EngineConfig) RangeScanConfig {
	return RangeScanConfig{
		MaxQueueItems:    config.RangeScanMaxQueueItems,
		ReadBufferBytes:  config.RangeScanReadBufferBytes,
		MaxContinueTasks: config.RangeScanMaxContinueTasks,
		MaxLifetime:      config.RangeScanMaxLifetime,
		SnapshotWaitPoll: base.DefaultRangeScanSnapshotWaitPoll,
	}
}

// RangeScanManager holds what the range scans of one bucket share: the read
// buffer budget, the ready queue and the executor running their tasks
type RangeScanManager struct {
	config   RangeScanConfig
	bucket   service_def.Bucket
	vbMap    service_def.VBucketMap
	executor service_def.TaskExecutor
	budget   *base.ByteBudget
	ready    *ReadyRangeScans
	// per vbucket registries, created on first use
	vbScans *xsync.MapOf[base.Vbid, *VBucketRangeScans]

	registry   metrics.Registry
	logger_ctx *log.LoggerContext
	logger     *log.CommonLogger
}

func NewRangeScanManager(config RangeScanConfig, bucket service_def.Bucket, vbMap service_def.VBucketMap,
	executor service_def.TaskExecutor, logger_ctx *log.LoggerContext) *RangeScanManager {
	mgr := &RangeScanManager{
		config:     config,
		bucket:     bucket,
		vbMap:      vbMap,
		executor:   executor,
		budget:     base.NewByteBudget("range_scan", config.ReadBufferBytes),
		ready:      NewReadyRangeScans(config.MaxContinueTasks),
		vbScans:    xsync.NewMapOf[base.Vbid, *VBucketRangeScans](),
		registry:   metrics.NewRegistry(),
		logger_ctx: logger_ctx,
		logger:     log.NewLogger("RangeScanManager", logger_ctx),
	}
	mgr.registry.Register(RangeScansCreatedMetric, metrics.NewCounter())
	mgr.registry.Register(RangeScansCompletedMetric, metrics.NewCounter())
	mgr.registry.Register(RangeScansCancelledMetric, metrics.NewCounter())
	mgr.registry.Register(RangeScansYieldedMetric, metrics.NewCounter())
	mgr.registry.Register(RangeScanItemsMetric, metrics.NewCounter())
	mgr.registry.Register(RangeScanReadBytesGauge, metrics.NewFunctionalGauge(func() int64 { return mgr.budget.Used() }))
	return mgr
}

// ForVBucket returns the scan registry of vbid
func (m *RangeScanManager) ForVBucket(vbid base.Vbid) *VBucketRangeScans {
	scans, _ := m.vbScans.LoadOrCompute(vbid, func() *VBucketRangeScans {
		return newVBucketRangeScans(vbid, m)
	})
	return scans
}

// Create schedules a RangeScanCreateTask. The client is answered through
// NotifyIOComplete on params.Cookie.
func (m *RangeScanManager) Create(params CreateParams) *RangeScanCreateTask {
	task := NewRangeScanCreateTask(m, params)
	m.executor.Schedule(task, m.config.SnapshotWaitPoll)
	return task
}

// Continue asks the scan id of vbid to produce more results. StatusWouldBlock
// means a continue task will answer on cookie.
func (m *RangeScanManager) Continue(vbid base.Vbid, id base.RangeScanId, limits ContinueLimits, cookie base.Cookie) base.Status {
	if _, ok := m.vbMap.GetBucket(vbid); !ok {
		return base.StatusNotMyVbucket
	}
	return m.ForVBucket(vbid).ContinueScan(id, limits, cookie)
}

// Cancel cancels scan id of vbid through its vbucket
func (m *RangeScanManager) Cancel(vbid base.Vbid, id base.RangeScanId) base.Status {
	vb, ok := m.vbMap.GetBucket(vbid)
	if !ok {
		return base.StatusNotMyVbucket
	}
	return vb.CancelRangeScan(id, true)
}

// StartWatchdog schedules the task cancelling scans idle past MaxLifetime
func (m *RangeScanManager) StartWatchdog() *RangeScanCancelTask {
	task := NewRangeScanCancelTask(m)
	m.executor.Schedule(task, rangeScanWatchdogInterval)
	return task
}

func (m *RangeScanManager) addReadyScan(scan *RangeScan) {
	if m.ready.AddScan(scan) {
		m.executor.Schedule(NewRangeScanContinueTask(m), 0)
	}
}

func (m *RangeScanManager) newResultQueue() *RangeScanContext {
	return NewRangeScanContext(m.config.MaxQueueItems, m.budget)
}

func (m *RangeScanManager) Budget() *base.ByteBudget {
	return m.budget
}

func (m *RangeScanManager) Ready() *ReadyRangeScans {
	return m.ready
}

func (m *RangeScanManager) Registry() metrics.Registry {
	return m.registry
}

func (m *RangeScanManager) counter(name string) metrics.Counter {
	return m.registry.Get(name).(metrics.Counter)
}

func (m *RangeScanManager) AddStats(addStat func(key, value string)) {
	m.registry.Each(func(name string, metric interface{}) {
		switch metric := metric.(type) {
		case metrics.Counter:
			addStat(name, fmt.Sprintf("%v", metric.Count()))
		case metrics.Gauge:
			addStat(name, fmt.Sprintf("%v", metric.Value()))
		}
	})
	addStat("range_scan_ready_queue", fmt.Sprintf("%v", m.ready.Size()))
	m.vbScans.Range(func(vbid base.Vbid, scans *VBucketRangeScans) bool {
		scans.AddStats(addStat)
		return true
	})
}
