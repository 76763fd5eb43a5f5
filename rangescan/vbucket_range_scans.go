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

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/puzpuzpuz/xsync/v3"
)

// VBucketRangeScans is the registry of live scans of one vbucket
type VBucketRangeScans struct {
	vbid   base.Vbid
	mgr    *RangeScanManager
	scans  *xsync.MapOf[base.RangeScanId, *RangeScan]
	logger *log.CommonLogger
}

func newVBucketRangeScans(vbid base.Vbid, mgr *RangeScanManager) *VBucketRangeScans {
	return &VBucketRangeScans{
		vbid:   vbid,
		mgr:    mgr,
		scans:  xsync.NewMapOf[base.RangeScanId, *RangeScan](),
		logger: log.NewLogger("VBucketRangeScans", mgr.logger_ctx),
	}
}

// AddNewScan registers scan. Ids are uuids so a clash is a programming error.
func (v *VBucketRangeScans) AddNewScan(scan *RangeScan) {
	scan.owner = v
	if _, loaded := v.scans.LoadOrStore(scan.Id(), scan); loaded {
		v.logger.Fatalf("%v range scan %v already exists", v.vbid, scan.Id())
	}
	v.mgr.counter(RangeScansCreatedMetric).Inc(1)
}

func (v *VBucketRangeScans) GetScan(id base.RangeScanId) *RangeScan {
	scan, _ := v.scans.Load(id)
	return scan
}

// ContinueScan claims scan id for a continue and queues it. StatusWouldBlock
// means a continue task will complete cookie.
func (v *VBucketRangeScans) ContinueScan(id base.RangeScanId, limits ContinueLimits, cookie base.Cookie) base.Status {
	scan := v.GetScan(id)
	if scan == nil {
		return base.StatusKeyNotFound
	}
	if status := scan.SetStateContinuing(limits, cookie); status != base.StatusSuccess {
		return status
	}
	v.mgr.addReadyScan(scan)
	return base.StatusWouldBlock
}

// CancelScan removes scan id. With schedule the snapshot is released by a
// continue task, otherwise the caller is running on one and releases it.
func (v *VBucketRangeScans) CancelScan(id base.RangeScanId, schedule bool) base.Status {
	scan, ok := v.scans.LoadAndDelete(id)
	if !ok {
		return base.StatusKeyNotFound
	}
	if scan.Cancel() {
		v.mgr.counter(RangeScansCancelledMetric).Inc(1)
	}
	v.logger.Infof("%v cancelled, schedule:%v", scan, schedule)
	if schedule {
		v.mgr.addReadyScan(scan)
	}
	return base.StatusSuccess
}

// CompleteScan drops a scan whose range was exhausted
func (v *VBucketRangeScans) CompleteScan(id base.RangeScanId) {
	if _, ok := v.scans.LoadAndDelete(id); ok {
		v.mgr.counter(RangeScansCompletedMetric).Inc(1)
	}
}

// ExpiredScans lists the idle scans older than lifetime
func (v *VBucketRangeScans) ExpiredScans() []base.RangeScanId {
	var expired []base.RangeScanId
	v.scans.Range(func(id base.RangeScanId, scan *RangeScan) bool {
		if scan.IsExpired(v.mgr.config.MaxLifetime) {
			expired = append(expired, id)
		}
		return true
	})
	return expired
}

// CancelAll cancels every scan, for a vbucket going away
func (v *VBucketRangeScans) CancelAll() {
	v.scans.Range(func(id base.RangeScanId, scan *RangeScan) bool {
		v.CancelScan(id, true)
		return true
	})
}

func (v *VBucketRangeScans) Size() int {
	return v.scans.Size()
}

func (v *VBucketRangeScans) AddStats(addStat func(key, value string)) {
	addStat(fmt.Sprintf("vb_%d:range_scans", uint16(v.vbid)), fmt.Sprintf("%v", v.Size()))
	v.scans.Range(func(id base.RangeScanId, scan *RangeScan) bool {
		scan.AddStats(addStat)
		return true
	})
}
