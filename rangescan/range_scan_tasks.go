// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package rangescan

import (
	"bytes"
	"fmt"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/google/uuid"
)

// RangeScanCreateTask opens the snapshot of a new scan. It snoozes while a
// required seqno is not yet persisted, for at most the requirement's timeout.
type RangeScanCreateTask struct {
	mgr     *RangeScanManager
	params  CreateParams
	started time.Time
	now     func() time.Time
	logger  *log.CommonLogger
}

func NewRangeScanCreateTask(mgr *RangeScanManager, params CreateParams) *RangeScanCreateTask {
	task := &RangeScanCreateTask{
		mgr:    mgr,
		params: params,
		now:    time.Now,
		logger: log.NewLogger("RangeScanCreateTask", mgr.logger_ctx),
	}
	task.started = task.now()
	return task
}

func (t *RangeScanCreateTask) Description() string {
	return fmt.Sprintf("RangeScanCreateTask %v %v", t.params.Vbid, t.params.Cid)
}

func (t *RangeScanCreateTask) Run() bool {
	status, wait := t.create()
	if wait {
		return true
	}
	t.mgr.bucket.NotifyIOComplete(t.params.Cookie, status)
	return false
}

func (t *RangeScanCreateTask) create() (status base.Status, wait bool) {
	params := t.params
	vb, ok := t.mgr.vbMap.GetBucket(params.Vbid)
	if !ok || vb.GetState() != base.VBucketStateActive {
		return base.StatusNotMyVbucket, false
	}
	if bytes.Compare(params.Start, params.End) > 0 {
		return base.StatusInvalidArgument, false
	}
	if manifest := vb.GetManifest(); manifest != nil {
		if _, found := manifest.FindCollectionByUid(params.Cid); !found {
			return base.StatusUnknownCollection, false
		}
	}

	vbUuid := vb.GetUUID()
	reqs := params.SnapshotReqs
	if reqs != nil {
		if reqs.VbUuid != vbUuid {
			t.logger.Infof("%v uuid %v does not match required %v", params.Vbid, vbUuid, reqs.VbUuid)
			return base.StatusNotMyVbucket, false
		}
		if persisted := vb.GetPersistenceSeqno(); persisted < reqs.Seqno {
			if reqs.Timeout > 0 && t.now().Sub(t.started) < reqs.Timeout {
				return base.StatusWouldBlock, true
			}
			t.logger.Infof("%v persisted seqno %v below required %v after %v", params.Vbid, persisted, reqs.Seqno, reqs.Timeout)
			return base.StatusTempFail, false
		}
	}

	snapshot, err := vb.GetKVStore().MakeSnapshot(params.Vbid)
	if err != nil {
		t.logger.Warnf("%v unable to open snapshot: %v", params.Vbid, err)
		return base.StatusTempFail, false
	}
	if reqs != nil {
		if snapshot.HighSeqno() < reqs.Seqno || reqs.SeqnoExists && !snapshot.SeqnoExists(reqs.Seqno) {
			snapshot.Close()
			return base.StatusKeyNotFound, false
		}
	}

	scan := NewRangeScan(uuid.New(), params, vbUuid, snapshot, t.mgr.newResultQueue(), t.mgr.logger_ctx)
	t.mgr.ForVBucket(params.Vbid).AddNewScan(scan)
	t.mgr.bucket.StoreEngineSpecific(params.Cookie, scan.Id())
	t.logger.Infof("%v created, high seqno %v", scan, snapshot.HighSeqno())
	return base.StatusSuccess, false
}

// RangeScanContinueTask drains the ready queue one scan per run
type RangeScanContinueTask struct {
	mgr    *RangeScanManager
	logger *log.CommonLogger
}

func NewRangeScanContinueTask(mgr *RangeScanManager) *RangeScanContinueTask {
	return &RangeScanContinueTask{
		mgr:    mgr,
		logger: log.NewLogger("RangeScanContinueTask", mgr.logger_ctx),
	}
}

func (t *RangeScanContinueTask) Description() string {
	return "RangeScanContinueTask"
}

func (t *RangeScanContinueTask) Run() bool {
	scan := t.mgr.ready.nextScanForTask()
	if scan == nil {
		return false
	}
	t.continueScan(scan)
	return true
}

func (t *RangeScanContinueTask) continueScan(scan *RangeScan) {
	if scan.IsCancelled() {
		t.finishCancelled(scan)
		return
	}

	itemsBefore := scan.ItemsRead()
	status := scan.ContinueOnIOThread()
	t.mgr.counter(RangeScanItemsMetric).Inc(int64(scan.ItemsRead() - itemsBefore))

	switch status {
	case base.StatusTooBusy:
		t.mgr.counter(RangeScansYieldedMetric).Inc(1)
		t.notify(scan.SetStateIdle(), base.StatusRangeScanMore)
	case base.StatusSuccess:
		scan.Results().Store(NewEndResult(base.StatusRangeScanComplete))
		cookie := scan.SetStateCompleted()
		if scan.owner != nil {
			scan.owner.CompleteScan(scan.Id())
		}
		scan.releaseSnapshot()
		t.notify(cookie, base.StatusRangeScanComplete)
	case base.StatusRangeScanCancelled:
		t.finishCancelled(scan)
	default:
		t.logger.Warnf("%v ended with %v", scan, status)
		cookie := scan.TakeCookie()
		// the vbucket retires the id so no further continue finds it
		if vb, ok := t.mgr.vbMap.GetBucket(scan.Vbid()); ok {
			vb.CancelRangeScan(scan.Id(), false)
		} else {
			scan.Cancel()
		}
		scan.Release()
		scan.Results().Store(NewEndResult(status))
		t.notify(cookie, status)
	}
}

func (t *RangeScanContinueTask) finishCancelled(scan *RangeScan) {
	cookie := scan.TakeCookie()
	scan.Release()
	scan.Results().Store(NewEndResult(base.StatusRangeScanCancelled))
	t.notify(cookie, base.StatusRangeScanCancelled)
}

func (t *RangeScanContinueTask) notify(cookie base.Cookie, status base.Status) {
	if cookie != nil {
		t.mgr.bucket.NotifyIOComplete(cookie, status)
	}
}

// RangeScanCancelTask is the watchdog cancelling scans a client abandoned.
// It runs for as long as the manager lives.
type RangeScanCancelTask struct {
	mgr    *RangeScanManager
	logger *log.CommonLogger
}

func NewRangeScanCancelTask(mgr *RangeScanManager) *RangeScanCancelTask {
	return &RangeScanCancelTask{
		mgr:    mgr,
		logger: log.NewLogger("RangeScanCancelTask", mgr.logger_ctx),
	}
}

func (t *RangeScanCancelTask) Description() string {
	return fmt.Sprintf("RangeScanCancelTask lifetime:%v", t.mgr.config.MaxLifetime)
}

func (t *RangeScanCancelTask) Run() bool {
	t.mgr.vbScans.Range(func(vbid base.Vbid, scans *VBucketRangeScans) bool {
		for _, id := range scans.ExpiredScans() {
			t.logger.Warnf("%v range scan %v exceeded %v, cancelling", vbid, id, t.mgr.config.MaxLifetime)
			if vb, ok := t.mgr.vbMap.GetBucket(vbid); ok {
				vb.CancelRangeScan(id, true)
			} else {
				scans.CancelScan(id, true)
			}
		}
		return true
	})
	return true
}
