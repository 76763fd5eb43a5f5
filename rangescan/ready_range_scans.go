// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package rangescan

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// ReadyRangeScans is the bucket wide FIFO of scans waiting for a continue
// task. At most maxTasks continue tasks drain it at any time.
type ReadyRangeScans struct {
	lock  sync.Mutex
	scans []*RangeScan

	maxTasks int64
	tasks    *semaphore.Weighted
}

func NewReadyRangeScans(maxTasks int) *ReadyRangeScans {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return &ReadyRangeScans{
		maxTasks: int64(maxTasks),
		tasks:    semaphore.NewWeighted(int64(maxTasks)),
	}
}

// AddScan queues scan unless it is already queued. It returns true when the
// caller must schedule a new continue task to drain the queue.
func (r *ReadyRangeScans) AddScan(scan *RangeScan) bool {
	if scan.queued.CompareAndSwap(false, true) {
		r.lock.Lock()
		r.scans = append(r.scans, scan)
		r.lock.Unlock()
	}
	return r.tasks.TryAcquire(1)
}

// TakeNextScan pops the oldest queued scan
func (r *ReadyRangeScans) TakeNextScan() *RangeScan {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.scans) == 0 {
		return nil
	}
	scan := r.scans[0]
	r.scans[0] = nil
	r.scans = r.scans[1:]
	scan.queued.Store(false)
	return scan
}

// nextScanForTask is TakeNextScan for a continue task holding a slot. A nil
// return means the queue is empty and the slot has been given up.
func (r *ReadyRangeScans) nextScanForTask() *RangeScan {
	for {
		if scan := r.TakeNextScan(); scan != nil {
			return scan
		}
		r.tasks.Release(1)
		// a scan added after the pop may have found every slot taken
		if r.Size() == 0 || !r.tasks.TryAcquire(1) {
			return nil
		}
	}
}

func (r *ReadyRangeScans) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.scans)
}

func (r *ReadyRangeScans) MaxTasks() int {
	return int(r.maxTasks)
}
