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
	"sync/atomic"
	"time"

	"github.com/couchbase/goep/service_def"
)

// pause between runs, so a manager whose budget is full does not spin
const backfillTaskInterval = time.Millisecond

// BackfillManagerTask drives one connection's BackfillManager on a
// TaskExecutor. At most one task per manager is scheduled at any time.
type BackfillManagerTask struct {
	mgr       *BackfillManager
	executor  service_def.TaskExecutor
	scheduled atomic.Bool
}

func NewBackfillManagerTask(mgr *BackfillManager, executor service_def.TaskExecutor) *BackfillManagerTask {
	return &BackfillManagerTask{mgr: mgr, executor: executor}
}

func (t *BackfillManagerTask) Description() string {
	return fmt.Sprintf("Backfilling items for %v", t.mgr.name)
}

// Wake schedules the task unless it is already scheduled. Called after new
// backfills are added.
func (t *BackfillManagerTask) Wake() bool {
	if !t.scheduled.CompareAndSwap(false, true) {
		return false
	}
	t.executor.Schedule(t, backfillTaskInterval)
	return true
}

func (t *BackfillManagerTask) Run() bool {
	if t.mgr.Backfill() != BackfillManagerFinished {
		return true
	}
	t.scheduled.Store(false)
	// a backfill scheduled between Backfill and the store above has nobody to
	// run it unless this task carries on
	if t.mgr.NumBackfills() > 0 && t.scheduled.CompareAndSwap(false, true) {
		return true
	}
	return false
}

func (t *BackfillManagerTask) IsScheduled() bool {
	return t.scheduled.Load()
}
