// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package dcp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
)

type BackfillState int

const (
	BackfillStateCreate BackfillState = iota
	BackfillStateScan   BackfillState = iota
	BackfillStateDone   BackfillState = iota
)

func (s BackfillState) String() string {
	switch s {
	case BackfillStateCreate:
		return "Create"
	case BackfillStateScan:
		return "Scan"
	case BackfillStateDone:
		return "Done"
	}
	return fmt.Sprintf("BackfillState(%d)", int(s))
}

// BackfillStatus is the result of one step of a backfill
type BackfillStatus int

const (
	// progress was made and the backfill wants to run again
	BackfillSuccess BackfillStatus = iota
	// no progress possible right now, run again later
	BackfillSnooze BackfillStatus = iota
	// nothing left to do
	BackfillFinished BackfillStatus = iota
)

func (s BackfillStatus) String() string {
	switch s {
	case BackfillSuccess:
		return "success"
	case BackfillSnooze:
		return "snooze"
	case BackfillFinished:
		return "finished"
	}
	return fmt.Sprintf("BackfillStatus(%d)", int(s))
}

// ValidateBackfillTransition accepts only forward moves:
// Create->Scan, Create->Done and Scan->Done
func ValidateBackfillTransition(from, to BackfillState) error {
	switch from {
	case BackfillStateCreate:
		if to != BackfillStateScan && to != BackfillStateDone {
			return errors.New(fmt.Sprintf(base.InvalidStateTransitionErrMsg, to, "Backfill", from, "Scan, Done"))
		}
	case BackfillStateScan:
		if to != BackfillStateDone {
			return errors.New(fmt.Sprintf(base.InvalidStateTransitionErrMsg, to, "Backfill", from, "Done"))
		}
	default:
		return errors.New(fmt.Sprintf(base.InvalidStateTransitionErrMsg, to, "Backfill", from, ""))
	}
	return nil
}

// BackfillStrategy does the actual work of a backfill. Create and Scan are
// only ever called from DCPBackfill.Run, one at a time.
type BackfillStrategy interface {
	// Sets up the source. BackfillSuccess moves on to scanning,
	// BackfillFinished means there is nothing to scan.
	Create() BackfillStatus
	// Moves a bounded amount of data. BackfillFinished ends the backfill.
	Scan() BackfillStatus
	// Releases anything held by Create. Called when the backfill is cancelled.
	Cancel()
	Description() string
}

// DCPBackfill drives a BackfillStrategy through Create, Scan and Done
type DCPBackfill struct {
	vbid     base.Vbid
	strategy BackfillStrategy

	lock    sync.Mutex
	state   BackfillState
	runtime time.Duration

	logger *log.CommonLogger
}

func NewDCPBackfill(vbid base.Vbid, strategy BackfillStrategy, logger_ctx *log.LoggerContext) *DCPBackfill {
	return &DCPBackfill{
		vbid:     vbid,
		strategy: strategy,
		state:    BackfillStateCreate,
		logger:   log.NewLogger("DCPBackfill", logger_ctx),
	}
}

// Run executes one step. Calling Run once the backfill is Done is a
// programming error and panics.
func (b *DCPBackfill) Run() BackfillStatus {
	b.lock.Lock()
	defer b.lock.Unlock()

	start := time.Now()
	defer func() {
		b.runtime += time.Since(start)
	}()

	var status BackfillStatus
	switch b.state {
	case BackfillStateCreate:
		status = b.strategy.Create()
		switch status {
		case BackfillSuccess:
			b.transitionState(BackfillStateScan)
		case BackfillFinished:
			b.transitionState(BackfillStateDone)
		}
	case BackfillStateScan:
		status = b.strategy.Scan()
		if status == BackfillFinished {
			b.transitionState(BackfillStateDone)
		}
	case BackfillStateDone:
		b.logger.Fatalf(base.ErrorBackfillRunAfterDone, b.vbid)
	}
	return status
}

func (b *DCPBackfill) transitionState(newState BackfillState) {
	if err := ValidateBackfillTransition(b.state, newState); err != nil {
		b.logger.Fatalf("%v %v: %v", b.vbid, b.strategy.Description(), err)
	}
	b.logger.Debugf("%v backfill %v -> %v", b.vbid, b.state, newState)
	b.state = newState
}

// Cancel releases the strategy's resources. The state is left alone.
func (b *DCPBackfill) Cancel() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.state != BackfillStateDone {
		b.logger.Warnf("%v %v cancelled in state %v", b.vbid, b.strategy.Description(), b.state)
	}
	b.strategy.Cancel()
}

func (b *DCPBackfill) GetState() BackfillState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state
}

func (b *DCPBackfill) IsDone() bool {
	return b.GetState() == BackfillStateDone
}

// GetRuntime is the total time spent inside Run
func (b *DCPBackfill) GetRuntime() time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.runtime
}

func (b *DCPBackfill) Vbid() base.Vbid {
	return b.vbid
}

func (b *DCPBackfill) String() string {
	return fmt.Sprintf("%v %v state:%v runtime:%v", b.vbid, b.strategy.Description(), b.GetState(), b.GetRuntime())
}
