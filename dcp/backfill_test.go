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
	"testing"
	"time"

	"github.com/couchbase/goep/log"
	"github.com/stretchr/testify/assert"
)

// scriptedStrategy returns canned statuses in order
type scriptedStrategy struct {
	createStatus BackfillStatus
	scanStatuses []BackfillStatus
	scanSleep    time.Duration

	creates   int
	scans     int
	cancelled int
}

func (s *scriptedStrategy) Create() BackfillStatus {
	s.creates++
	return s.createStatus
}

func (s *scriptedStrategy) Scan() BackfillStatus {
	time.Sleep(s.scanSleep)
	status := s.scanStatuses[s.scans]
	s.scans++
	return status
}

func (s *scriptedStrategy) Cancel() {
	s.cancelled++
}

func (s *scriptedStrategy) Description() string {
	return "scripted backfill"
}

func TestValidateBackfillTransition(t *testing.T) {
	fmt.Println("============== Test case start: TestValidateBackfillTransition =================")
	defer fmt.Println("============== Test case end: TestValidateBackfillTransition =================")
	assert := assert.New(t)

	states := []BackfillState{BackfillStateCreate, BackfillStateScan, BackfillStateDone}
	allowed := map[[2]BackfillState]bool{
		{BackfillStateCreate, BackfillStateScan}: true,
		{BackfillStateCreate, BackfillStateDone}: true,
		{BackfillStateScan, BackfillStateDone}:   true,
	}
	for _, from := range states {
		for _, to := range states {
			err := ValidateBackfillTransition(from, to)
			if allowed[[2]BackfillState{from, to}] {
				assert.Nil(err, "%v -> %v", from, to)
			} else {
				assert.NotNil(err, "%v -> %v", from, to)
			}
		}
	}
}

func TestBackfillCreateScanDone(t *testing.T) {
	fmt.Println("============== Test case start: TestBackfillCreateScanDone =================")
	defer fmt.Println("============== Test case end: TestBackfillCreateScanDone =================")
	assert := assert.New(t)

	strategy := &scriptedStrategy{
		createStatus: BackfillSuccess,
		scanStatuses: []BackfillStatus{BackfillSuccess, BackfillSnooze, BackfillFinished},
		scanSleep:    2 * time.Millisecond,
	}
	backfill := NewDCPBackfill(5, strategy, log.DefaultLoggerContext)
	assert.Equal(BackfillStateCreate, backfill.GetState())

	assert.Equal(BackfillSuccess, backfill.Run())
	assert.Equal(BackfillStateScan, backfill.GetState())

	assert.Equal(BackfillSuccess, backfill.Run())
	assert.Equal(BackfillStateScan, backfill.GetState())

	// snooze never changes state
	assert.Equal(BackfillSnooze, backfill.Run())
	assert.Equal(BackfillStateScan, backfill.GetState())

	assert.Equal(BackfillFinished, backfill.Run())
	assert.True(backfill.IsDone())
	assert.Equal(1, strategy.creates)
	assert.Equal(3, strategy.scans)
	assert.True(backfill.GetRuntime() >= 6*time.Millisecond)
}

func TestBackfillCreateFinishedSkipsScan(t *testing.T) {
	fmt.Println("============== Test case start: TestBackfillCreateFinishedSkipsScan =================")
	defer fmt.Println("============== Test case end: TestBackfillCreateFinishedSkipsScan =================")
	assert := assert.New(t)

	strategy := &scriptedStrategy{createStatus: BackfillFinished}
	backfill := NewDCPBackfill(0, strategy, log.DefaultLoggerContext)
	assert.Equal(BackfillFinished, backfill.Run())
	assert.Equal(BackfillStateDone, backfill.GetState())
	assert.Equal(0, strategy.scans)
}

func TestBackfillCreateSnoozeStaysInCreate(t *testing.T) {
	fmt.Println("============== Test case start: TestBackfillCreateSnoozeStaysInCreate =================")
	defer fmt.Println("============== Test case end: TestBackfillCreateSnoozeStaysInCreate =================")
	assert := assert.New(t)

	strategy := &scriptedStrategy{createStatus: BackfillSnooze}
	backfill := NewDCPBackfill(0, strategy, log.DefaultLoggerContext)
	assert.Equal(BackfillSnooze, backfill.Run())
	assert.Equal(BackfillSnooze, backfill.Run())
	assert.Equal(BackfillStateCreate, backfill.GetState())
	assert.Equal(2, strategy.creates)
}

func TestBackfillRunAfterDonePanics(t *testing.T) {
	fmt.Println("============== Test case start: TestBackfillRunAfterDonePanics =================")
	defer fmt.Println("============== Test case end: TestBackfillRunAfterDonePanics =================")
	assert := assert.New(t)

	backfill := NewDCPBackfill(3, &scriptedStrategy{createStatus: BackfillFinished}, log.DefaultLoggerContext)
	assert.Equal(BackfillFinished, backfill.Run())
	assert.Panics(func() { backfill.Run() })
	// the lock was released on the way out
	assert.Equal(BackfillStateDone, backfill.GetState())
}

func TestBackfillCancel(t *testing.T) {
	fmt.Println("============== Test case start: TestBackfillCancel =================")
	defer fmt.Println("============== Test case end: TestBackfillCancel =================")
	assert := assert.New(t)

	strategy := &scriptedStrategy{createStatus: BackfillSuccess}
	backfill := NewDCPBackfill(3, strategy, log.DefaultLoggerContext)
	backfill.Run()
	backfill.Cancel()
	assert.Equal(1, strategy.cancelled)
	assert.Equal(BackfillStateScan, backfill.GetState())
	assert.Contains(backfill.String(), "scripted backfill")
}
