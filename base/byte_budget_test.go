// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"sync"
	"testing"

	mc "github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/assert"
)

func TestByteBudget(t *testing.T) {
	assert := assert.New(t)
	budget := NewByteBudget("test", 100)

	assert.True(budget.TryConsume(60))
	assert.True(budget.TryConsume(40))
	assert.False(budget.TryConsume(1))
	assert.True(budget.IsFull())
	assert.Equal(int64(100), budget.Used())

	budget.Release(50)
	assert.True(budget.TryConsume(30))
	assert.Equal(int64(80), budget.Used())

	budget.SetLimit(200)
	assert.True(budget.TryConsume(120))
	assert.Panics(func() { budget.Release(1000) })
}

func TestByteBudgetAdmitsOversizedItemWhenEmpty(t *testing.T) {
	assert := assert.New(t)
	budget := NewByteBudget("test", 10)
	assert.True(budget.TryConsume(50))
	assert.False(budget.TryConsume(1))
	budget.Release(50)
	assert.Equal(int64(0), budget.Used())
}

func TestByteBudgetConcurrent(t *testing.T) {
	assert := assert.New(t)
	budget := NewByteBudget("test", 1000)
	var wg sync.WaitGroup
	var admitted int64
	var mtx sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if budget.TryConsume(10) {
					mtx.Lock()
					admitted += 10
					mtx.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(int64(1000), admitted)
	assert.Equal(int64(1000), budget.Used())
}

func TestStatusToMcStatus(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(mc.SUCCESS, StatusSuccess.ToMcStatus())
	assert.Equal(mc.NOT_MY_VBUCKET, StatusNotMyVbucket.ToMcStatus())
	assert.Equal(mc.EBUSY, StatusTooBusy.ToMcStatus())
	assert.Equal(mc.TMPFAIL, StatusTempFail.ToMcStatus())
	assert.Equal(mc.RANGE_SCAN_COMPLETE, StatusRangeScanComplete.ToMcStatus())
	assert.Equal("cannot_apply_collections_manifest", StatusCannotApplyCollectionsManifest.String())
	assert.True(StatusTooBusy.IsFlowControlSignal())
	assert.False(StatusNotMyVbucket.IsFlowControlSignal())
}

func TestDcpOpenFlagsByteBudget(t *testing.T) {
	assert := assert.New(t)
	flags := DcpOpenProducer | DcpOpenIncludeXattrs | DcpOpenCollections
	assert.True(flags.Has(DcpOpenIncludeXattrs))
	assert.False(flags.Has(DcpOpenNoValue))
	assert.Equal("[PRODUCER|INCLUDE_XATTRS|COLLECTIONS]", flags.String())
}
