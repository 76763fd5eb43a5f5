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
	"sync"

	"github.com/couchbase/goep/base"
)

type RangeScanResultType int

const (
	RangeScanResultKey      RangeScanResultType = iota
	RangeScanResultKeyValue RangeScanResultType = iota
	RangeScanResultEnd      RangeScanResultType = iota
)

func (t RangeScanResultType) String() string {
	switch t {
	case RangeScanResultKey:
		return "key"
	case RangeScanResultKeyValue:
		return "key-value"
	case RangeScanResultEnd:
		return "end"
	}
	return "unknown"
}

// RangeScanResult is one entry of a scan's result queue. Key is set for Key
// results, Item for KeyValue results and Status for the End result.
type RangeScanResult struct {
	Type   RangeScanResultType
	Key    []byte
	Item   *base.Item
	Status base.Status
}

func NewKeyResult(key []byte) RangeScanResult {
	return RangeScanResult{Type: RangeScanResultKey, Key: key}
}

func NewKeyValueResult(item *base.Item) RangeScanResult {
	return RangeScanResult{Type: RangeScanResultKeyValue, Key: item.Key, Item: item}
}

func NewEndResult(status base.Status) RangeScanResult {
	return RangeScanResult{Type: RangeScanResultEnd, Status: status}
}

// Size is the number of bytes the result holds against the read budget
func (r RangeScanResult) Size() int64 {
	switch r.Type {
	case RangeScanResultKey:
		return int64(len(r.Key))
	case RangeScanResultKeyValue:
		return int64(len(r.Item.Key) + len(r.Item.Value))
	}
	return 0
}

func (r RangeScanResult) String() string {
	if r.Type == RangeScanResultEnd {
		return fmt.Sprintf("end(%v)", r.Status)
	}
	return fmt.Sprintf("%v(<ud>%s</ud>)", r.Type, r.Key)
}

// RangeScanContext is the bounded result queue of one scan. Every stored
// result holds its size against budget until it is popped. The queue is
// terminated by exactly one End result.
type RangeScanContext struct {
	lock     sync.Mutex
	results  []RangeScanResult
	head     int
	maxItems int
	budget   *base.ByteBudget
	bytes    int64
	ended    bool
}

func NewRangeScanContext(maxItems int, budget *base.ByteBudget) *RangeScanContext {
	return &RangeScanContext{maxItems: maxItems, budget: budget}
}

// Store appends result. It returns false, keeping nothing, when the queue is
// full, the budget has no room for the result or the queue was already ended.
// An End result is never refused for lack of room.
func (c *RangeScanContext) Store(result RangeScanResult) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ended {
		return false
	}
	if result.Type == RangeScanResultEnd {
		c.results = append(c.results, result)
		c.ended = true
		return true
	}
	if c.maxItems > 0 && c.sizeLocked() >= c.maxItems {
		return false
	}
	size := result.Size()
	if c.budget != nil && !c.budget.TryConsume(size) {
		return false
	}
	c.bytes += size
	c.results = append(c.results, result)
	return true
}

// Pop removes the oldest result and gives its bytes back to the budget
func (c *RangeScanContext) Pop() (RangeScanResult, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.sizeLocked() == 0 {
		return RangeScanResult{}, false
	}
	result := c.results[c.head]
	c.results[c.head] = RangeScanResult{}
	c.head++
	if c.head == len(c.results) {
		c.results = c.results[:0]
		c.head = 0
	}
	c.releaseLocked(result)
	return result, true
}

// Drain pops every queued result
func (c *RangeScanContext) Drain() []RangeScanResult {
	c.lock.Lock()
	defer c.lock.Unlock()
	drained := make([]RangeScanResult, 0, c.sizeLocked())
	for _, result := range c.results[c.head:] {
		c.releaseLocked(result)
		drained = append(drained, result)
	}
	c.results = nil
	c.head = 0
	return drained
}

// Clear drops every queued result, keeping the ended flag
func (c *RangeScanContext) Clear() {
	c.Drain()
}

func (c *RangeScanContext) releaseLocked(result RangeScanResult) {
	size := result.Size()
	if size == 0 {
		return
	}
	c.bytes -= size
	if c.budget != nil {
		c.budget.Release(size)
	}
}

func (c *RangeScanContext) sizeLocked() int {
	return len(c.results) - c.head
}

func (c *RangeScanContext) GetSize() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sizeLocked()
}

// GetBytes is the size of the queued results
func (c *RangeScanContext) GetBytes() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.bytes
}

func (c *RangeScanContext) IsEnded() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ended
}
