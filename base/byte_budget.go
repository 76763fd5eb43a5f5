// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"fmt"
	"sync/atomic"
)

// ByteBudget tracks bytes held by in-flight items against a resizable limit.
// TryConsume never blocks; callers that are refused back off and retry later.
// An empty budget always admits one item so an item larger than the whole
// limit cannot wedge its producer.
type ByteBudget struct {
	name  string
	limit int64
	used  int64
}

func NewByteBudget(name string, limit int64) *ByteBudget {
	return &ByteBudget{name: name, limit: limit}
}

func (b *ByteBudget) TryConsume(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		used := atomic.LoadInt64(&b.used)
		if used > 0 && used+n > atomic.LoadInt64(&b.limit) {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.used, used, used+n) {
			return true
		}
	}
}

func (b *ByteBudget) Release(n int64) {
	if n <= 0 {
		return
	}
	if atomic.AddInt64(&b.used, -n) < 0 {
		panic(fmt.Sprintf("ByteBudget %v released more bytes than consumed", b.name))
	}
}

func (b *ByteBudget) SetLimit(limit int64) {
	atomic.StoreInt64(&b.limit, limit)
}

func (b *ByteBudget) Limit() int64 {
	return atomic.LoadInt64(&b.limit)
}

func (b *ByteBudget) Used() int64 {
	return atomic.LoadInt64(&b.used)
}

func (b *ByteBudget) IsFull() bool {
	return b.Used() >= b.Limit()
}

func (b *ByteBudget) String() string {
	return fmt.Sprintf("ByteBudget(%v) used=%v limit=%v", b.name, b.Used(), b.Limit())
}
