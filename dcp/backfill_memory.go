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

	"github.com/couchbase/goep/base"
)

// BackfillMemory replays items taken from an in-memory checkpoint cursor
type BackfillMemory struct {
	vbid   base.Vbid
	stream BackfillReceiver
	items  []*base.Item
	next   int
}

func NewBackfillMemory(vbid base.Vbid, stream BackfillReceiver, items []*base.Item) *BackfillMemory {
	return &BackfillMemory{
		vbid:   vbid,
		stream: stream,
		items:  items,
	}
}

func (b *BackfillMemory) Description() string {
	if len(b.items) == 0 {
		return "memory backfill (empty)"
	}
	return fmt.Sprintf("memory backfill seqno [%v, %v]", b.items[0].Seqno, b.items[len(b.items)-1].Seqno)
}

func (b *BackfillMemory) Create() BackfillStatus {
	if !b.stream.IsActive() {
		return BackfillFinished
	}
	if len(b.items) == 0 {
		b.stream.CompleteBackfill()
		return BackfillFinished
	}
	if !b.stream.MarkDiskSnapshot(b.items[0].Seqno, b.items[len(b.items)-1].Seqno) {
		return BackfillFinished
	}
	return BackfillSuccess
}

func (b *BackfillMemory) Scan() BackfillStatus {
	if !b.stream.IsActive() {
		return BackfillFinished
	}
	for b.next < len(b.items) {
		if !b.stream.BackfillReceived(b.items[b.next]) {
			return BackfillSnooze
		}
		b.next++
	}
	b.stream.CompleteBackfill()
	return BackfillFinished
}

func (b *BackfillMemory) Cancel() {
	b.items = nil
}
