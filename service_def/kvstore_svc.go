// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_def

import (
	"github.com/couchbase/goep/base"
)

// ScanCallback receives items in scan order. Returning false pauses the scan
// before the item is consumed; the next scan resumes at that item.
type ScanCallback func(item *base.Item) bool

type KVStore interface {
	// Pins a consistent read view of one vbucket
	MakeSnapshot(vbid base.Vbid) (KVSnapshot, error)
	// Highest seqno made durable for the vbucket
	GetPersistedSeqno(vbid base.Vbid) uint64
	// Persists items in order, assigning nothing; seqnos must already be set
	Flush(vbid base.Vbid, items []*base.Item) error
	Close() error
}

type KVSnapshot interface {
	Vbid() base.Vbid
	HighSeqno() uint64
	SeqnoExists(seqno uint64) bool
	// Visits items with start <= seqno <= end. resume is the seqno of the item
	// that was refused and done is true when the range was exhausted.
	ScanBySeqno(start, end uint64, cb ScanCallback) (resume uint64, done bool, err error)
	// Visits live items of one collection with start <= key <= end
	ScanByKey(cid base.CollectionID, start, end []byte, cb ScanCallback) (resume []byte, done bool, err error)
	Close() error
}
