// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_impl

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

const btreeDegree = 32

var ErrorKVStoreClosed = errors.New("KVStore is closed")

// keyEntry orders the by-key index on (collection, key)
type keyEntry struct {
	cid  base.CollectionID
	key  []byte
	item *base.Item
}

func (e *keyEntry) Less(than btree.Item) bool {
	other := than.(*keyEntry)
	if e.cid != other.cid {
		return e.cid < other.cid
	}
	return bytes.Compare(e.key, other.key) < 0
}

type seqnoEntry struct {
	seqno uint64
	item  *base.Item
}

func (e *seqnoEntry) Less(than btree.Item) bool {
	return e.seqno < than.(*seqnoEntry).seqno
}

// vbStore holds one vbucket's indexes. Every stored key has exactly one entry
// in each tree; deletions stay as tombstones.
type vbStore struct {
	lock      sync.RWMutex
	byKey     *btree.BTree
	bySeqno   *btree.BTree
	highSeqno uint64
}

func newVbStore() *vbStore {
	return &vbStore{
		byKey:   btree.New(btreeDegree),
		bySeqno: btree.New(btreeDegree),
	}
}

// BTreeKVStore is an in-memory KVStore keeping a by-key and a by-seqno index
// per vbucket. Snapshots are copy-on-write clones of both indexes, so a
// snapshot is unaffected by later flushes.
type BTreeKVStore struct {
	vbuckets *xsync.MapOf[base.Vbid, *vbStore]
	closed   atomic.Bool
	logger   *log.CommonLogger
}

func NewBTreeKVStore(logger_ctx *log.LoggerContext) *BTreeKVStore {
	return &BTreeKVStore{
		vbuckets: xsync.NewMapOf[base.Vbid, *vbStore](),
		logger:   log.NewLogger("BTreeKVStore", logger_ctx),
	}
}

func (s *BTreeKVStore) getVbStore(vbid base.Vbid) *vbStore {
	vb, _ := s.vbuckets.LoadOrCompute(vbid, newVbStore)
	return vb
}

func (s *BTreeKVStore) Flush(vbid base.Vbid, items []*base.Item) error {
	if s.closed.Load() {
		return ErrorKVStoreClosed
	}
	vb := s.getVbStore(vbid)
	vb.lock.Lock()
	defer vb.lock.Unlock()

	last := vb.highSeqno
	for _, item := range items {
		if item == nil {
			return base.ErrorNilPtr
		}
		if item.Seqno <= last {
			return errors.Wrapf(base.ErrorInvalidArgument, "%v seqno %v is not above %v", vbid, item.Seqno, last)
		}
		last = item.Seqno
	}

	for _, item := range items {
		stored := *item
		stored.Key = append([]byte(nil), item.Key...)
		if item.Value != nil {
			stored.Value = append([]byte(nil), item.Value...)
		}
		replaced := vb.byKey.ReplaceOrInsert(&keyEntry{cid: stored.Cid, key: stored.Key, item: &stored})
		if replaced != nil {
			vb.bySeqno.Delete(&seqnoEntry{seqno: replaced.(*keyEntry).item.Seqno})
		}
		vb.bySeqno.ReplaceOrInsert(&seqnoEntry{seqno: stored.Seqno, item: &stored})
	}
	vb.highSeqno = last
	return nil
}

// Every flushed item is durable as soon as Flush returns
func (s *BTreeKVStore) GetPersistedSeqno(vbid base.Vbid) uint64 {
	vb, ok := s.vbuckets.Load(vbid)
	if !ok {
		return 0
	}
	vb.lock.RLock()
	defer vb.lock.RUnlock()
	return vb.highSeqno
}

// Get returns the stored version of key, tombstones included
func (s *BTreeKVStore) Get(vbid base.Vbid, cid base.CollectionID, key []byte) (*base.Item, bool) {
	vb, ok := s.vbuckets.Load(vbid)
	if !ok {
		return nil, false
	}
	vb.lock.RLock()
	defer vb.lock.RUnlock()
	found := vb.byKey.Get(&keyEntry{cid: cid, key: key})
	if found == nil {
		return nil, false
	}
	return found.(*keyEntry).item, true
}

func (s *BTreeKVStore) NumItems(vbid base.Vbid) int {
	vb, ok := s.vbuckets.Load(vbid)
	if !ok {
		return 0
	}
	vb.lock.RLock()
	defer vb.lock.RUnlock()
	return vb.byKey.Len()
}

func (s *BTreeKVStore) MakeSnapshot(vbid base.Vbid) (service_def.KVSnapshot, error) {
	if s.closed.Load() {
		return nil, ErrorKVStoreClosed
	}
	vb := s.getVbStore(vbid)
	// Clone writes to the source tree, so it needs the write lock
	vb.lock.Lock()
	snapshot := &btreeSnapshot{
		vbid:      vbid,
		byKey:     vb.byKey.Clone(),
		bySeqno:   vb.bySeqno.Clone(),
		highSeqno: vb.highSeqno,
		store:     s,
	}
	vb.lock.Unlock()
	return snapshot, nil
}

func (s *BTreeKVStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.logger.Infof("Closed with %v vbuckets", s.vbuckets.Size())
	}
	return nil
}

// btreeSnapshot is read only, so concurrent scans need no locking
type btreeSnapshot struct {
	vbid      base.Vbid
	byKey     *btree.BTree
	bySeqno   *btree.BTree
	highSeqno uint64
	store     *BTreeKVStore
	closed    atomic.Bool
}

func (s *btreeSnapshot) Vbid() base.Vbid {
	return s.vbid
}

func (s *btreeSnapshot) HighSeqno() uint64 {
	return s.highSeqno
}

func (s *btreeSnapshot) SeqnoExists(seqno uint64) bool {
	return s.bySeqno.Has(&seqnoEntry{seqno: seqno})
}

func (s *btreeSnapshot) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%v snapshot is closed", s.vbid)
	}
	if s.store.closed.Load() {
		return ErrorKVStoreClosed
	}
	return nil
}

func (s *btreeSnapshot) ScanBySeqno(start, end uint64, cb service_def.ScanCallback) (uint64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return start, false, err
	}
	var resume uint64
	done := true
	s.bySeqno.AscendGreaterOrEqual(&seqnoEntry{seqno: start}, func(i btree.Item) bool {
		entry := i.(*seqnoEntry)
		if entry.seqno > end {
			return false
		}
		if !cb(entry.item) {
			resume = entry.seqno
			done = false
			return false
		}
		return true
	})
	return resume, done, nil
}

func (s *btreeSnapshot) ScanByKey(cid base.CollectionID, start, end []byte, cb service_def.ScanCallback) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return start, false, err
	}
	var resume []byte
	done := true
	s.byKey.AscendGreaterOrEqual(&keyEntry{cid: cid, key: start}, func(i btree.Item) bool {
		entry := i.(*keyEntry)
		if entry.cid != cid || bytes.Compare(entry.key, end) > 0 {
			return false
		}
		if entry.item.Deleted {
			return true
		}
		if !cb(entry.item) {
			resume = entry.key
			done = false
			return false
		}
		return true
	})
	return resume, done, nil
}

func (s *btreeSnapshot) Close() error {
	s.closed.Store(true)
	return nil
}
