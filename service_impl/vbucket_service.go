// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_impl

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/rangescan"
	"github.com/couchbase/goep/service_def"
	"github.com/couchbase/goep/stats"
	"github.com/google/uuid"
)

// VBucketImpl is one vbucket of an EPBucket. Writes are flushed straight to
// the KVStore.
type VBucketImpl struct {
	id   base.Vbid
	uuid uint64

	stateLock sync.RWMutex
	state     base.VBucketState

	manifest atomic.Pointer[metadata.Manifest]
	store    *BTreeKVStore

	// serializes seqno assignment with the flush
	writeLock sync.Mutex
	highSeqno uint64

	rangeScans atomic.Pointer[rangescan.VBucketRangeScans]
	epStats    *stats.EPStats

	logger *log.CommonLogger
}

func NewVBucket(id base.Vbid, state base.VBucketState, store *BTreeKVStore, manifest *metadata.Manifest,
	epStats *stats.EPStats, logger_ctx *log.LoggerContext) *VBucketImpl {
	failoverId := uuid.New()
	vb := &VBucketImpl{
		id:        id,
		uuid:      binary.BigEndian.Uint64(failoverId[:8]),
		state:     state,
		store:     store,
		highSeqno: store.GetPersistedSeqno(id),
		epStats:   epStats,
		logger:    log.NewLogger("VBucket", logger_ctx),
	}
	vb.manifest.Store(manifest)
	return vb
}

func (vb *VBucketImpl) Id() base.Vbid {
	return vb.id
}

func (vb *VBucketImpl) GetState() base.VBucketState {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()
	return vb.state
}

// SetState changes the vbucket state. Range scans only live on active
// vbuckets and are cancelled when it stops being one.
func (vb *VBucketImpl) SetState(state base.VBucketState) {
	vb.stateLock.Lock()
	old := vb.state
	vb.state = state
	vb.stateLock.Unlock()

	if old == state {
		return
	}
	vb.logger.Infof("%v state %v -> %v", vb.id, old, state)
	if old == base.VBucketStateActive {
		if scans := vb.rangeScans.Load(); scans != nil {
			scans.CancelAll()
		}
	}
}

func (vb *VBucketImpl) GetUUID() uint64 {
	return vb.uuid
}

func (vb *VBucketImpl) GetPersistenceSeqno() uint64 {
	return vb.store.GetPersistedSeqno(vb.id)
}

func (vb *VBucketImpl) GetHighSeqno() uint64 {
	vb.writeLock.Lock()
	defer vb.writeLock.Unlock()
	return vb.highSeqno
}

func (vb *VBucketImpl) GetManifest() *metadata.Manifest {
	return vb.manifest.Load()
}

// UpdateFromManifest moves the vbucket to manifest. Going back to an older
// uid is refused.
func (vb *VBucketImpl) UpdateFromManifest(manifest *metadata.Manifest) base.Status {
	if manifest == nil {
		return base.StatusCannotApplyCollectionsManifest
	}
	for {
		current := vb.manifest.Load()
		if current != nil && manifest.Uid() < current.Uid() {
			vb.logger.Warnf("%v cannot go from manifest uid:%x to older uid:%x", vb.id, current.Uid(), manifest.Uid())
			return base.StatusCannotApplyCollectionsManifest
		}
		if vb.manifest.CompareAndSwap(current, manifest) {
			return base.StatusSuccess
		}
	}
}

func (vb *VBucketImpl) GetKVStore() service_def.KVStore {
	return vb.store
}

func (vb *VBucketImpl) setRangeScans(scans *rangescan.VBucketRangeScans) {
	vb.rangeScans.Store(scans)
}

func (vb *VBucketImpl) CancelRangeScan(id base.RangeScanId, schedule bool) base.Status {
	scans := vb.rangeScans.Load()
	if scans == nil {
		return base.StatusKeyNotFound
	}
	return scans.CancelScan(id, schedule)
}

// Set stores a copy of item under the next seqno and returns that seqno
func (vb *VBucketImpl) Set(item *base.Item) (uint64, base.Status) {
	return vb.write(item, false)
}

// Delete writes a tombstone for key
func (vb *VBucketImpl) Delete(cid base.CollectionID, key []byte) (uint64, base.Status) {
	return vb.write(&base.Item{Key: key, Cid: cid}, true)
}

func (vb *VBucketImpl) write(item *base.Item, deleted bool) (uint64, base.Status) {
	if vb.GetState() != base.VBucketStateActive {
		return 0, base.StatusNotMyVbucket
	}
	if manifest := vb.GetManifest(); manifest != nil {
		if _, found := manifest.FindCollectionByUid(item.Cid); !found {
			return 0, base.StatusUnknownCollection
		}
	} else if item.Cid != base.DefaultCollectionID {
		return 0, base.StatusUnknownCollection
	}

	vb.writeLock.Lock()
	defer vb.writeLock.Unlock()

	old, hadOld := vb.store.Get(vb.id, item.Cid, item.Key)
	if deleted && (!hadOld || old.Deleted) {
		return 0, base.StatusKeyNotFound
	}

	toStore := *item
	toStore.Seqno = vb.highSeqno + 1
	toStore.Deleted = deleted
	if deleted {
		toStore.Value = nil
		toStore.Datatype = base.DatatypeRaw
		toStore.DeleteTime = uint32(time.Now().Unix())
	}
	if hadOld {
		toStore.RevSeqno = old.RevSeqno + 1
	} else {
		toStore.RevSeqno = 1
	}
	toStore.Cas = toStore.Seqno

	if err := vb.store.Flush(vb.id, []*base.Item{&toStore}); err != nil {
		vb.logger.Errorf("%v flush of seqno %v failed: %v", vb.id, toStore.Seqno, err)
		return 0, base.StatusTempFail
	}
	vb.highSeqno = toStore.Seqno

	if vb.epStats != nil {
		vb.epStats.MemAllocated(int64(toStore.Size()))
		if hadOld {
			vb.epStats.MemDeallocated(int64(old.Size()))
		}
	}
	return toStore.Seqno, base.StatusSuccess
}

func (vb *VBucketImpl) String() string {
	return fmt.Sprintf("%v state:%v uuid:%v", vb.id, vb.GetState(), vb.uuid)
}

func (vb *VBucketImpl) AddStats(addStat func(key, value string)) {
	prefix := fmt.Sprintf("vb_%d:", uint16(vb.id))
	addStat(prefix+"state", vb.GetState().String())
	addStat(prefix+"uuid", fmt.Sprintf("%v", vb.uuid))
	addStat(prefix+"high_seqno", fmt.Sprintf("%v", vb.GetHighSeqno()))
	addStat(prefix+"persisted_seqno", fmt.Sprintf("%v", vb.GetPersistenceSeqno()))
	if manifest := vb.GetManifest(); manifest != nil {
		addStat(prefix+"manifest_uid", fmt.Sprintf("%x", manifest.Uid()))
	}
	if scans := vb.rangeScans.Load(); scans != nil {
		scans.AddStats(addStat)
	}
}
