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
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"golang.org/x/time/rate"
)

// BackfillDiskBySeqno streams a seqno range of one vbucket from a storage
// snapshot. Each Scan step runs for at most chunkDuration.
type BackfillDiskBySeqno struct {
	vbid          base.Vbid
	store         service_def.KVStore
	stream        BackfillReceiver
	startSeqno    uint64
	endSeqno      uint64
	chunkDuration time.Duration
	limiter       *rate.Limiter
	now           func() time.Time

	snapshot  service_def.KVSnapshot
	nextSeqno uint64

	itemsScanned uint64
	logger       *log.CommonLogger
}

// NewBackfillDiskBySeqno creates a disk backfill of [start, end]. limiter is
// optional and throttles the bytes read per second.
func NewBackfillDiskBySeqno(vbid base.Vbid, store service_def.KVStore, stream BackfillReceiver, start, end uint64,
	chunkDuration time.Duration, limiter *rate.Limiter, logger_ctx *log.LoggerContext) *BackfillDiskBySeqno {
	return &BackfillDiskBySeqno{
		vbid:          vbid,
		store:         store,
		stream:        stream,
		startSeqno:    start,
		endSeqno:      end,
		chunkDuration: chunkDuration,
		limiter:       limiter,
		now:           time.Now,
		logger:        log.NewLogger("BackfillDisk", logger_ctx),
	}
}

func (b *BackfillDiskBySeqno) Description() string {
	return fmt.Sprintf("disk backfill seqno [%v, %v]", b.startSeqno, b.endSeqno)
}

func (b *BackfillDiskBySeqno) Create() BackfillStatus {
	if !b.stream.IsActive() {
		return BackfillFinished
	}

	snapshot, err := b.store.MakeSnapshot(b.vbid)
	if err != nil {
		b.stream.BackfillFailed(fmt.Errorf("%v unable to open snapshot: %v", b.vbid, err))
		return BackfillFinished
	}

	highSeqno := snapshot.HighSeqno()
	if b.startSeqno > highSeqno || b.startSeqno > b.endSeqno {
		b.logger.Infof("%v nothing on disk in [%v, %v], high seqno %v", b.vbid, b.startSeqno, b.endSeqno, highSeqno)
		snapshot.Close()
		b.stream.CompleteBackfill()
		return BackfillFinished
	}
	if b.endSeqno > highSeqno {
		b.endSeqno = highSeqno
	}

	if !b.stream.MarkDiskSnapshot(b.startSeqno, b.endSeqno) {
		snapshot.Close()
		return BackfillFinished
	}
	b.snapshot = snapshot
	b.nextSeqno = b.startSeqno
	return BackfillSuccess
}

func (b *BackfillDiskBySeqno) Scan() BackfillStatus {
	if !b.stream.IsActive() {
		b.closeSnapshot()
		return BackfillFinished
	}

	deadline := b.now().Add(b.chunkDuration)
	var visited int
	var bufferFull, throttled bool
	resume, done, err := b.snapshot.ScanBySeqno(b.nextSeqno, b.endSeqno, func(item *base.Item) bool {
		// always make some progress before yielding
		if visited > 0 && b.now().After(deadline) {
			return false
		}
		if b.limiter != nil && !b.limiter.AllowN(b.now(), b.rateTokens(item)) {
			throttled = true
			return false
		}
		if !b.stream.BackfillReceived(item) {
			bufferFull = true
			return false
		}
		visited++
		return true
	})
	b.itemsScanned += uint64(visited)

	if err != nil {
		b.closeSnapshot()
		b.stream.BackfillFailed(fmt.Errorf("%v scan from %v failed: %v", b.vbid, b.nextSeqno, err))
		return BackfillFinished
	}
	if done {
		b.logger.Debugf("%v %v complete, %v items", b.vbid, b.Description(), b.itemsScanned)
		b.closeSnapshot()
		b.stream.CompleteBackfill()
		return BackfillFinished
	}

	b.nextSeqno = resume
	if bufferFull || throttled {
		return BackfillSnooze
	}
	return BackfillSuccess
}

func (b *BackfillDiskBySeqno) rateTokens(item *base.Item) int {
	n := item.Size()
	if burst := b.limiter.Burst(); n > burst {
		n = burst
	}
	return n
}

func (b *BackfillDiskBySeqno) Cancel() {
	b.closeSnapshot()
}

func (b *BackfillDiskBySeqno) closeSnapshot() {
	if b.snapshot == nil {
		return
	}
	if err := b.snapshot.Close(); err != nil {
		b.logger.Warnf("%v error closing snapshot: %v", b.vbid, err)
	}
	b.snapshot = nil
}

func (b *BackfillDiskBySeqno) ItemsScanned() uint64 {
	return b.itemsScanned
}
