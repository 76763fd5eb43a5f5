// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package rangescan

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"github.com/golang/snappy"
)

type RangeScanState int

const (
	RangeScanStateIdle       RangeScanState = iota
	RangeScanStateContinuing RangeScanState = iota
	RangeScanStateCancelled  RangeScanState = iota
	RangeScanStateCompleted  RangeScanState = iota
)

func (s RangeScanState) String() string {
	switch s {
	case RangeScanStateIdle:
		return "idle"
	case RangeScanStateContinuing:
		return "continuing"
	case RangeScanStateCancelled:
		return "cancelled"
	case RangeScanStateCompleted:
		return "completed"
	}
	return "unknown"
}

func validateRangeScanTransition(from, to RangeScanState) error {
	var allowed string
	switch from {
	case RangeScanStateIdle:
		if to == RangeScanStateContinuing || to == RangeScanStateCancelled {
			return nil
		}
		allowed = "continuing, cancelled"
	case RangeScanStateContinuing:
		if to == RangeScanStateIdle || to == RangeScanStateCancelled || to == RangeScanStateCompleted {
			return nil
		}
		allowed = "idle, cancelled, completed"
	}
	return errors.New(fmt.Sprintf(base.InvalidStateTransitionErrMsg, to, "RangeScan", from, allowed))
}

// SnapshotRequirements constrain the snapshot a scan may be created against
type SnapshotRequirements struct {
	VbUuid uint64
	// the snapshot must include this seqno
	Seqno uint64
	// how long to wait for Seqno to be persisted, zero fails immediately
	Timeout time.Duration
	// fail unless an item with Seqno is still present
	SeqnoExists bool
}

type CreateParams struct {
	Vbid         base.Vbid
	Cid          base.CollectionID
	Start        []byte
	End          []byte
	KeyOnly      bool
	SnapshotReqs *SnapshotRequirements
	// values stay compressed for clients that negotiated snappy
	Snappy bool
	Cookie base.Cookie
}

// ContinueLimits bound the work of one continue. Zero means unlimited.
type ContinueLimits struct {
	ItemLimit uint64
	TimeLimit time.Duration
	ByteLimit uint64
}

// RangeScan reads the keys of one collection between two keys from a pinned
// snapshot. It is driven forward by continues, each of which scans until the
// range is exhausted or a limit makes it yield.
type RangeScan struct {
	id      base.RangeScanId
	vbid    base.Vbid
	cid     base.CollectionID
	start   []byte
	end     []byte
	keyOnly bool
	snappy  bool
	vbUuid  uint64

	// held while reading from snapshot
	ioLock   sync.Mutex
	snapshot service_def.KVSnapshot
	results  *RangeScanContext
	owner    *VBucketRangeScans

	lock      sync.Mutex
	state     RangeScanState
	resumeKey []byte
	limits    ContinueLimits
	cookie    base.Cookie

	cancelled atomic.Bool
	// set while waiting in the ready queue
	queued atomic.Bool

	createTime   time.Time
	itemsRead    atomic.Uint64
	bytesRead    atomic.Uint64
	continueRuns atomic.Uint64

	now    func() time.Time
	logger *log.CommonLogger
}

func NewRangeScan(id base.RangeScanId, params CreateParams, vbUuid uint64, snapshot service_def.KVSnapshot,
	results *RangeScanContext, logger_ctx *log.LoggerContext) *RangeScan {
	scan := &RangeScan{
		id:        id,
		vbid:      params.Vbid,
		cid:       params.Cid,
		start:     params.Start,
		end:       params.End,
		keyOnly:   params.KeyOnly,
		snappy:    params.Snappy,
		vbUuid:    vbUuid,
		snapshot:  snapshot,
		results:   results,
		state:     RangeScanStateIdle,
		resumeKey: params.Start,
		now:       time.Now,
		logger:    log.NewLogger("RangeScan", logger_ctx),
	}
	scan.createTime = scan.now()
	return scan
}

func (s *RangeScan) Id() base.RangeScanId {
	return s.id
}

func (s *RangeScan) Vbid() base.Vbid {
	return s.vbid
}

func (s *RangeScan) Results() *RangeScanContext {
	return s.results
}

func (s *RangeScan) GetState() RangeScanState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *RangeScan) IsCancelled() bool {
	return s.cancelled.Load()
}

func (s *RangeScan) transitionStateLocked(to RangeScanState) error {
	if err := validateRangeScanTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	return nil
}

// SetStateContinuing claims the scan for one continue. An idle scan moves to
// continuing; a cancelled scan reports StatusRangeScanCancelled and a scan
// already continuing StatusTooBusy.
func (s *RangeScan) SetStateContinuing(limits ContinueLimits, cookie base.Cookie) base.Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch s.state {
	case RangeScanStateCancelled:
		return base.StatusRangeScanCancelled
	case RangeScanStateContinuing:
		return base.StatusTooBusy
	case RangeScanStateCompleted:
		return base.StatusKeyNotFound
	}
	if err := s.transitionStateLocked(RangeScanStateContinuing); err != nil {
		s.logger.Errorf("%v: %v", s, err)
		return base.StatusFailed
	}
	s.limits = limits
	s.cookie = cookie
	return base.StatusSuccess
}

// SetStateIdle returns a yielded scan to idle and hands back the cookie of the
// continue that yielded
func (s *RangeScan) SetStateIdle() base.Cookie {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.transitionStateLocked(RangeScanStateIdle); err != nil {
		s.logger.Warnf("%v: %v", s, err)
	}
	return s.takeCookieLocked()
}

// SetStateCompleted marks the range exhausted
func (s *RangeScan) SetStateCompleted() base.Cookie {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.transitionStateLocked(RangeScanStateCompleted); err != nil {
		s.logger.Warnf("%v: %v", s, err)
	}
	return s.takeCookieLocked()
}

// Cancel marks the scan cancelled. A continue in progress notices before its
// next item. Returns false if the scan had already finished or been cancelled.
func (s *RangeScan) Cancel() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == RangeScanStateCancelled || s.state == RangeScanStateCompleted {
		return false
	}
	if err := s.transitionStateLocked(RangeScanStateCancelled); err != nil {
		s.logger.Warnf("%v: %v", s, err)
		return false
	}
	s.cancelled.Store(true)
	return true
}

// TakeCookie hands over the cookie of a pending continue, if any
func (s *RangeScan) TakeCookie() base.Cookie {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.takeCookieLocked()
}

func (s *RangeScan) takeCookieLocked() base.Cookie {
	cookie := s.cookie
	s.cookie = nil
	return cookie
}

// ContinueOnIOThread scans from where the last continue stopped. It returns
// StatusSuccess once the range is exhausted, StatusTooBusy when a limit or a
// full result queue made it yield and StatusRangeScanCancelled when the scan
// was cancelled meanwhile. Other statuses are failures.
func (s *RangeScan) ContinueOnIOThread() base.Status {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	if s.snapshot == nil || s.IsCancelled() {
		return base.StatusRangeScanCancelled
	}

	s.lock.Lock()
	limits := s.limits
	from := s.resumeKey
	s.lock.Unlock()
	s.continueRuns.Add(1)

	var items, readBytes uint64
	var deadline time.Time
	if limits.TimeLimit > 0 {
		deadline = s.now().Add(limits.TimeLimit)
	}
	yield := false
	var itemErr error
	resume, done, err := s.snapshot.ScanByKey(s.cid, from, s.end, func(item *base.Item) bool {
		if s.IsCancelled() {
			return false
		}
		if limits.ItemLimit > 0 && items >= limits.ItemLimit ||
			limits.ByteLimit > 0 && readBytes >= limits.ByteLimit ||
			limits.TimeLimit > 0 && items > 0 && s.now().After(deadline) {
			yield = true
			return false
		}
		result, err := s.makeResult(item)
		if err != nil {
			itemErr = err
			return false
		}
		if !s.results.Store(result) {
			yield = true
			return false
		}
		items++
		readBytes += uint64(result.Size())
		return true
	})
	s.itemsRead.Add(items)
	s.bytesRead.Add(readBytes)

	if err != nil {
		s.logger.Errorf("%v scan from <ud>%s</ud> failed: %v", s, from, err)
		return base.StatusFailed
	}
	if itemErr != nil {
		s.logger.Errorf("%v unable to read <ud>%s</ud>: %v", s, resume, itemErr)
		return base.StatusFailed
	}
	if s.IsCancelled() {
		return base.StatusRangeScanCancelled
	}
	if done {
		return base.StatusSuccess
	}

	s.lock.Lock()
	s.resumeKey = resume
	s.lock.Unlock()
	if !yield {
		// the store stopped without reason, carry on next time
		s.logger.Debugf("%v paused at <ud>%s</ud>", s, resume)
	}
	return base.StatusTooBusy
}

func (s *RangeScan) makeResult(item *base.Item) (RangeScanResult, error) {
	key := append([]byte(nil), item.Key...)
	if s.keyOnly {
		return NewKeyResult(key), nil
	}
	out := *item
	out.Key = key
	if out.IsSnappy() && !s.snappy {
		inflated, err := snappy.Decode(nil, out.Value)
		if err != nil {
			return RangeScanResult{}, err
		}
		out.Value = inflated
		out.Datatype &^= base.DatatypeSnappy
	}
	return NewKeyValueResult(&out), nil
}

// Release closes the snapshot and drops queued results. It waits for a
// continue in progress to stop.
func (s *RangeScan) Release() {
	s.releaseSnapshot()
	s.results.Clear()
}

func (s *RangeScan) releaseSnapshot() {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Close(); err != nil {
		s.logger.Warnf("%v error closing snapshot: %v", s, err)
	}
	s.snapshot = nil
}

func (s *RangeScan) IsReleased() bool {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	return s.snapshot == nil
}

// IsExpired is true for idle scans older than lifetime
func (s *RangeScan) IsExpired(lifetime time.Duration) bool {
	if lifetime <= 0 {
		return false
	}
	return s.GetState() == RangeScanStateIdle && s.now().Sub(s.createTime) > lifetime
}

// InRange reports whether key lies in the scanned range
func (s *RangeScan) InRange(key []byte) bool {
	return bytes.Compare(key, s.start) >= 0 && bytes.Compare(key, s.end) <= 0
}

func (s *RangeScan) ItemsRead() uint64 {
	return s.itemsRead.Load()
}

func (s *RangeScan) BytesRead() uint64 {
	return s.bytesRead.Load()
}

func (s *RangeScan) String() string {
	return fmt.Sprintf("RangeScan(%v %v %v)", s.id, s.vbid, s.cid)
}

func (s *RangeScan) AddStats(addStat func(key, value string)) {
	prefix := fmt.Sprintf("vb_%d:%v:", uint16(s.vbid), s.id)
	addStat(prefix+"state", s.GetState().String())
	addStat(prefix+"cid", fmt.Sprintf("0x%x", uint32(s.cid)))
	addStat(prefix+"key_only", fmt.Sprintf("%v", s.keyOnly))
	addStat(prefix+"vb_uuid", fmt.Sprintf("%v", s.vbUuid))
	addStat(prefix+"items_read", fmt.Sprintf("%v", s.ItemsRead()))
	addStat(prefix+"bytes_read", fmt.Sprintf("%v", s.BytesRead()))
	addStat(prefix+"continues", fmt.Sprintf("%v", s.continueRuns.Load()))
	addStat(prefix+"queued_results", fmt.Sprintf("%v", s.results.GetSize()))
}
