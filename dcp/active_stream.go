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
	"sync"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"github.com/golang/snappy"
)

type StreamState int

const (
	StreamStatePending     StreamState = iota
	StreamStateBackfilling StreamState = iota
	StreamStateInMemory    StreamState = iota
	StreamStateDead        StreamState = iota
)

func (s StreamState) String() string {
	switch s {
	case StreamStatePending:
		return "pending"
	case StreamStateBackfilling:
		return "backfilling"
	case StreamStateInMemory:
		return "in-memory"
	case StreamStateDead:
		return "dead"
	}
	return "unknown"
}

// stream end reasons carried by UPR_STREAMEND
const (
	EndStreamOK           uint32 = 0x00
	EndStreamClosed       uint32 = 0x01
	EndStreamStateChanged uint32 = 0x02
	EndStreamDisconnected uint32 = 0x03
	EndStreamSlow         uint32 = 0x04
	EndStreamBackfillFail uint32 = 0x05
)

// snapshot marker flags
const (
	MarkerFlagMemory     uint32 = 0x01
	MarkerFlagDisk       uint32 = 0x02
	MarkerFlagCheckpoint uint32 = 0x04
)

type DcpResponseType int

const (
	DcpResponseMarker    DcpResponseType = iota
	DcpResponseMutation  DcpResponseType = iota
	DcpResponseDeletion  DcpResponseType = iota
	DcpResponseStreamEnd DcpResponseType = iota
)

// DcpResponse is one message waiting in a stream's ready queue
type DcpResponse struct {
	Type        DcpResponseType
	Item        *base.Item
	SnapStart   uint64
	SnapEnd     uint64
	MarkerFlags uint32
	EndReason   uint32
	// bytes held against the backfill budget
	budgetBytes int64
}

// BackfillReceiver is the side of a stream that backfills push into
type BackfillReceiver interface {
	IsActive() bool
	MarkDiskSnapshot(start, end uint64) bool
	// false means the item was not taken and must be offered again later
	BackfillReceived(item *base.Item) bool
	CompleteBackfill()
	BackfillFailed(err error)
}

// ActiveStream is the producer side of one vbucket stream. Backfills fill its
// ready queue; the connection drains it through Step.
type ActiveStream struct {
	name     string
	opaque   uint32
	vbid     base.Vbid
	flags    base.DcpOpenFlags
	snappy   bool
	endSeqno uint64
	budget   *base.ByteBudget

	lock          sync.Mutex
	state         StreamState
	readyQ        []*DcpResponse
	lastReadSeqno uint64
	lastSentSeqno uint64
	itemsSkipped  uint64

	logger *log.CommonLogger
}

// NewActiveStream creates a stream. snappyNegotiated reports whether the
// consumer accepts compressed values. budget may be nil for an unbounded queue.
func NewActiveStream(name string, opaque uint32, vbid base.Vbid, flags base.DcpOpenFlags, snappyNegotiated bool,
	endSeqno uint64, budget *base.ByteBudget, logger_ctx *log.LoggerContext) *ActiveStream {
	return &ActiveStream{
		name:     name,
		opaque:   opaque,
		vbid:     vbid,
		flags:    flags,
		snappy:   snappyNegotiated,
		endSeqno: endSeqno,
		budget:   budget,
		state:    StreamStatePending,
		logger:   log.NewLogger("ActiveStream", logger_ctx),
	}
}

func (s *ActiveStream) IsActive() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state != StreamStateDead
}

func (s *ActiveStream) GetState() StreamState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *ActiveStream) MarkDiskSnapshot(start, end uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StreamStateDead {
		return false
	}
	s.state = StreamStateBackfilling
	if s.flags.Has(base.DcpOpenNotifier) {
		return true
	}
	s.readyQ = append(s.readyQ, &DcpResponse{
		Type:        DcpResponseMarker,
		SnapStart:   start,
		SnapEnd:     end,
		MarkerFlags: MarkerFlagDisk | MarkerFlagCheckpoint,
	})
	return true
}

func (s *ActiveStream) BackfillReceived(item *base.Item) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StreamStateDead {
		// the backfill notices on its next step
		return true
	}
	if !s.wantsItem(item) {
		s.lastReadSeqno = item.Seqno
		s.itemsSkipped++
		return true
	}

	size := int64(item.Size())
	if s.budget != nil && !s.budget.TryConsume(size) {
		return false
	}

	prepared, err := s.prepareItem(item)
	if err != nil {
		s.logger.Errorf("%v %v dropping %v err=%v", s.name, s.vbid, item, err)
		if s.budget != nil {
			s.budget.Release(size)
		}
		s.lastReadSeqno = item.Seqno
		s.itemsSkipped++
		return true
	}

	responseType := DcpResponseMutation
	if prepared.Deleted {
		responseType = DcpResponseDeletion
	}
	s.readyQ = append(s.readyQ, &DcpResponse{Type: responseType, Item: prepared, budgetBytes: size})
	s.lastReadSeqno = item.Seqno
	return true
}

// wantsItem applies the stream filter. Notifier streams carry no data and
// streams opened without collections only see the default collection.
func (s *ActiveStream) wantsItem(item *base.Item) bool {
	if s.flags.Has(base.DcpOpenNotifier) {
		return false
	}
	if !s.flags.Has(base.DcpOpenCollections) && item.Cid != base.DefaultCollectionID {
		return false
	}
	return true
}

// prepareItem shapes a stored item for this consumer
func (s *ActiveStream) prepareItem(item *base.Item) (*base.Item, error) {
	out := *item
	keepXattrs := s.flags.Has(base.DcpOpenIncludeXattrs) && out.HasXattrs()
	reshape := (out.HasXattrs() && !keepXattrs) || s.flags.Has(base.DcpOpenNoValue)

	// values are only passed on compressed to consumers that negotiated it
	// and only when they are sent untouched
	if out.IsSnappy() && len(out.Value) > 0 && (!s.snappy || reshape) {
		inflated, err := snappy.Decode(nil, out.Value)
		if err != nil {
			return nil, fmt.Errorf("unable to inflate value: %v", err)
		}
		out.Value = inflated
		out.Datatype &^= base.DatatypeSnappy
	}

	if out.HasXattrs() && !keepXattrs {
		body, err := base.StripXattrs(out.Value)
		if err != nil {
			return nil, err
		}
		out.Value = body
		out.Datatype &^= base.DatatypeXattr
	}

	if s.flags.Has(base.DcpOpenNoValue) {
		if keepXattrs {
			body, err := base.StripXattrs(out.Value)
			if err != nil {
				return nil, err
			}
			out.Value = out.Value[:len(out.Value)-len(body)]
		} else {
			out.Value = nil
		}
		out.Datatype &^= base.DatatypeJSON | base.DatatypeSnappy
	}
	return &out, nil
}

// CompleteBackfill ends the stream when the backfill reached the requested
// end seqno, otherwise the stream carries on from memory
func (s *ActiveStream) CompleteBackfill() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StreamStateDead {
		return
	}
	if s.lastReadSeqno >= s.endSeqno {
		s.endStreamLocked(EndStreamOK)
		return
	}
	s.state = StreamStateInMemory
}

func (s *ActiveStream) BackfillFailed(err error) {
	s.logger.Errorf("%v %v backfill failed: %v", s.name, s.vbid, err)
	s.SetDead(EndStreamBackfillFail)
}

// SetDead ends the stream with reason. Queued data is dropped.
func (s *ActiveStream) SetDead(reason uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == StreamStateDead {
		return
	}
	for _, resp := range s.readyQ {
		s.releaseLocked(resp)
	}
	s.readyQ = nil
	s.endStreamLocked(reason)
}

func (s *ActiveStream) endStreamLocked(reason uint32) {
	s.readyQ = append(s.readyQ, &DcpResponse{Type: DcpResponseStreamEnd, EndReason: reason})
	s.state = StreamStateDead
	s.logger.Infof("%v %v stream ended reason=%v lastRead=%v lastSent=%v", s.name, s.vbid, reason, s.lastReadSeqno, s.lastSentSeqno)
}

func (s *ActiveStream) releaseLocked(resp *DcpResponse) {
	if resp.budgetBytes > 0 && s.budget != nil {
		s.budget.Release(resp.budgetBytes)
	}
	resp.budgetBytes = 0
}

// Next pops the oldest ready response, releasing its budget bytes
func (s *ActiveStream) Next() *DcpResponse {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.readyQ) == 0 {
		return nil
	}
	resp := s.readyQ[0]
	s.readyQ[0] = nil
	s.readyQ = s.readyQ[1:]
	s.releaseLocked(resp)
	if resp.Item != nil {
		s.lastSentSeqno = resp.Item.Seqno
	}
	return resp
}

// Step sends at most one ready response. StatusWouldBlock means the queue was
// empty.
func (s *ActiveStream) Step(producers service_def.DcpMessageProducers) (base.Status, error) {
	resp := s.Next()
	if resp == nil {
		return base.StatusWouldBlock, nil
	}
	var err error
	switch resp.Type {
	case DcpResponseMarker:
		err = producers.Marker(s.opaque, s.vbid, resp.SnapStart, resp.SnapEnd, resp.MarkerFlags)
	case DcpResponseMutation:
		err = producers.Mutation(s.opaque, s.vbid, resp.Item)
	case DcpResponseDeletion:
		err = producers.Deletion(s.opaque, s.vbid, resp.Item, s.flags.Has(base.DcpOpenIncludeDeleteTimes))
	case DcpResponseStreamEnd:
		err = producers.StreamEnd(s.opaque, s.vbid, resp.EndReason)
	}
	if err != nil {
		return base.StatusDisconnect, err
	}
	return base.StatusSuccess, nil
}

func (s *ActiveStream) ReadyQueueSize() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.readyQ)
}

func (s *ActiveStream) LastReadSeqno() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastReadSeqno
}

func (s *ActiveStream) LastSentSeqno() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastSentSeqno
}

func (s *ActiveStream) AddStats(addStat func(key, value string)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	prefix := fmt.Sprintf("%v:stream_%d_", s.name, uint16(s.vbid))
	addStat(prefix+"state", s.state.String())
	addStat(prefix+"flags", s.flags.String())
	addStat(prefix+"last_read_seqno", fmt.Sprintf("%v", s.lastReadSeqno))
	addStat(prefix+"last_sent_seqno", fmt.Sprintf("%v", s.lastSentSeqno))
	addStat(prefix+"items_ready", fmt.Sprintf("%v", len(s.readyQ)))
	addStat(prefix+"items_skipped", fmt.Sprintf("%v", s.itemsSkipped))
}
