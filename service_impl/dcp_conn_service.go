// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_impl

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/dcp"
	"github.com/couchbase/goep/log"
	"github.com/puzpuzpuz/xsync/v3"
)

// DcpProducerConn is one DCP producer connection. Its streams are filled by
// backfills sharing the connection's buffer budget and drained by Step.
type DcpProducerConn struct {
	name   string
	bucket *EPBucket
	flags  base.DcpOpenFlags
	snappy bool

	producers    *dcp.McProducers
	backfillMgr  *dcp.BackfillManager
	backfillTask *dcp.BackfillManagerTask
	streams      *xsync.MapOf[base.Vbid, *dcp.ActiveStream]

	// round robin position of Step
	stepLock sync.Mutex
	lastVbid int

	closed atomic.Bool
	logger *log.CommonLogger
}

// NewDcpProducer opens a producer connection writing to w
func (b *EPBucket) NewDcpProducer(name string, w io.Writer, flags base.DcpOpenFlags, snappy bool) (*DcpProducerConn, error) {
	if b.stopped.Load() {
		return nil, fmt.Errorf("bucket %v is stopped", b.name)
	}
	backfillMgr := dcp.NewBackfillManager(name, dcp.NewBackfillManagerConfig(b.config), b.logger_ctx)
	conn := &DcpProducerConn{
		name:         name,
		bucket:       b,
		flags:        flags,
		snappy:       snappy,
		producers:    dcp.NewMcProducers(w, flags.Has(base.DcpOpenCollections)),
		backfillMgr:  backfillMgr,
		backfillTask: dcp.NewBackfillManagerTask(backfillMgr, b.executor),
		streams:      xsync.NewMapOf[base.Vbid, *dcp.ActiveStream](),
		lastVbid:     -1,
		logger:       log.NewLogger("DcpProducer", b.logger_ctx),
	}
	if _, loaded := b.producers.LoadOrStore(name, conn); loaded {
		return nil, fmt.Errorf("producer %v already exists", name)
	}
	b.resourceMgr.AddBudget(backfillMgr.Budget())
	conn.logger.Infof("Opened producer %v flags=%v snappy=%v", name, flags, snappy)
	return conn, nil
}

func (c *DcpProducerConn) Name() string {
	return c.name
}

func (c *DcpProducerConn) BackfillManager() *dcp.BackfillManager {
	return c.backfillMgr
}

// StreamRequest opens a stream of vbid for the items after startSeqno up to
// and including endSeqno
func (c *DcpProducerConn) StreamRequest(opaque uint32, vbid base.Vbid, startSeqno, endSeqno uint64) base.Status {
	if c.closed.Load() {
		return base.StatusDisconnect
	}
	if startSeqno > endSeqno {
		return base.StatusInvalidArgument
	}
	vb, ok := c.bucket.vbMap.GetBucketImpl(vbid)
	if !ok || vb.GetState() != base.VBucketStateActive {
		return base.StatusNotMyVbucket
	}
	if existing, ok := c.streams.Load(vbid); ok && existing.IsActive() {
		c.logger.Warnf("%v %v already has an active stream", c.name, vbid)
		return base.StatusInvalidArgument
	}

	stream := dcp.NewActiveStream(c.name, opaque, vbid, c.flags, c.snappy, endSeqno, c.backfillMgr.Budget(), c.bucket.logger_ctx)
	c.streams.Store(vbid, stream)
	backfillStart := startSeqno
	if backfillStart < math.MaxUint64 {
		backfillStart++
	}
	c.backfillMgr.NewDiskBackfill(vbid, vb.GetKVStore(), stream, backfillStart, endSeqno, c.bucket.logger_ctx)
	c.backfillTask.Wake()
	c.logger.Infof("%v stream request %v (%v, %v]", c.name, vbid, startSeqno, endSeqno)
	return base.StatusSuccess
}

func (c *DcpProducerConn) GetStream(vbid base.Vbid) (*dcp.ActiveStream, bool) {
	return c.streams.Load(vbid)
}

// CloseStream ends the stream of vbid. Its end message is still sent.
func (c *DcpProducerConn) CloseStream(vbid base.Vbid) base.Status {
	stream, ok := c.streams.Load(vbid)
	if !ok || !stream.IsActive() {
		return base.StatusKeyNotFound
	}
	stream.SetDead(dcp.EndStreamClosed)
	return base.StatusSuccess
}

// Step sends one message from the next stream with data. StatusWouldBlock
// means no stream had anything to send.
func (c *DcpProducerConn) Step() (base.Status, error) {
	if c.closed.Load() {
		return base.StatusDisconnect, nil
	}
	c.stepLock.Lock()
	defer c.stepLock.Unlock()

	vbids := make([]int, 0, c.streams.Size())
	c.streams.Range(func(vbid base.Vbid, _ *dcp.ActiveStream) bool {
		vbids = append(vbids, int(vbid))
		return true
	})
	sort.Ints(vbids)
	start := sort.SearchInts(vbids, c.lastVbid+1)

	for i := 0; i < len(vbids); i++ {
		vbid := base.Vbid(vbids[(start+i)%len(vbids)])
		stream, ok := c.streams.Load(vbid)
		if !ok {
			continue
		}
		status, err := stream.Step(c.producers)
		if err != nil {
			c.logger.Errorf("%v %v failed to send: %v", c.name, vbid, err)
			return status, err
		}
		if status == base.StatusWouldBlock {
			if !stream.IsActive() {
				// the end message has gone out
				c.streams.Compute(vbid, func(old *dcp.ActiveStream, loaded bool) (*dcp.ActiveStream, bool) {
					return old, loaded && old == stream
				})
			}
			continue
		}
		c.lastVbid = int(vbid)
		return status, nil
	}
	return base.StatusWouldBlock, nil
}

func (c *DcpProducerConn) NumStreams() int {
	return c.streams.Size()
}

func (c *DcpProducerConn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.streams.Range(func(_ base.Vbid, stream *dcp.ActiveStream) bool {
		stream.SetDead(dcp.EndStreamDisconnected)
		return true
	})
	c.backfillMgr.CancelAll()
	c.bucket.resourceMgr.RemoveBudget(c.backfillMgr.Budget())
	c.bucket.producers.Delete(c.name)
	c.logger.Infof("Closed producer %v", c.name)
}

func (c *DcpProducerConn) AddStats(addStat func(key, value string)) {
	addStat(c.name+":type", "producer")
	addStat(c.name+":num_streams", fmt.Sprintf("%v", c.NumStreams()))
	c.backfillMgr.AddStats(addStat)
	c.streams.Range(func(_ base.Vbid, stream *dcp.ActiveStream) bool {
		stream.AddStats(addStat)
		return true
	})
}

// DcpConsumerConn is the receiving end of a DCP connection. It tells the
// producer how much it may send through flow control messages.
type DcpConsumerConn struct {
	name        string
	bucket      *EPBucket
	producers   *dcp.McProducers
	flowControl *dcp.FlowControl
	closed      atomic.Bool
	logger      *log.CommonLogger
}

// NewDcpConsumer opens a consumer connection whose control messages go to w
func (b *EPBucket) NewDcpConsumer(name string, w io.Writer) (*DcpConsumerConn, error) {
	if b.stopped.Load() {
		return nil, fmt.Errorf("bucket %v is stopped", b.name)
	}
	conn := &DcpConsumerConn{
		name:      name,
		bucket:    b,
		producers: dcp.NewMcProducers(w, false),
		logger:    log.NewLogger("DcpConsumer", b.logger_ctx),
	}
	if _, loaded := b.consumers.LoadOrStore(name, conn); loaded {
		return nil, fmt.Errorf("consumer %v already exists", name)
	}
	conn.flowControl = dcp.NewFlowControl(name, b.flowControlMgr, dcp.NewFlowControlAckPolicy(b.config), b.logger_ctx)
	conn.logger.Infof("Opened consumer %v flow control enabled=%v", name, conn.flowControl.IsEnabled())
	return conn, nil
}

func (c *DcpConsumerConn) FlowControl() *dcp.FlowControl {
	return c.flowControl
}

// MessageProcessed releases the buffer space of a message the consumer has
// finished with
func (c *DcpConsumerConn) MessageProcessed(bytes uint32) {
	c.flowControl.IncrFreedBytes(bytes)
}

// Step sends a pending flow control message. StatusFailed with a nil error
// means there was nothing to send.
func (c *DcpConsumerConn) Step() (base.Status, error) {
	if c.closed.Load() {
		return base.StatusDisconnect, nil
	}
	return c.flowControl.HandleFlowCtl(c.producers)
}

func (c *DcpConsumerConn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.flowControl.HandleDisconnect()
	c.bucket.consumers.Delete(c.name)
	c.logger.Infof("Closed consumer %v", c.name)
}

func (c *DcpConsumerConn) AddStats(addStat func(key, value string)) {
	addStat(c.name+":type", "consumer")
	c.flowControl.AddStats(addStat)
}
