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
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
)

// FlowControlAckPolicy decides how many freed bytes justify a buffer ack.
// A non-zero Bytes takes precedence over Ratio of the negotiated buffer size.
type FlowControlAckPolicy struct {
	Ratio float64
	Bytes uint32
}

func DefaultFlowControlAckPolicy() FlowControlAckPolicy {
	return FlowControlAckPolicy{Ratio: base.DefaultFlowControlAckRatio}
}

func NewFlowControlAckPolicy(config *base.EngineConfig) FlowControlAckPolicy {
	return FlowControlAckPolicy{Ratio: config.ConsumerAckRatio, Bytes: config.ConsumerAckBytes}
}

func (p FlowControlAckPolicy) threshold(bufferSize uint32) uint64 {
	if p.Bytes > 0 {
		return uint64(p.Bytes)
	}
	return uint64(float64(bufferSize) * p.Ratio)
}

func (p FlowControlAckPolicy) String() string {
	if p.Bytes > 0 {
		return fmt.Sprintf("%v bytes", p.Bytes)
	}
	return fmt.Sprintf("%v of buffer", p.Ratio)
}

// FlowControl is the consumer side of DCP flow control for one connection. It
// tells the producer how large the consumer's buffer is and acknowledges
// bytes once they have been processed.
type FlowControl struct {
	name    string
	manager FlowControlManager
	policy  FlowControlAckPolicy
	enabled bool

	// guards bufferSize and pendingControl
	bufferSizeLock sync.Mutex
	bufferSize     uint32
	pendingControl bool

	freedBytes    atomic.Uint64
	ackedBytes    atomic.Uint64
	lastBufferAck atomic.Int64
	opaque        atomic.Uint32

	now    func() time.Time
	logger *log.CommonLogger
}

func NewFlowControl(name string, manager FlowControlManager, policy FlowControlAckPolicy, logger_ctx *log.LoggerContext) *FlowControl {
	fc := &FlowControl{
		name:    name,
		manager: manager,
		policy:  policy,
		enabled: manager.IsEnabled(),
		now:     time.Now,
		logger:  log.NewLogger("FlowControl", logger_ctx),
	}
	fc.lastBufferAck.Store(fc.now().UnixNano())
	if fc.enabled {
		size := manager.NewConsumerConn(fc)
		fc.bufferSizeLock.Lock()
		// the manager may already have resized this connection
		if fc.bufferSize == 0 {
			fc.bufferSize = size
		}
		fc.pendingControl = true
		fc.bufferSizeLock.Unlock()
	}
	return fc
}

func (fc *FlowControl) Name() string {
	return fc.name
}

// HandleFlowCtl sends at most one flow control message. A pending buffer size
// change goes first. StatusFailed with a nil error means there was nothing to
// send; an error means a producer failed.
func (fc *FlowControl) HandleFlowCtl(producers service_def.DcpMessageProducers) (base.Status, error) {
	if !fc.enabled {
		return base.StatusFailed, nil
	}

	fc.bufferSizeLock.Lock()
	defer fc.bufferSizeLock.Unlock()

	if fc.pendingControl {
		err := producers.Control(fc.opaque.Add(1), base.FlowControlBufSizeKey, strconv.FormatUint(uint64(fc.bufferSize), 10))
		if err != nil {
			return base.StatusDisconnect, err
		}
		fc.pendingControl = false
		return base.StatusSuccess, nil
	}

	freed := fc.freedBytes.Load()
	if freed == 0 {
		return base.StatusFailed, nil
	}
	now := fc.now()
	sinceLastAck := now.Sub(time.Unix(0, fc.lastBufferAck.Load()))
	if freed < fc.policy.threshold(fc.bufferSize) && sinceLastAck < base.FlowControlMaxUnackedTime {
		return base.StatusFailed, nil
	}

	// one ack carries at most a uint32, the rest goes with the next one
	ack := freed
	if ack > math.MaxUint32 {
		ack = math.MaxUint32
	}
	if err := producers.BufferAcknowledgement(fc.opaque.Add(1), 0, uint32(ack)); err != nil {
		return base.StatusDisconnect, err
	}
	// bytes freed meanwhile stay for the next ack
	fc.freedBytes.Add(^(ack - 1))
	fc.ackedBytes.Add(ack)
	fc.lastBufferAck.Store(now.UnixNano())
	return base.StatusSuccess, nil
}

// SetFlowControlBufSize announces a new buffer size on the next
// HandleFlowCtl. Setting the current size again is a no-op.
func (fc *FlowControl) SetFlowControlBufSize(newSize uint32) {
	if !fc.enabled {
		return
	}
	fc.bufferSizeLock.Lock()
	defer fc.bufferSizeLock.Unlock()
	if newSize == fc.bufferSize {
		return
	}
	fc.logger.Debugf("%v buffer size %v -> %v", fc.name, fc.bufferSize, newSize)
	fc.bufferSize = newSize
	fc.pendingControl = true
}

// IncrFreedBytes records bytes the consumer has finished processing
func (fc *FlowControl) IncrFreedBytes(bytes uint32) {
	if fc.enabled {
		fc.freedBytes.Add(uint64(bytes))
	}
}

// HandleDisconnect releases the connection's share of the buffer quota
func (fc *FlowControl) HandleDisconnect() {
	if fc.enabled {
		fc.manager.HandleDisconnect(fc)
	}
}

func (fc *FlowControl) IsEnabled() bool {
	return fc.enabled
}

func (fc *FlowControl) GetBufferSize() uint32 {
	fc.bufferSizeLock.Lock()
	defer fc.bufferSizeLock.Unlock()
	return fc.bufferSize
}

func (fc *FlowControl) IsPendingControl() bool {
	fc.bufferSizeLock.Lock()
	defer fc.bufferSizeLock.Unlock()
	return fc.pendingControl
}

func (fc *FlowControl) GetFreedBytes() uint64 {
	return fc.freedBytes.Load()
}

func (fc *FlowControl) GetAckedBytes() uint64 {
	return fc.ackedBytes.Load()
}

func (fc *FlowControl) AddStats(addStat func(key, value string)) {
	prefix := fc.name + ":"
	addStat(prefix+"flow_control_enabled", strconv.FormatBool(fc.enabled))
	if !fc.enabled {
		return
	}
	addStat(prefix+"max_buffer_bytes", strconv.FormatUint(uint64(fc.GetBufferSize()), 10))
	addStat(prefix+"unacked_bytes", strconv.FormatUint(fc.GetFreedBytes(), 10))
	addStat(prefix+"total_acked_bytes", strconv.FormatUint(fc.GetAckedBytes(), 10))
	addStat(prefix+"ack_policy", fc.policy.String())
}
