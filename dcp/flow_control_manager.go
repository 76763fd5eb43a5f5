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
	"github.com/puzpuzpuz/xsync/v3"
)

// FlowControlManager hands out buffer sizes to the consumer connections of a
// bucket
type FlowControlManager interface {
	IsEnabled() bool
	// Registers fc and returns its buffer size
	NewConsumerConn(fc *FlowControl) uint32
	HandleDisconnect(fc *FlowControl)
}

// NewFlowControlManager picks the implementation named by the config's policy
func NewFlowControlManager(config *base.EngineConfig) (FlowControlManager, error) {
	switch config.FlowControlPolicy {
	case base.FlowControlPolicyNone:
		return NewFlowControlManagerDisabled(), nil
	case base.FlowControlPolicyStatic:
		return NewFlowControlManagerStatic(config.ConnBufferSize), nil
	case base.FlowControlPolicyDynamic:
		return NewFlowControlManagerDynamic(DynamicFlowControlConfig{
			BucketQuota:   config.MaxDataSize,
			BufferRatio:   config.ConnBufferRatio,
			MinBufferSize: config.ConnBufferSizeMin,
			MaxBufferSize: config.ConnBufferSizeMax,
		}), nil
	}
	return nil, fmt.Errorf("%w: flow control policy %v", base.ErrorInvalidConfig, config.FlowControlPolicy)
}

type flowControlManagerDisabled struct{}

func NewFlowControlManagerDisabled() FlowControlManager {
	return flowControlManagerDisabled{}
}

func (flowControlManagerDisabled) IsEnabled() bool                       { return false }
func (flowControlManagerDisabled) NewConsumerConn(fc *FlowControl) uint32 { return 0 }
func (flowControlManagerDisabled) HandleDisconnect(fc *FlowControl)       {}

// FlowControlManagerStatic gives every connection the same buffer size
type FlowControlManagerStatic struct {
	bufferSize uint32
}

func NewFlowControlManagerStatic(bufferSize uint32) *FlowControlManagerStatic {
	return &FlowControlManagerStatic{bufferSize: bufferSize}
}

func (m *FlowControlManagerStatic) IsEnabled() bool {
	return true
}

func (m *FlowControlManagerStatic) NewConsumerConn(fc *FlowControl) uint32 {
	return m.bufferSize
}

func (m *FlowControlManagerStatic) HandleDisconnect(fc *FlowControl) {}

type DynamicFlowControlConfig struct {
	BucketQuota   uint64
	BufferRatio   float64
	MinBufferSize uint32
	MaxBufferSize uint32
}

// FlowControlManagerDynamic divides a share of the bucket quota between all
// connected consumers. Every connect and disconnect resizes the others.
type FlowControlManagerDynamic struct {
	config    DynamicFlowControlConfig
	consumers *xsync.MapOf[*FlowControl, struct{}]
	// serialises resizes so sizes are applied in connect order
	resizeLock sync.Mutex
}

func NewFlowControlManagerDynamic(config DynamicFlowControlConfig) *FlowControlManagerDynamic {
	return &FlowControlManagerDynamic{
		config:    config,
		consumers: xsync.NewMapOf[*FlowControl, struct{}](),
	}
}

func (m *FlowControlManagerDynamic) IsEnabled() bool {
	return true
}

func (m *FlowControlManagerDynamic) NewConsumerConn(fc *FlowControl) uint32 {
	m.resizeLock.Lock()
	defer m.resizeLock.Unlock()
	m.consumers.Store(fc, struct{}{})
	size := m.perConsumerSize()
	m.consumers.Range(func(other *FlowControl, _ struct{}) bool {
		if other != fc {
			other.SetFlowControlBufSize(size)
		}
		return true
	})
	return size
}

func (m *FlowControlManagerDynamic) HandleDisconnect(fc *FlowControl) {
	m.resizeLock.Lock()
	defer m.resizeLock.Unlock()
	if _, loaded := m.consumers.LoadAndDelete(fc); !loaded {
		return
	}
	if m.consumers.Size() == 0 {
		return
	}
	size := m.perConsumerSize()
	m.consumers.Range(func(other *FlowControl, _ struct{}) bool {
		other.SetFlowControlBufSize(size)
		return true
	})
}

func (m *FlowControlManagerDynamic) NumConsumers() int {
	return m.consumers.Size()
}

func (m *FlowControlManagerDynamic) perConsumerSize() uint32 {
	n := m.consumers.Size()
	if n == 0 {
		n = 1
	}
	share := uint64(float64(m.config.BucketQuota)*m.config.BufferRatio) / uint64(n)
	if share < uint64(m.config.MinBufferSize) {
		return m.config.MinBufferSize
	}
	if share > uint64(m.config.MaxBufferSize) {
		return m.config.MaxBufferSize
	}
	return uint32(share)
}
