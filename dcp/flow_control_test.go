// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package dcp

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestFlowControl(manager FlowControlManager, policy FlowControlAckPolicy) (*FlowControl, *time.Time) {
	clock := time.Unix(5000, 0)
	fc := NewFlowControl("consumer", manager, policy, log.DefaultLoggerContext)
	fc.now = func() time.Time { return clock }
	fc.lastBufferAck.Store(clock.UnixNano())
	return fc, &clock
}

func TestFlowControlControlBeforeAck(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlControlBeforeAck =================")
	defer fmt.Println("============== Test case end: TestFlowControlControlBeforeAck =================")
	assert := assert.New(t)

	fc, _ := newTestFlowControl(NewFlowControlManagerStatic(1000), DefaultFlowControlAckPolicy())
	assert.True(fc.IsEnabled())
	assert.True(fc.IsPendingControl())
	fc.IncrFreedBytes(900)

	producers := mocks.NewDcpMessageProducers(t)
	producers.On("Control", mock.Anything, base.FlowControlBufSizeKey, "1000").Return(nil).Once()
	producers.On("BufferAcknowledgement", mock.Anything, base.Vbid(0), uint32(900)).Return(nil).Once()

	status, err := fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusSuccess, status)
	assert.False(fc.IsPendingControl())
	assert.Equal(uint64(900), fc.GetFreedBytes())

	status, err = fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusSuccess, status)
	assert.Equal(uint64(0), fc.GetFreedBytes())
	assert.Equal(uint64(900), fc.GetAckedBytes())

	status, err = fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusFailed, status)
}

func TestFlowControlAckThreshold(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlAckThreshold =================")
	defer fmt.Println("============== Test case end: TestFlowControlAckThreshold =================")
	assert := assert.New(t)

	fc, _ := newTestFlowControl(NewFlowControlManagerStatic(1000), FlowControlAckPolicy{Ratio: 0.2})
	producers := mocks.NewDcpMessageProducers(t)
	producers.On("Control", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	fc.HandleFlowCtl(producers)

	fc.IncrFreedBytes(199)
	status, err := fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusFailed, status)

	producers.On("BufferAcknowledgement", mock.Anything, base.Vbid(0), uint32(200)).Return(nil).Once()
	fc.IncrFreedBytes(1)
	status, err = fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusSuccess, status)

	// an absolute byte count wins over the ratio
	fixed, _ := newTestFlowControl(NewFlowControlManagerStatic(1000), FlowControlAckPolicy{Ratio: 0.2, Bytes: 50})
	fixedProducers := mocks.NewDcpMessageProducers(t)
	fixedProducers.On("Control", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	fixedProducers.On("BufferAcknowledgement", mock.Anything, base.Vbid(0), uint32(50)).Return(nil).Once()
	fixed.HandleFlowCtl(fixedProducers)
	fixed.IncrFreedBytes(50)
	status, err = fixed.HandleFlowCtl(fixedProducers)
	assert.Nil(err)
	assert.Equal(base.StatusSuccess, status)
}

func TestFlowControlMaxUnackedTime(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlMaxUnackedTime =================")
	defer fmt.Println("============== Test case end: TestFlowControlMaxUnackedTime =================")
	assert := assert.New(t)

	fc, clock := newTestFlowControl(NewFlowControlManagerStatic(1000), DefaultFlowControlAckPolicy())
	producers := mocks.NewDcpMessageProducers(t)
	producers.On("Control", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	fc.HandleFlowCtl(producers)

	fc.IncrFreedBytes(10)
	*clock = clock.Add(base.FlowControlMaxUnackedTime - time.Millisecond)
	status, _ := fc.HandleFlowCtl(producers)
	assert.Equal(base.StatusFailed, status)

	producers.On("BufferAcknowledgement", mock.Anything, base.Vbid(0), uint32(10)).Return(nil).Once()
	*clock = clock.Add(time.Millisecond)
	status, _ = fc.HandleFlowCtl(producers)
	assert.Equal(base.StatusSuccess, status)

	// timer restarted by the ack
	fc.IncrFreedBytes(10)
	*clock = clock.Add(time.Second)
	status, _ = fc.HandleFlowCtl(producers)
	assert.Equal(base.StatusFailed, status)
}

func TestFlowControlAckCappedAtUint32(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlAckCappedAtUint32 =================")
	defer fmt.Println("============== Test case end: TestFlowControlAckCappedAtUint32 =================")
	assert := assert.New(t)

	fc, clock := newTestFlowControl(NewFlowControlManagerStatic(1000), DefaultFlowControlAckPolicy())
	producers := mocks.NewDcpMessageProducers(t)
	producers.On("Control", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	fc.HandleFlowCtl(producers)

	fc.freedBytes.Store(math.MaxUint32 + 100)
	producers.On("BufferAcknowledgement", mock.Anything, base.Vbid(0), uint32(math.MaxUint32)).Return(nil).Once()
	status, err := fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusSuccess, status)
	assert.Equal(uint64(100), fc.GetFreedBytes())
	assert.Equal(uint64(math.MaxUint32), fc.GetAckedBytes())

	// the remainder goes out with a later ack
	producers.On("BufferAcknowledgement", mock.Anything, base.Vbid(0), uint32(100)).Return(nil).Once()
	*clock = clock.Add(base.FlowControlMaxUnackedTime)
	status, err = fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusSuccess, status)
	assert.Equal(uint64(0), fc.GetFreedBytes())
	assert.Equal(uint64(math.MaxUint32+100), fc.GetAckedBytes())
}

func TestFlowControlProducerError(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlProducerError =================")
	defer fmt.Println("============== Test case end: TestFlowControlProducerError =================")
	assert := assert.New(t)

	fc, _ := newTestFlowControl(NewFlowControlManagerStatic(1000), DefaultFlowControlAckPolicy())
	producers := mocks.NewDcpMessageProducers(t)
	producers.On("Control", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("closed")).Once()
	status, err := fc.HandleFlowCtl(producers)
	assert.NotNil(err)
	assert.Equal(base.StatusDisconnect, status)
	// still owed
	assert.True(fc.IsPendingControl())
}

func TestFlowControlSetBufSize(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlSetBufSize =================")
	defer fmt.Println("============== Test case end: TestFlowControlSetBufSize =================")
	assert := assert.New(t)

	fc, _ := newTestFlowControl(NewFlowControlManagerStatic(1000), DefaultFlowControlAckPolicy())
	producers := mocks.NewDcpMessageProducers(t)
	producers.On("Control", mock.Anything, base.FlowControlBufSizeKey, "1000").Return(nil).Once()
	fc.HandleFlowCtl(producers)

	fc.SetFlowControlBufSize(1000)
	assert.False(fc.IsPendingControl())

	fc.SetFlowControlBufSize(2000)
	assert.True(fc.IsPendingControl())
	assert.Equal(uint32(2000), fc.GetBufferSize())
	producers.On("Control", mock.Anything, base.FlowControlBufSizeKey, "2000").Return(nil).Once()
	status, _ := fc.HandleFlowCtl(producers)
	assert.Equal(base.StatusSuccess, status)
}

func TestFlowControlDisabled(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlDisabled =================")
	defer fmt.Println("============== Test case end: TestFlowControlDisabled =================")
	assert := assert.New(t)

	fc, _ := newTestFlowControl(NewFlowControlManagerDisabled(), DefaultFlowControlAckPolicy())
	assert.False(fc.IsEnabled())
	fc.IncrFreedBytes(1 << 20)
	fc.SetFlowControlBufSize(10)
	assert.Equal(uint64(0), fc.GetFreedBytes())

	// no producer call is expected
	producers := mocks.NewDcpMessageProducers(t)
	status, err := fc.HandleFlowCtl(producers)
	assert.Nil(err)
	assert.Equal(base.StatusFailed, status)
	fc.HandleDisconnect()

	stats := map[string]string{}
	fc.AddStats(func(k, v string) { stats[k] = v })
	assert.Equal("false", stats["consumer:flow_control_enabled"])
	assert.Len(stats, 1)
}

func TestFlowControlManagerDynamic(t *testing.T) {
	fmt.Println("============== Test case start: TestFlowControlManagerDynamic =================")
	defer fmt.Println("============== Test case end: TestFlowControlManagerDynamic =================")
	assert := assert.New(t)

	manager := NewFlowControlManagerDynamic(DynamicFlowControlConfig{
		BucketQuota:   1000 * 1000,
		BufferRatio:   0.1,
		MinBufferSize: 20 * 1000,
		MaxBufferSize: 60 * 1000,
	})

	// 100000 for one consumer is clamped to the max
	first := NewFlowControl("first", manager, DefaultFlowControlAckPolicy(), log.DefaultLoggerContext)
	assert.Equal(uint32(60*1000), first.GetBufferSize())

	second := NewFlowControl("second", manager, DefaultFlowControlAckPolicy(), log.DefaultLoggerContext)
	assert.Equal(uint32(50*1000), second.GetBufferSize())
	assert.Equal(uint32(50*1000), first.GetBufferSize())

	var consumers []*FlowControl
	for i := 0; i < 8; i++ {
		consumers = append(consumers, NewFlowControl(fmt.Sprintf("c%v", i), manager, DefaultFlowControlAckPolicy(), log.DefaultLoggerContext))
	}
	assert.Equal(10, manager.NumConsumers())
	// 10000 each is below the floor
	assert.Equal(uint32(20*1000), first.GetBufferSize())
	assert.Equal(uint32(20*1000), consumers[7].GetBufferSize())

	for _, consumer := range consumers {
		consumer.HandleDisconnect()
	}
	consumers[0].HandleDisconnect()
	assert.Equal(2, manager.NumConsumers())
	assert.Equal(uint32(50*1000), first.GetBufferSize())
	assert.Equal(uint32(50*1000), second.GetBufferSize())
	assert.True(first.IsPendingControl())
}

func TestNewFlowControlManager(t *testing.T) {
	fmt.Println("============== Test case start: TestNewFlowControlManager =================")
	defer fmt.Println("============== Test case end: TestNewFlowControlManager =================")
	assert := assert.New(t)
	require := require.New(t)

	config := base.DefaultEngineConfig()
	for policy, enabled := range map[string]bool{
		base.FlowControlPolicyNone:    false,
		base.FlowControlPolicyStatic:  true,
		base.FlowControlPolicyDynamic: true,
	} {
		config.FlowControlPolicy = policy
		manager, err := NewFlowControlManager(config)
		require.Nil(err)
		assert.Equal(enabled, manager.IsEnabled(), policy)
	}

	config.FlowControlPolicy = "aggressive"
	_, err := NewFlowControlManager(config)
	assert.True(errors.Is(err, base.ErrorInvalidConfig))
}
