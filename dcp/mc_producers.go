// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package dcp

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/couchbase/goep/base"
	mc "github.com/couchbase/gomemcached"
	"github.com/pkg/errors"
)

// extras lengths of the producer side DCP messages
const (
	snapshotExtrasLen   = 20
	mutationExtrasLen   = 31
	deletionExtrasLen   = 18
	deletionV2ExtrasLen = 21
	streamEndExtrasLen  = 4
	bufferAckExtrasLen  = 4
)

// McProducers encodes DCP messages as memcached binary requests and writes
// them to a connection
type McProducers struct {
	writeLock sync.Mutex
	w         io.Writer
	// keys carry a leb128 collection id prefix
	collections bool
	bytesSent   uint64
}

func NewMcProducers(w io.Writer, collectionsEnabled bool) *McProducers {
	return &McProducers{w: w, collections: collectionsEnabled}
}

func (p *McProducers) Control(opaque uint32, key, value string) error {
	return p.transmit(&mc.MCRequest{
		Opcode: mc.UPR_CONTROL,
		Opaque: opaque,
		Key:    []byte(key),
		Body:   []byte(value),
	})
}

func (p *McProducers) BufferAcknowledgement(opaque uint32, vbid base.Vbid, bufferBytes uint32) error {
	extras := make([]byte, bufferAckExtrasLen)
	binary.BigEndian.PutUint32(extras, bufferBytes)
	return p.transmit(&mc.MCRequest{
		Opcode:  mc.UPR_BUFFERACK,
		Opaque:  opaque,
		VBucket: uint16(vbid),
		Extras:  extras,
	})
}

func (p *McProducers) Marker(opaque uint32, vbid base.Vbid, start, end uint64, flags uint32) error {
	extras := make([]byte, snapshotExtrasLen)
	binary.BigEndian.PutUint64(extras[0:8], start)
	binary.BigEndian.PutUint64(extras[8:16], end)
	binary.BigEndian.PutUint32(extras[16:20], flags)
	return p.transmit(&mc.MCRequest{
		Opcode:  mc.UPR_SNAPSHOT,
		Opaque:  opaque,
		VBucket: uint16(vbid),
		Extras:  extras,
	})
}

func (p *McProducers) Mutation(opaque uint32, vbid base.Vbid, item *base.Item) error {
	extras := make([]byte, mutationExtrasLen)
	binary.BigEndian.PutUint64(extras[0:8], item.Seqno)
	binary.BigEndian.PutUint64(extras[8:16], item.RevSeqno)
	binary.BigEndian.PutUint32(extras[16:20], item.Flags)
	binary.BigEndian.PutUint32(extras[20:24], item.Expiry)
	// lock time, nmeta and nru stay zero
	return p.transmit(&mc.MCRequest{
		Opcode:   mc.UPR_MUTATION,
		Cas:      item.Cas,
		Opaque:   opaque,
		VBucket:  uint16(vbid),
		Extras:   extras,
		Key:      p.encodeKey(item),
		Body:     item.Value,
		DataType: item.Datatype,
	})
}

// Deletion sends a v2 deletion carrying the delete time when
// includeDeleteTime is set, a v1 deletion otherwise
func (p *McProducers) Deletion(opaque uint32, vbid base.Vbid, item *base.Item, includeDeleteTime bool) error {
	var extras []byte
	if includeDeleteTime {
		extras = make([]byte, deletionV2ExtrasLen)
		binary.BigEndian.PutUint64(extras[0:8], item.Seqno)
		binary.BigEndian.PutUint64(extras[8:16], item.RevSeqno)
		binary.BigEndian.PutUint32(extras[16:20], item.DeleteTime)
	} else {
		extras = make([]byte, deletionExtrasLen)
		binary.BigEndian.PutUint64(extras[0:8], item.Seqno)
		binary.BigEndian.PutUint64(extras[8:16], item.RevSeqno)
	}
	return p.transmit(&mc.MCRequest{
		Opcode:   mc.UPR_DELETION,
		Cas:      item.Cas,
		Opaque:   opaque,
		VBucket:  uint16(vbid),
		Extras:   extras,
		Key:      p.encodeKey(item),
		Body:     item.Value,
		DataType: item.Datatype,
	})
}

func (p *McProducers) StreamEnd(opaque uint32, vbid base.Vbid, reason uint32) error {
	extras := make([]byte, streamEndExtrasLen)
	binary.BigEndian.PutUint32(extras, reason)
	return p.transmit(&mc.MCRequest{
		Opcode:  mc.UPR_STREAMEND,
		Opaque:  opaque,
		VBucket: uint16(vbid),
		Extras:  extras,
	})
}

func (p *McProducers) encodeKey(item *base.Item) []byte {
	if !p.collections {
		return item.Key
	}
	key := make([]byte, 0, binary.MaxVarintLen32+len(item.Key))
	key = binary.AppendUvarint(key, uint64(item.Cid))
	return append(key, item.Key...)
}

func (p *McProducers) transmit(req *mc.MCRequest) error {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	n, err := req.Transmit(p.w)
	p.bytesSent += uint64(n)
	if err != nil {
		return errors.Wrapf(err, "unable to send %v", req.Opcode)
	}
	return nil
}

func (p *McProducers) BytesSent() uint64 {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	return p.bytesSent
}
