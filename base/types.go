// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"encoding/binary"
	"fmt"
	"strings"

	mc "github.com/couchbase/gomemcached"
	"github.com/google/uuid"
)

type Vbid uint16

func (vb Vbid) String() string {
	return fmt.Sprintf("vb:%d", uint16(vb))
}

type CollectionID uint32

const DefaultCollectionID CollectionID = 0

func (cid CollectionID) String() string {
	return fmt.Sprintf("cid:0x%x", uint32(cid))
}

// Cookie identifies the front-end request an asynchronous operation completes.
// The engine never looks inside it.
type Cookie interface{}

// RangeScanId identifies one range scan of a vbucket
type RangeScanId = uuid.UUID

type VBucketState int

const (
	VBucketStateActive VBucketState = iota
	VBucketStateReplica
	VBucketStatePending
	VBucketStateDead
)

func (s VBucketState) String() string {
	switch s {
	case VBucketStateActive:
		return "active"
	case VBucketStateReplica:
		return "replica"
	case VBucketStatePending:
		return "pending"
	case VBucketStateDead:
		return "dead"
	}
	return "unknown"
}

// DcpOpenFlags are the flags carried by a DCP_OPEN request
type DcpOpenFlags uint32

var (
	DcpOpenProducer           = DcpOpenFlags(mc.DCP_PRODUCER)
	DcpOpenNotifier           = DcpOpenFlags(0x02)
	DcpOpenIncludeXattrs      = DcpOpenFlags(mc.DCP_OPEN_INCLUDE_XATTRS)
	DcpOpenNoValue            = DcpOpenFlags(0x08)
	DcpOpenCollections        = DcpOpenFlags(0x10)
	DcpOpenIncludeDeleteTimes = DcpOpenFlags(mc.DCP_OPEN_INCLUDE_DELETE_TIMES)
)

func (f DcpOpenFlags) Has(flag DcpOpenFlags) bool {
	return f&flag == flag
}

func (f DcpOpenFlags) String() string {
	var names []string
	for _, entry := range []struct {
		flag DcpOpenFlags
		name string
	}{
		{DcpOpenProducer, "PRODUCER"},
		{DcpOpenNotifier, "NOTIFIER"},
		{DcpOpenIncludeXattrs, "INCLUDE_XATTRS"},
		{DcpOpenNoValue, "NO_VALUE"},
		{DcpOpenCollections, "COLLECTIONS"},
		{DcpOpenIncludeDeleteTimes, "INCLUDE_DELETE_TIMES"},
	} {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	return "[" + strings.Join(names, "|") + "]"
}

// Datatype bits of a stored value
const (
	DatatypeRaw    uint8 = 0x00
	DatatypeJSON   uint8 = 0x01
	DatatypeSnappy uint8 = 0x02
	DatatypeXattr  uint8 = 0x04
)

// Item is a document version as read from a snapshot or a checkpoint
type Item struct {
	Key        []byte
	Value      []byte
	Cid        CollectionID
	Seqno      uint64
	RevSeqno   uint64
	Cas        uint64
	Flags      uint32
	Expiry     uint32
	DeleteTime uint32
	Datatype   uint8
	Deleted    bool
}

// Size is the number of bytes the item accounts for when buffered
func (item *Item) Size() int {
	return len(item.Key) + len(item.Value) + ItemMetaSize
}

// ItemMetaSize approximates the fixed metadata carried with each buffered item
const ItemMetaSize = 56

func (item *Item) IsSnappy() bool {
	return item.Datatype&DatatypeSnappy != 0
}

func (item *Item) HasXattrs() bool {
	return item.Datatype&DatatypeXattr != 0
}

// StripXattrs returns the document body of an xattr-prefixed value. The value
// must already be inflated.
func StripXattrs(value []byte) ([]byte, error) {
	if len(value) < 4 {
		return nil, ErrorInvalidInput
	}
	xattrLen := binary.BigEndian.Uint32(value[:4])
	if uint64(xattrLen)+4 > uint64(len(value)) {
		return nil, ErrorInvalidInput
	}
	return value[4+xattrLen:], nil
}

func (item *Item) String() string {
	return fmt.Sprintf("Item{key:<ud>%s</ud> %v seqno:%v datatype:%v deleted:%v}", item.Key, item.Cid, item.Seqno, item.Datatype, item.Deleted)
}
