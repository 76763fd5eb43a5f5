/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package base

import (
	"encoding/binary"
	"fmt"
	"testing"

	mc "github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	fmt.Println("============== Test case start: TestStatusMapping =================")
	defer fmt.Println("============== Test case end: TestStatusMapping =================")
	assert := assert.New(t)

	assert.Equal(mc.SUCCESS, StatusSuccess.ToMcStatus())
	assert.Equal(mc.EBUSY, StatusTooBusy.ToMcStatus())
	assert.Equal(mc.TMPFAIL, StatusWouldBlock.ToMcStatus())
	assert.Equal(mc.NOT_MY_VBUCKET, StatusNotMyVbucket.ToMcStatus())
	assert.Equal(mc.RANGE_SCAN_MORE, StatusRangeScanMore.ToMcStatus())
	assert.Equal(mc.RANGE_SCAN_COMPLETE, StatusRangeScanComplete.ToMcStatus())
	assert.Equal(mc.EINTERNAL, StatusCannotApplyCollectionsManifest.ToMcStatus())

	assert.Equal("cannot_apply_collections_manifest", StatusCannotApplyCollectionsManifest.String())
	assert.Equal("unknown_status(99)", Status(99).String())

	assert.True(StatusTooBusy.IsFlowControlSignal())
	assert.True(StatusWouldBlock.IsFlowControlSignal())
	assert.False(StatusFailed.IsFlowControlSignal())
	assert.False(StatusSuccess.IsFlowControlSignal())
}

func TestDcpOpenFlags(t *testing.T) {
	fmt.Println("============== Test case start: TestDcpOpenFlags =================")
	defer fmt.Println("============== Test case end: TestDcpOpenFlags =================")
	assert := assert.New(t)

	flags := DcpOpenProducer | DcpOpenCollections | DcpOpenNoValue
	assert.True(flags.Has(DcpOpenCollections))
	assert.False(flags.Has(DcpOpenIncludeXattrs))
	assert.False(flags.Has(DcpOpenCollections | DcpOpenNotifier))
	assert.Equal("[PRODUCER|NO_VALUE|COLLECTIONS]", flags.String())
	assert.Equal("[]", DcpOpenFlags(0).String())
}

func TestStripXattrs(t *testing.T) {
	fmt.Println("============== Test case start: TestStripXattrs =================")
	defer fmt.Println("============== Test case end: TestStripXattrs =================")
	assert := assert.New(t)

	xattrs := []byte("\x00\x00\x00\x0d_sync\x00{\"a\":1}\x00")
	body := []byte(`{"name":"beer"}`)
	value := make([]byte, 4, 4+len(xattrs)+len(body))
	binary.BigEndian.PutUint32(value, uint32(len(xattrs)))
	value = append(append(value, xattrs...), body...)

	stripped, err := StripXattrs(value)
	assert.Nil(err)
	assert.Equal(body, stripped)

	_, err = StripXattrs([]byte{0, 0})
	assert.Equal(ErrorInvalidInput, err)
	_, err = StripXattrs([]byte{0, 0, 1, 0, 'x'})
	assert.Equal(ErrorInvalidInput, err)

	item := &Item{Key: []byte("k"), Value: value, Datatype: DatatypeJSON | DatatypeXattr}
	assert.True(item.HasXattrs())
	assert.False(item.IsSnappy())
}
