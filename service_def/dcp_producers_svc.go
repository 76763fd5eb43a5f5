// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_def

import (
	"github.com/couchbase/goep/base"
)

// DcpMessageProducers writes DCP messages onto a connection
type DcpMessageProducers interface {
	Control(opaque uint32, key string, value string) error
	BufferAcknowledgement(opaque uint32, vbid base.Vbid, bufferBytes uint32) error
	Marker(opaque uint32, vbid base.Vbid, start, end uint64, flags uint32) error
	Mutation(opaque uint32, vbid base.Vbid, item *base.Item) error
	Deletion(opaque uint32, vbid base.Vbid, item *base.Item, includeDeleteTime bool) error
	StreamEnd(opaque uint32, vbid base.Vbid, reason uint32) error
}
