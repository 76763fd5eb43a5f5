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
	"github.com/couchbase/goep/metadata"
)

// VBucket is the engine's view of one vbucket. Implementations are safe for
// concurrent use.
type VBucket interface {
	Id() base.Vbid
	GetState() base.VBucketState
	// Failover uuid of the current branch of history
	GetUUID() uint64
	GetPersistenceSeqno() uint64
	GetManifest() *metadata.Manifest
	// Applies a newer manifest. Anything other than StatusSuccess leaves the
	// vbucket on its previous manifest.
	UpdateFromManifest(manifest *metadata.Manifest) base.Status
	GetKVStore() KVStore
	// Cancels a range scan. When schedule is true the cleanup runs on a
	// separate task, otherwise the caller is expected to finish it.
	CancelRangeScan(id base.RangeScanId, schedule bool) base.Status
}

// KVShard groups the vbuckets that share one storage instance
type KVShard interface {
	Id() int
	GetVBuckets() []VBucket
}

type VBucketMap interface {
	GetBucket(vbid base.Vbid) (VBucket, bool)
	GetShards() []KVShard
}

// Bucket is the front-end facing side of the engine. Asynchronous operations
// report back through it.
type Bucket interface {
	// Completes an operation that previously returned would-block
	NotifyIOComplete(cookie base.Cookie, status base.Status)
	// Attaches a result to the cookie ahead of NotifyIOComplete
	StoreEngineSpecific(cookie base.Cookie, data interface{})
	// Receives ownership of a manifest that has been persisted
	SaveManifestCompleted(manifest *metadata.Manifest)
}
