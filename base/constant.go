// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import "time"

// collections manifest
const (
	DefaultCollectionName   = "$default"
	DefaultSeparator        = ":"
	CollectionsUidBase      = 16
	MaxSeparatorLength      = 16
	MaxCollectionNameLength = 251
	DefaultMaxCollections   = 1000

	ManifestUidKey         = "uid"
	ManifestSeparatorKey   = "separator"
	ManifestCollectionsKey = "collections"
	CollectionNameKey      = "name"
	CollectionUidKey       = "uid"

	ManifestFileName       = "collections.manifest"
	ManifestTmpFilePattern = ManifestFileName + ".tmp*"
)

// vbuckets
const (
	DefaultMaxVBuckets  = 1024
	DefaultMaxNumShards = 4
	MaxVBucketId        = 0xffff
)

// dcp flow control
const (
	FlowControlBufSizeKey        = "connection_buffer_size"
	DefaultFlowControlBufferSize = 10 * 1024 * 1024
	DefaultFlowControlAckRatio   = 0.2
	FlowControlMaxUnackedTime    = 5 * time.Second
	DefaultDcpConnBufferRatio    = 0.05
	DefaultDcpMinConnBufferSize  = 10 * 1024 * 1024
	DefaultDcpMaxConnBufferSize  = 50 * 1024 * 1024
)

// backfill
const (
	DefaultBackfillScanChunkDuration = 100 * time.Millisecond
	DefaultBackfillMaxBufferBytes    = 20 * 1024 * 1024
	DefaultBackfillMaxBufferItems    = 10000
)

// range scans
const (
	DefaultRangeScanMaxQueueItems    = 1000
	DefaultRangeScanMaxContinueTasks = 4
	DefaultRangeScanReadBufferBytes  = 8 * 1024 * 1024
	DefaultRangeScanMaxLifetime      = 60 * time.Second
	DefaultRangeScanSnapshotWaitPoll = 10 * time.Millisecond
	RangeScanIdLen                   = 16
)

// memory accounting
const (
	DefaultMaxDataSize              = 100 * 1024 * 1024
	DefaultMemMergeThresholdPercent = 0.5
	DefaultMemTrackerInterval       = 1 * time.Second
	DefaultPIDInterval              = 10 * time.Second
)
