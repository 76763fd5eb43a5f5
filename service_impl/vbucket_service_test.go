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
	"testing"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/stats"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoCollectionsJson = `{"uid":"5","separator":":","collections":[{"name":"$default","uid":"0"},{"name":"fruit","uid":"8"}]}`

func newTestManifest(t *testing.T, data string) *metadata.Manifest {
	manifest, err := metadata.NewManifestFromJson([]byte(data), base.DefaultMaxCollections)
	require.Nil(t, err)
	return manifest
}

func TestVBucketWrites(t *testing.T) {
	fmt.Println("============== Test case start: TestVBucketWrites =================")
	defer fmt.Println("============== Test case end: TestVBucketWrites =================")
	assert := assert.New(t)

	store := NewBTreeKVStore(log.DefaultLoggerContext)
	epStats := stats.NewEPStats(stats.EPStatsConfig{Cores: 1}, nil, log.DefaultLoggerContext)
	vb := NewVBucket(4, base.VBucketStateActive, store, newTestManifest(t, twoCollectionsJson), epStats, log.DefaultLoggerContext)
	assert.Equal(base.Vbid(4), vb.Id())
	assert.NotEqual(uint64(0), vb.GetUUID())
	assert.Equal(store, vb.GetKVStore())

	seqno, status := vb.Set(&base.Item{Key: []byte("k1"), Value: []byte("v1"), Cid: 8})
	assert.Equal(base.StatusSuccess, status)
	assert.Equal(uint64(1), seqno)
	seqno, status = vb.Set(&base.Item{Key: []byte("k1"), Value: []byte("v2"), Cid: 8})
	assert.Equal(base.StatusSuccess, status)
	assert.Equal(uint64(2), seqno)
	assert.Equal(uint64(2), vb.GetHighSeqno())
	assert.Equal(uint64(2), vb.GetPersistenceSeqno())

	stored, ok := store.Get(4, 8, []byte("k1"))
	require.True(t, ok)
	assert.Equal(uint64(2), stored.RevSeqno)
	assert.Equal("v2", string(stored.Value))
	// the replaced version is no longer accounted for
	assert.Equal(int64(stored.Size()), epStats.GetEstimatedTotalMemoryUsed())

	_, status = vb.Set(&base.Item{Key: []byte("k1"), Cid: 99})
	assert.Equal(base.StatusUnknownCollection, status)

	seqno, status = vb.Delete(8, []byte("k1"))
	assert.Equal(base.StatusSuccess, status)
	assert.Equal(uint64(3), seqno)
	stored, _ = store.Get(4, 8, []byte("k1"))
	assert.True(stored.Deleted)
	assert.Nil(stored.Value)
	assert.NotEqual(uint32(0), stored.DeleteTime)

	_, status = vb.Delete(8, []byte("k1"))
	assert.Equal(base.StatusKeyNotFound, status)
	_, status = vb.Delete(8, []byte("never"))
	assert.Equal(base.StatusKeyNotFound, status)

	vb.SetState(base.VBucketStateReplica)
	_, status = vb.Set(&base.Item{Key: []byte("k2"), Cid: 0})
	assert.Equal(base.StatusNotMyVbucket, status)

	statsMap := map[string]string{}
	vb.AddStats(func(k, v string) { statsMap[k] = v })
	assert.Equal("replica", statsMap["vb_4:state"])
	assert.Equal("3", statsMap["vb_4:high_seqno"])
	assert.Equal("5", statsMap["vb_4:manifest_uid"])
}

func TestVBucketNoManifest(t *testing.T) {
	fmt.Println("============== Test case start: TestVBucketNoManifest =================")
	defer fmt.Println("============== Test case end: TestVBucketNoManifest =================")
	assert := assert.New(t)

	vb := NewVBucket(0, base.VBucketStateActive, NewBTreeKVStore(log.DefaultLoggerContext), nil, nil, log.DefaultLoggerContext)
	_, status := vb.Set(&base.Item{Key: []byte("k"), Cid: base.DefaultCollectionID})
	assert.Equal(base.StatusSuccess, status)
	_, status = vb.Set(&base.Item{Key: []byte("k"), Cid: 8})
	assert.Equal(base.StatusUnknownCollection, status)
	assert.Equal(base.StatusKeyNotFound, vb.CancelRangeScan(uuid.New(), true))
}

func TestVBucketUpdateFromManifest(t *testing.T) {
	fmt.Println("============== Test case start: TestVBucketUpdateFromManifest =================")
	defer fmt.Println("============== Test case end: TestVBucketUpdateFromManifest =================")
	assert := assert.New(t)

	vb := NewVBucket(0, base.VBucketStateActive, NewBTreeKVStore(log.DefaultLoggerContext), metadata.NewDefaultManifest(), nil, log.DefaultLoggerContext)
	newer := newTestManifest(t, twoCollectionsJson)
	assert.Equal(base.StatusSuccess, vb.UpdateFromManifest(newer))
	assert.Equal(newer, vb.GetManifest())

	// same uid again is accepted, older is not
	assert.Equal(base.StatusSuccess, vb.UpdateFromManifest(newer))
	assert.Equal(base.StatusCannotApplyCollectionsManifest, vb.UpdateFromManifest(metadata.NewDefaultManifest()))
	assert.Equal(base.StatusCannotApplyCollectionsManifest, vb.UpdateFromManifest(nil))
	assert.Equal(newer, vb.GetManifest())
}

func TestVBucketMap(t *testing.T) {
	fmt.Println("============== Test case start: TestVBucketMap =================")
	defer fmt.Println("============== Test case end: TestVBucketMap =================")
	assert := assert.New(t)

	stores := []*BTreeKVStore{NewBTreeKVStore(log.DefaultLoggerContext), NewBTreeKVStore(log.DefaultLoggerContext)}
	vbMap := NewVBucketMap(stores)
	assert.Equal(2, vbMap.NumShards())

	for _, vbid := range []base.Vbid{5, 0, 3, 2} {
		vbMap.AddBucket(NewVBucket(vbid, base.VBucketStateActive, vbMap.StoreFor(vbid), nil, nil, log.DefaultLoggerContext))
	}
	assert.Equal(stores[1], vbMap.StoreFor(3))

	vb, ok := vbMap.GetBucket(3)
	require.True(t, ok)
	assert.Equal(base.Vbid(3), vb.Id())
	vb, ok = vbMap.GetBucket(7)
	assert.False(ok)
	assert.Nil(vb)

	shards := vbMap.GetShards()
	require.Len(t, shards, 2)
	assert.Equal(0, shards[0].Id())
	var even []base.Vbid
	for _, vb := range shards[0].GetVBuckets() {
		even = append(even, vb.Id())
	}
	assert.Equal([]base.Vbid{0, 2}, even)
	var odd []base.Vbid
	for _, vb := range shards[1].GetVBuckets() {
		odd = append(odd, vb.Id())
	}
	assert.Equal([]base.Vbid{3, 5}, odd)

	removed, ok := vbMap.RemoveBucket(5)
	assert.True(ok)
	assert.Equal(base.Vbid(5), removed.Id())
	_, ok = vbMap.RemoveBucket(5)
	assert.False(ok)

	count := 0
	vbMap.Range(func(vb *VBucketImpl) bool {
		count++
		return count < 2
	})
	assert.Equal(2, count)
}
