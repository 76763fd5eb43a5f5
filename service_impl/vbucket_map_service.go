// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_impl

import (
	"sort"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/service_def"
	"github.com/puzpuzpuz/xsync/v3"
)

// KVShardImpl is the set of vbuckets sharing one KVStore
type KVShardImpl struct {
	id       int
	store    *BTreeKVStore
	vbuckets *xsync.MapOf[base.Vbid, *VBucketImpl]
}

func newKVShard(id int, store *BTreeKVStore) *KVShardImpl {
	return &KVShardImpl{
		id:       id,
		store:    store,
		vbuckets: xsync.NewMapOf[base.Vbid, *VBucketImpl](),
	}
}

func (s *KVShardImpl) Id() int {
	return s.id
}

// GetVBuckets lists the shard's vbuckets in vbid order
func (s *KVShardImpl) GetVBuckets() []service_def.VBucket {
	vbids := make([]base.Vbid, 0, s.vbuckets.Size())
	s.vbuckets.Range(func(vbid base.Vbid, _ *VBucketImpl) bool {
		vbids = append(vbids, vbid)
		return true
	})
	sort.Slice(vbids, func(i, j int) bool { return vbids[i] < vbids[j] })

	vbuckets := make([]service_def.VBucket, 0, len(vbids))
	for _, vbid := range vbids {
		if vb, ok := s.vbuckets.Load(vbid); ok {
			vbuckets = append(vbuckets, vb)
		}
	}
	return vbuckets
}

func (s *KVShardImpl) Store() *BTreeKVStore {
	return s.store
}

// VBucketMapImpl places vbucket n on shard n % numShards
type VBucketMapImpl struct {
	shards []*KVShardImpl
}

func NewVBucketMap(stores []*BTreeKVStore) *VBucketMapImpl {
	m := &VBucketMapImpl{shards: make([]*KVShardImpl, len(stores))}
	for i, store := range stores {
		m.shards[i] = newKVShard(i, store)
	}
	return m
}

func (m *VBucketMapImpl) shardOf(vbid base.Vbid) *KVShardImpl {
	return m.shards[int(vbid)%len(m.shards)]
}

// StoreFor returns the KVStore a new vbucket vbid has to be created on
func (m *VBucketMapImpl) StoreFor(vbid base.Vbid) *BTreeKVStore {
	return m.shardOf(vbid).store
}

// AddBucket registers vb, replacing any previous vbucket with its id
func (m *VBucketMapImpl) AddBucket(vb *VBucketImpl) {
	m.shardOf(vb.Id()).vbuckets.Store(vb.Id(), vb)
}

func (m *VBucketMapImpl) RemoveBucket(vbid base.Vbid) (*VBucketImpl, bool) {
	return m.shardOf(vbid).vbuckets.LoadAndDelete(vbid)
}

func (m *VBucketMapImpl) GetBucket(vbid base.Vbid) (service_def.VBucket, bool) {
	vb, ok := m.GetBucketImpl(vbid)
	if !ok {
		// a typed nil would not compare equal to nil
		return nil, false
	}
	return vb, true
}

func (m *VBucketMapImpl) GetBucketImpl(vbid base.Vbid) (*VBucketImpl, bool) {
	return m.shardOf(vbid).vbuckets.Load(vbid)
}

func (m *VBucketMapImpl) GetShards() []service_def.KVShard {
	shards := make([]service_def.KVShard, len(m.shards))
	for i, shard := range m.shards {
		shards[i] = shard
	}
	return shards
}

func (m *VBucketMapImpl) NumShards() int {
	return len(m.shards)
}

func (m *VBucketMapImpl) Range(f func(vb *VBucketImpl) bool) {
	for _, shard := range m.shards {
		keepGoing := true
		shard.vbuckets.Range(func(_ base.Vbid, vb *VBucketImpl) bool {
			keepGoing = f(vb)
			return keepGoing
		})
		if !keepGoing {
			return
		}
	}
}
