// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_impl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/dcp"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/metadata_svc"
	"github.com/couchbase/goep/rangescan"
	"github.com/couchbase/goep/resource_manager"
	"github.com/couchbase/goep/stats"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// IOCompleteNotifier is how the front end learns that a would-block
// operation has finished
type IOCompleteNotifier func(cookie base.Cookie, status base.Status)

// EPBucket ties the engine together: vbuckets and their stores, the
// background executor, memory accounting and its governor, range scans,
// DCP connections and the collections manifest.
type EPBucket struct {
	name   string
	config *base.EngineConfig

	executor *TaskExecutorSvc
	vbMap    *VBucketMapImpl
	stores   []*BTreeKVStore

	epStats     *stats.EPStats
	memTracker  *stats.MemoryTracker
	resourceMgr *resource_manager.ResourceManager
	rangeScans  *rangescan.RangeScanManager

	flowControlMgr dcp.FlowControlManager
	producers      *xsync.MapOf[string, *DcpProducerConn]
	consumers      *xsync.MapOf[string, *DcpConsumerConn]

	manifest atomic.Pointer[metadata.Manifest]
	// set while a SetCollections or a forced update is in flight
	persisting atomic.Bool

	notifier IOCompleteNotifier
	// results attached to cookies, collected by the front end
	cookieLock     sync.Mutex
	engineSpecific map[base.Cookie]interface{}

	ctx    context.Context
	cancel context.CancelFunc
	// orders waitGrp.Add against Stop
	lifecycleLock sync.Mutex
	waitGrp       sync.WaitGroup
	stopped       atomic.Bool

	logger_ctx *log.LoggerContext
	logger     *log.CommonLogger
}

func NewEPBucket(name string, config *base.EngineConfig, notifier IOCompleteNotifier, logger_ctx *log.LoggerContext) (*EPBucket, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	flowControlMgr, err := dcp.NewFlowControlManager(config)
	if err != nil {
		return nil, err
	}

	b := &EPBucket{
		name:           name,
		config:         config,
		executor:       NewTaskExecutorSvc(name, logger_ctx),
		flowControlMgr: flowControlMgr,
		producers:      xsync.NewMapOf[string, *DcpProducerConn](),
		consumers:      xsync.NewMapOf[string, *DcpConsumerConn](),
		notifier:       notifier,
		engineSpecific: make(map[base.Cookie]interface{}),
		logger_ctx:     logger_ctx,
		logger:         log.NewLogger("EPBucket", logger_ctx),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	for i := 0; i < config.MaxNumShards; i++ {
		b.stores = append(b.stores, NewBTreeKVStore(logger_ctx))
	}
	b.vbMap = NewVBucketMap(b.stores)

	b.memTracker = stats.NewMemoryTracker(stats.RuntimeAllocatorProbe{}, config.MemTrackerInterval, logger_ctx)
	b.epStats = stats.NewEPStats(stats.NewEPStatsConfig(config), b.memTracker, logger_ctx)
	b.rangeScans = rangescan.NewRangeScanManager(rangescan.NewRangeScanConfig(config), b, b.vbMap, b.executor, logger_ctx)
	b.resourceMgr = resource_manager.NewResourceManager(resource_manager.NewResourceManagerConfig(config), b.epStats,
		[]*base.ByteBudget{b.rangeScans.Budget()}, logger_ctx)

	manifest, err := metadata_svc.TryAndLoad(config.DataDir, b.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "bucket %v", name)
	}
	if manifest == nil {
		manifest = metadata.NewDefaultManifest()
	}
	b.manifest.Store(manifest)

	b.logger.Infof("Created bucket %v with %v shards, manifest uid:%x, %v", name, config.MaxNumShards, manifest.Uid(), config)
	return b, nil
}

// Start launches the background services. A memory tracker that cannot start
// leaves the bucket on estimated memory usage.
func (b *EPBucket) Start() error {
	if err := b.memTracker.Start(); err != nil {
		b.logger.Warnf("%v running without memory tracking: %v", b.name, err)
	}
	if err := b.resourceMgr.Start(); err != nil {
		return err
	}
	b.rangeScans.StartWatchdog()
	b.logger.Infof("Started bucket %v", b.name)
	return nil
}

func (b *EPBucket) Stop() error {
	b.lifecycleLock.Lock()
	if b.stopped.Load() {
		b.lifecycleLock.Unlock()
		return nil
	}
	b.stopped.Store(true)
	b.lifecycleLock.Unlock()
	b.cancel()

	b.producers.Range(func(_ string, conn *DcpProducerConn) bool {
		conn.Close()
		return true
	})
	b.consumers.Range(func(_ string, conn *DcpConsumerConn) bool {
		conn.Close()
		return true
	})
	b.vbMap.Range(func(vb *VBucketImpl) bool {
		b.rangeScans.ForVBucket(vb.Id()).CancelAll()
		return true
	})

	b.waitGrp.Wait()
	b.executor.Stop()
	err := b.resourceMgr.Stop()
	if trackerErr := b.memTracker.Stop(); trackerErr != nil && err == nil {
		err = trackerErr
	}
	b.epStats.Shutdown()
	for _, store := range b.stores {
		if closeErr := store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	b.logger.Infof("Stopped bucket %v", b.name)
	return err
}

func (b *EPBucket) Name() string {
	return b.name
}

func (b *EPBucket) Config() *base.EngineConfig {
	return b.config
}

func (b *EPBucket) Executor() *TaskExecutorSvc {
	return b.executor
}

func (b *EPBucket) VBucketMap() *VBucketMapImpl {
	return b.vbMap
}

func (b *EPBucket) Stats() *stats.EPStats {
	return b.epStats
}

func (b *EPBucket) ResourceManager() *resource_manager.ResourceManager {
	return b.resourceMgr
}

func (b *EPBucket) RangeScans() *rangescan.RangeScanManager {
	return b.rangeScans
}

// NotifyIOComplete hands status for cookie to the front end
func (b *EPBucket) NotifyIOComplete(cookie base.Cookie, status base.Status) {
	b.logger.Debugf("%v notify %v status=%v", b.name, cookie, status)
	if b.notifier != nil {
		b.notifier(cookie, status)
	}
}

func (b *EPBucket) StoreEngineSpecific(cookie base.Cookie, data interface{}) {
	b.cookieLock.Lock()
	defer b.cookieLock.Unlock()
	b.engineSpecific[cookie] = data
}

// TakeEngineSpecific returns and forgets what was stored for cookie
func (b *EPBucket) TakeEngineSpecific(cookie base.Cookie) (interface{}, bool) {
	b.cookieLock.Lock()
	defer b.cookieLock.Unlock()
	data, ok := b.engineSpecific[cookie]
	delete(b.engineSpecific, cookie)
	return data, ok
}

// SetVBucketState creates vbid if needed and moves it to state
func (b *EPBucket) SetVBucketState(vbid base.Vbid, state base.VBucketState) base.Status {
	if int(vbid) >= b.config.MaxVBuckets {
		return base.StatusInvalidArgument
	}
	if vb, ok := b.vbMap.GetBucketImpl(vbid); ok {
		vb.SetState(state)
		return base.StatusSuccess
	}
	vb := NewVBucket(vbid, state, b.vbMap.StoreFor(vbid), b.GetManifest(), b.epStats, b.logger_ctx)
	vb.setRangeScans(b.rangeScans.ForVBucket(vbid))
	b.vbMap.AddBucket(vb)
	b.logger.Infof("Created %v", vb)
	return base.StatusSuccess
}

// DeleteVBucket marks vbid dead and forgets it
func (b *EPBucket) DeleteVBucket(vbid base.Vbid) base.Status {
	vb, ok := b.vbMap.RemoveBucket(vbid)
	if !ok {
		return base.StatusNotMyVbucket
	}
	vb.SetState(base.VBucketStateDead)
	b.producers.Range(func(_ string, conn *DcpProducerConn) bool {
		conn.CloseStream(vbid)
		return true
	})
	return base.StatusSuccess
}

func (b *EPBucket) Set(vbid base.Vbid, item *base.Item) (uint64, base.Status) {
	vb, ok := b.vbMap.GetBucketImpl(vbid)
	if !ok {
		return 0, base.StatusNotMyVbucket
	}
	return vb.Set(item)
}

func (b *EPBucket) Delete(vbid base.Vbid, cid base.CollectionID, key []byte) (uint64, base.Status) {
	vb, ok := b.vbMap.GetBucketImpl(vbid)
	if !ok {
		return 0, base.StatusNotMyVbucket
	}
	return vb.Delete(cid, key)
}

func (b *EPBucket) Get(vbid base.Vbid, cid base.CollectionID, key []byte) (*base.Item, base.Status) {
	vb, ok := b.vbMap.GetBucketImpl(vbid)
	if !ok || vb.GetState() != base.VBucketStateActive {
		return nil, base.StatusNotMyVbucket
	}
	item, found := b.vbMap.StoreFor(vbid).Get(vbid, cid, key)
	if !found || item.Deleted {
		return nil, base.StatusKeyNotFound
	}
	return item, base.StatusSuccess
}

// CreateRangeScan answers on params.Cookie; the scan id is left as the
// cookie's engine specific data
func (b *EPBucket) CreateRangeScan(params rangescan.CreateParams) base.Status {
	if _, ok := b.vbMap.GetBucket(params.Vbid); !ok {
		return base.StatusNotMyVbucket
	}
	b.rangeScans.Create(params)
	return base.StatusWouldBlock
}

func (b *EPBucket) ContinueRangeScan(vbid base.Vbid, id base.RangeScanId, limits rangescan.ContinueLimits, cookie base.Cookie) base.Status {
	return b.rangeScans.Continue(vbid, id, limits, cookie)
}

func (b *EPBucket) CancelRangeScan(vbid base.Vbid, id base.RangeScanId) base.Status {
	return b.rangeScans.Cancel(vbid, id)
}

func (b *EPBucket) GetManifest() *metadata.Manifest {
	return b.manifest.Load()
}

// SetCollections validates data and persists it. The new manifest is
// applied once it is on disk and the front end is told through cookie.
func (b *EPBucket) SetCollections(data []byte, cookie base.Cookie) base.Status {
	manifest, err := metadata.NewManifestFromJson(data, b.config.MaxCollections)
	if err != nil {
		b.logger.Warnf("%v rejected manifest: %v", b.name, err)
		return base.StatusInvalidArgument
	}
	current := b.GetManifest()
	if manifest.Uid() < current.Uid() {
		b.logger.Warnf("%v manifest uid:%x is older than current uid:%x", b.name, manifest.Uid(), current.Uid())
		return base.StatusCannotApplyCollectionsManifest
	}
	if manifest.Uid() == current.Uid() {
		if manifest.IsSameAs(current) {
			return base.StatusSuccess
		}
		return base.StatusCannotApplyCollectionsManifest
	}
	if !b.persisting.CompareAndSwap(false, true) {
		return base.StatusTooBusy
	}
	task := metadata_svc.NewPersistManifestTask(&persistCompletion{b}, manifest, cookie, b.config.DataDir, b.logger_ctx)
	b.executor.Schedule(task, 0)
	return base.StatusWouldBlock
}

// SaveManifestCompleted makes a persisted manifest current and moves the
// active vbuckets onto it
func (b *EPBucket) SaveManifestCompleted(manifest *metadata.Manifest) {
	b.manifest.Store(manifest)
	b.vbMap.Range(func(vb *VBucketImpl) bool {
		if vb.GetState() != base.VBucketStateActive {
			return true
		}
		if status := vb.UpdateFromManifest(manifest); status != base.StatusSuccess {
			b.logger.Warnf("%v did not take manifest uid:%x status=%v", vb.Id(), manifest.Uid(), status)
		}
		return true
	})
	b.logger.Infof("%v now on manifest uid:%x", b.name, manifest.Uid())
}

// ForceUpdateCollections installs data regardless of its uid. Every shard
// is updated in parallel and cookie is completed once all are done. Only one
// manifest change, forced or not, is in flight at a time.
func (b *EPBucket) ForceUpdateCollections(data []byte, cookie base.Cookie) base.Status {
	manifest, err := metadata.NewManifestFromJson(data, b.config.MaxCollections)
	if err != nil {
		b.logger.Warnf("%v rejected forced manifest: %v", b.name, err)
		return base.StatusInvalidArgument
	}

	b.lifecycleLock.Lock()
	if b.stopped.Load() {
		b.lifecycleLock.Unlock()
		return base.StatusTempFail
	}
	if !b.persisting.CompareAndSwap(false, true) {
		b.lifecycleLock.Unlock()
		return base.StatusTooBusy
	}
	b.waitGrp.Add(1)
	b.lifecycleLock.Unlock()

	completion := &persistCompletion{b}
	go func() {
		defer b.waitGrp.Done()
		envelope := metadata.EncodeManifestWithCrc(manifest.ToFlatbuffer())
		err := metadata_svc.WriteFileAtomic(b.config.DataDir, base.ManifestFileName, envelope)
		if err != nil && !errors.Is(err, base.ErrorDirSyncFailed) {
			b.logger.Errorf("%v failed to persist forced manifest uid:%x err=%v", b.name, manifest.Uid(), err)
			completion.NotifyIOComplete(cookie, base.StatusCannotApplyCollectionsManifest)
			return
		} else if err != nil {
			b.logger.Warnf("%v persisted forced manifest uid:%x but %v", b.name, manifest.Uid(), err)
		}
		b.manifest.Store(manifest)
		if err := metadata_svc.RunForcedUpdate(b.ctx, b.vbMap, manifest, completion, cookie, b.logger_ctx); err != nil {
			b.logger.Warnf("%v forced update to uid:%x interrupted: %v", b.name, manifest.Uid(), err)
		}
	}()
	return base.StatusWouldBlock
}

func (b *EPBucket) AddStats(addStat func(key, value string)) {
	addStat("ep_bucket", b.name)
	addStat("ep_manifest_uid", fmt.Sprintf("%x", b.GetManifest().Uid()))
	b.epStats.AddStats(addStat)
	b.resourceMgr.AddStats(addStat)
	b.rangeScans.AddStats(addStat)
	b.executor.AddStats(addStat)
	b.vbMap.Range(func(vb *VBucketImpl) bool {
		vb.AddStats(addStat)
		return true
	})
	b.producers.Range(func(_ string, conn *DcpProducerConn) bool {
		conn.AddStats(addStat)
		return true
	})
	b.consumers.Range(func(_ string, conn *DcpConsumerConn) bool {
		conn.AddStats(addStat)
		return true
	})
}

// persistCompletion lets the next manifest change through once the current
// one has completed its cookie
type persistCompletion struct {
	*EPBucket
}

func (p *persistCompletion) NotifyIOComplete(cookie base.Cookie, status base.Status) {
	p.persisting.Store(false)
	p.EPBucket.NotifyIOComplete(cookie, status)
}
