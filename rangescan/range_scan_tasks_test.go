// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package rangescan

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/service_def"
	"github.com/couchbase/goep/service_def/mocks"
	"github.com/golang/snappy"
	"github.com/icrowley/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testVbid   = base.Vbid(0)
	testVbUuid = uint64(0xfeed)
	testCid    = base.CollectionID(8)
)

// keyedSnapshot serves the key ordered items of each collection
type keyedSnapshot struct {
	items   map[base.CollectionID][]*base.Item
	high    uint64
	purged  map[uint64]bool
	scanErr error
	closed  atomic.Int32
}

func newKeyedSnapshot(numItems int, compress bool) *keyedSnapshot {
	snapshot := &keyedSnapshot{items: map[base.CollectionID][]*base.Item{}, purged: map[uint64]bool{}}
	for i := 0; i < numItems; i++ {
		value := []byte(fmt.Sprintf(`{"name":%q}`, fake.Word()))
		datatype := base.DatatypeJSON
		if compress {
			value = snappy.Encode(nil, value)
			datatype |= base.DatatypeSnappy
		}
		snapshot.high++
		snapshot.items[testCid] = append(snapshot.items[testCid], &base.Item{
			Key:      []byte(fmt.Sprintf("key-%03d", i)),
			Value:    value,
			Cid:      testCid,
			Seqno:    snapshot.high,
			Datatype: datatype,
		})
	}
	return snapshot
}

func (s *keyedSnapshot) Vbid() base.Vbid {
	return testVbid
}

func (s *keyedSnapshot) HighSeqno() uint64 {
	return s.high
}

func (s *keyedSnapshot) SeqnoExists(seqno uint64) bool {
	return seqno > 0 && seqno <= s.high && !s.purged[seqno]
}

func (s *keyedSnapshot) ScanBySeqno(start, end uint64, cb service_def.ScanCallback) (uint64, bool, error) {
	return 0, true, nil
}

func (s *keyedSnapshot) ScanByKey(cid base.CollectionID, start, end []byte, cb service_def.ScanCallback) ([]byte, bool, error) {
	if s.scanErr != nil {
		return nil, false, s.scanErr
	}
	for _, item := range s.items[cid] {
		if bytes.Compare(item.Key, start) < 0 || bytes.Compare(item.Key, end) > 0 {
			continue
		}
		if !cb(item) {
			return item.Key, false, nil
		}
	}
	return nil, true, nil
}

func (s *keyedSnapshot) Close() error {
	s.closed.Add(1)
	return nil
}

// captureExecutor runs scheduled tasks on demand
type captureExecutor struct {
	lock  sync.Mutex
	tasks []service_def.Task
}

func (e *captureExecutor) Schedule(task service_def.Task, snooze time.Duration) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.tasks = append(e.tasks, task)
}

func (e *captureExecutor) runAll() {
	for {
		e.lock.Lock()
		if len(e.tasks) == 0 {
			e.lock.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.lock.Unlock()
		for i := 0; i < 1000 && task.Run(); i++ {
		}
	}
}

func (e *captureExecutor) size() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.tasks)
}

type rangeScanTestEnv struct {
	mgr       *RangeScanManager
	executor  *captureExecutor
	snapshot  *keyedSnapshot
	persisted atomic.Uint64

	lock     sync.Mutex
	statuses map[base.Cookie][]base.Status
	ids      map[base.Cookie]base.RangeScanId
}

func setupRangeScanEnv(t *testing.T, snapshot *keyedSnapshot) *rangeScanTestEnv {
	env := &rangeScanTestEnv{
		executor: &captureExecutor{},
		snapshot: snapshot,
		statuses: map[base.Cookie][]base.Status{},
		ids:      map[base.Cookie]base.RangeScanId{},
	}
	env.persisted.Store(snapshot.high)

	manifest, err := metadata.NewManifestFromJson([]byte(
		`{"uid":"2","separator":"::","collections":[{"name":"$default","uid":"0"},{"name":"beer","uid":"8"}]}`), 10)
	require.Nil(t, err)

	store := mocks.NewKVStore(t)
	store.On("MakeSnapshot", testVbid).Return(snapshot, nil).Maybe()

	vb := mocks.NewVBucket(t)
	vb.On("Id").Return(testVbid).Maybe()
	vb.On("GetState").Return(base.VBucketStateActive).Maybe()
	vb.On("GetUUID").Return(testVbUuid).Maybe()
	vb.On("GetPersistenceSeqno").Return(func() uint64 { return env.persisted.Load() }).Maybe()
	vb.On("GetManifest").Return(manifest).Maybe()
	vb.On("GetKVStore").Return(store).Maybe()
	vb.On("CancelRangeScan", mock.Anything, mock.Anything).Return(func(id base.RangeScanId, schedule bool) base.Status {
		return env.mgr.ForVBucket(testVbid).CancelScan(id, schedule)
	}).Maybe()

	vbMap := mocks.NewVBucketMap(t)
	vbMap.On("GetBucket", testVbid).Return(vb, true).Maybe()
	vbMap.On("GetBucket", mock.Anything).Return(nil, false).Maybe()

	bucket := mocks.NewBucket(t)
	bucket.On("NotifyIOComplete", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		env.lock.Lock()
		defer env.lock.Unlock()
		env.statuses[args.Get(0)] = append(env.statuses[args.Get(0)], args.Get(1).(base.Status))
	}).Maybe()
	bucket.On("StoreEngineSpecific", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		env.lock.Lock()
		defer env.lock.Unlock()
		env.ids[args.Get(0)] = args.Get(1).(base.RangeScanId)
	}).Maybe()

	env.mgr = NewRangeScanManager(RangeScanConfig{
		MaxQueueItems:    100,
		ReadBufferBytes:  1 << 20,
		MaxContinueTasks: 2,
		MaxLifetime:      time.Minute,
		SnapshotWaitPoll: time.Millisecond,
	}, bucket, vbMap, env.executor, log.DefaultLoggerContext)
	return env
}

func (env *rangeScanTestEnv) lastStatus(cookie base.Cookie) base.Status {
	env.lock.Lock()
	defer env.lock.Unlock()
	statuses := env.statuses[cookie]
	if len(statuses) == 0 {
		return base.Status(-1)
	}
	return statuses[len(statuses)-1]
}

func (env *rangeScanTestEnv) create(t *testing.T, params CreateParams) base.RangeScanId {
	env.mgr.Create(params)
	env.executor.runAll()
	require.Equal(t, base.StatusSuccess, env.lastStatus(params.Cookie))
	env.lock.Lock()
	defer env.lock.Unlock()
	return env.ids[params.Cookie]
}

func (env *rangeScanTestEnv) continueScan(t *testing.T, id base.RangeScanId, limits ContinueLimits, cookie string) base.Status {
	require.Equal(t, base.StatusWouldBlock, env.mgr.Continue(testVbid, id, limits, cookie))
	env.executor.runAll()
	return env.lastStatus(cookie)
}

func scanParams(cookie string) CreateParams {
	return CreateParams{
		Vbid:   testVbid,
		Cid:    testCid,
		Start:  []byte("key-005"),
		End:    []byte("key-029"),
		Cookie: cookie,
	}
}

func TestRangeScanCreateFailures(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanCreateFailures =================")
	defer fmt.Println("============== Test case end: TestRangeScanCreateFailures =================")
	assert := assert.New(t)

	snapshot := newKeyedSnapshot(35, false)
	snapshot.purged[30] = true
	env := setupRangeScanEnv(t, snapshot)

	cases := map[string]struct {
		mutate func(p *CreateParams)
		status base.Status
	}{
		"noVbucket":    {func(p *CreateParams) { p.Vbid = 9 }, base.StatusNotMyVbucket},
		"reversed":     {func(p *CreateParams) { p.Start, p.End = p.End, p.Start }, base.StatusInvalidArgument},
		"noCollection": {func(p *CreateParams) { p.Cid = 0x77 }, base.StatusUnknownCollection},
		"wrongUuid": {func(p *CreateParams) {
			p.SnapshotReqs = &SnapshotRequirements{VbUuid: 1, Seqno: 1}
		}, base.StatusNotMyVbucket},
		"notPersisted": {func(p *CreateParams) {
			p.SnapshotReqs = &SnapshotRequirements{VbUuid: testVbUuid, Seqno: 1000}
		}, base.StatusTempFail},
		"purged": {func(p *CreateParams) {
			p.SnapshotReqs = &SnapshotRequirements{VbUuid: testVbUuid, Seqno: 30, SeqnoExists: true}
		}, base.StatusKeyNotFound},
		"satisfied": {func(p *CreateParams) {
			p.SnapshotReqs = &SnapshotRequirements{VbUuid: testVbUuid, Seqno: 31, SeqnoExists: true}
		}, base.StatusSuccess},
	}
	for name, c := range cases {
		params := scanParams(name)
		c.mutate(&params)
		env.mgr.Create(params)
		env.executor.runAll()
		assert.Equal(c.status, env.lastStatus(name), name)
	}
	assert.Equal(1, env.mgr.ForVBucket(testVbid).Size())
	// the purged case gave its snapshot back
	assert.Equal(int32(1), snapshot.closed.Load())
}

func TestRangeScanCreateWaitsForPersistence(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanCreateWaitsForPersistence =================")
	defer fmt.Println("============== Test case end: TestRangeScanCreateWaitsForPersistence =================")
	assert := assert.New(t)

	env := setupRangeScanEnv(t, newKeyedSnapshot(35, false))
	env.persisted.Store(20)
	clock := time.Unix(100, 0)

	params := scanParams("wait")
	params.SnapshotReqs = &SnapshotRequirements{VbUuid: testVbUuid, Seqno: 30, Timeout: time.Second}
	task := NewRangeScanCreateTask(env.mgr, params)
	task.now = func() time.Time { return clock }
	task.started = clock

	assert.True(task.Run())
	assert.Equal(base.Status(-1), env.lastStatus("wait"))
	env.persisted.Store(30)
	assert.False(task.Run())
	assert.Equal(base.StatusSuccess, env.lastStatus("wait"))

	params = scanParams("timeout")
	params.SnapshotReqs = &SnapshotRequirements{VbUuid: testVbUuid, Seqno: 50, Timeout: time.Second}
	task = NewRangeScanCreateTask(env.mgr, params)
	task.now = func() time.Time { return clock }
	task.started = clock
	assert.True(task.Run())
	clock = clock.Add(time.Second)
	assert.False(task.Run())
	assert.Equal(base.StatusTempFail, env.lastStatus("timeout"))
}

func TestRangeScanContinueToCompletion(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanContinueToCompletion =================")
	defer fmt.Println("============== Test case end: TestRangeScanContinueToCompletion =================")
	assert := assert.New(t)

	snapshot := newKeyedSnapshot(35, false)
	env := setupRangeScanEnv(t, snapshot)
	id := env.create(t, scanParams("create"))
	scan := env.mgr.ForVBucket(testVbid).GetScan(id)
	require.NotNil(t, scan)

	var keys []string
	var ends []RangeScanResult
	expected := []base.Status{base.StatusRangeScanMore, base.StatusRangeScanMore, base.StatusRangeScanComplete}
	for i, want := range expected {
		cookie := fmt.Sprintf("continue-%v", i)
		assert.Equal(want, env.continueScan(t, id, ContinueLimits{ItemLimit: 10}, cookie))
		for _, result := range scan.Results().Drain() {
			if result.Type == RangeScanResultEnd {
				ends = append(ends, result)
				continue
			}
			assert.Equal(RangeScanResultKeyValue, result.Type)
			keys = append(keys, string(result.Key))
		}
	}

	assert.Len(keys, 25)
	assert.Equal("key-005", keys[0])
	assert.Equal("key-029", keys[24])
	for i := 1; i < len(keys); i++ {
		assert.True(keys[i-1] < keys[i])
	}
	assert.Len(ends, 1)
	assert.Equal(base.StatusRangeScanComplete, ends[0].Status)
	assert.Equal(RangeScanStateCompleted, scan.GetState())
	assert.Equal(int32(1), snapshot.closed.Load())
	assert.Equal(int64(0), env.mgr.Budget().Used())
	assert.Equal(0, env.mgr.Ready().Size())

	// completed scans are gone
	assert.Equal(base.StatusKeyNotFound, env.mgr.Continue(testVbid, id, ContinueLimits{}, "again"))
	assert.Equal(base.StatusNotMyVbucket, env.mgr.Continue(9, id, ContinueLimits{}, "again"))

	stats := map[string]string{}
	env.mgr.AddStats(func(k, v string) { stats[k] = v })
	assert.Equal("1", stats[RangeScansCompletedMetric])
	assert.Equal("25", stats[RangeScanItemsMetric])
	assert.Equal("2", stats[RangeScansYieldedMetric])
}

func TestRangeScanKeyOnlyAndSnappy(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanKeyOnlyAndSnappy =================")
	defer fmt.Println("============== Test case end: TestRangeScanKeyOnlyAndSnappy =================")
	assert := assert.New(t)

	snapshot := newKeyedSnapshot(10, true)
	env := setupRangeScanEnv(t, snapshot)

	params := scanParams("keys")
	params.Start, params.End = []byte("key-000"), []byte("key-999")
	params.KeyOnly = true
	keyScan := env.create(t, params)
	scan := env.mgr.ForVBucket(testVbid).GetScan(keyScan)
	assert.Equal(base.StatusRangeScanComplete, env.continueScan(t, keyScan, ContinueLimits{}, "keys-continue"))
	assert.Nil(env.mgr.ForVBucket(testVbid).GetScan(keyScan))
	drained := scan.Results().Drain()
	assert.Len(drained, 11)
	for _, result := range drained[:10] {
		assert.Equal(RangeScanResultKey, result.Type)
		assert.Nil(result.Item)
	}

	params = scanParams("inflate")
	params.Start, params.End = []byte("key-000"), []byte("key-999")
	valueScan := env.create(t, params)
	scan = env.mgr.ForVBucket(testVbid).GetScan(valueScan)
	env.continueScan(t, valueScan, ContinueLimits{}, "inflate-continue")
	drained = scan.Results().Drain()
	assert.Len(drained, 11)
	for i, result := range drained[:10] {
		assert.Equal(RangeScanResultKeyValue, result.Type)
		assert.False(result.Item.IsSnappy())
		stored, err := snappy.Decode(nil, snapshot.items[testCid][i].Value)
		assert.Nil(err)
		assert.Equal(stored, result.Item.Value)
	}

	params = scanParams("compressed")
	params.Start, params.End = []byte("key-000"), []byte("key-999")
	params.Snappy = true
	compressedScan := env.create(t, params)
	scan = env.mgr.ForVBucket(testVbid).GetScan(compressedScan)
	env.continueScan(t, compressedScan, ContinueLimits{}, "compressed-continue")
	first, ok := scan.Results().Pop()
	assert.True(ok)
	assert.True(first.Item.IsSnappy())
	assert.Equal(snapshot.items[testCid][0].Value, first.Item.Value)
}

func TestRangeScanByteAndTimeLimits(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanByteAndTimeLimits =================")
	defer fmt.Println("============== Test case end: TestRangeScanByteAndTimeLimits =================")
	assert := assert.New(t)

	env := setupRangeScanEnv(t, newKeyedSnapshot(35, false))
	params := scanParams("create")
	params.KeyOnly = true
	id := env.create(t, params)
	scan := env.mgr.ForVBucket(testVbid).GetScan(id)

	// keys are 7 bytes, so the third key crosses 20 bytes
	assert.Equal(base.StatusRangeScanMore, env.continueScan(t, id, ContinueLimits{ByteLimit: 20}, "bytes"))
	assert.Equal(3, scan.Results().GetSize())

	clock := time.Unix(0, 0)
	scan.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	assert.Equal(base.StatusRangeScanMore, env.continueScan(t, id, ContinueLimits{TimeLimit: time.Millisecond}, "time"))
	assert.Equal(4, scan.Results().GetSize())
	assert.Equal(uint64(4), scan.ItemsRead())
}

func TestRangeScanYieldsWhenQueueFull(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanYieldsWhenQueueFull =================")
	defer fmt.Println("============== Test case end: TestRangeScanYieldsWhenQueueFull =================")
	assert := assert.New(t)

	env := setupRangeScanEnv(t, newKeyedSnapshot(35, false))
	env.mgr.config.MaxQueueItems = 4
	id := env.create(t, scanParams("create"))
	scan := env.mgr.ForVBucket(testVbid).GetScan(id)

	assert.Equal(base.StatusRangeScanMore, env.continueScan(t, id, ContinueLimits{}, "first"))
	assert.Equal(4, scan.Results().GetSize())
	// nothing was drained so nothing more fits
	assert.Equal(base.StatusRangeScanMore, env.continueScan(t, id, ContinueLimits{}, "second"))
	assert.Equal(4, scan.Results().GetSize())
	assert.Equal(uint64(4), scan.ItemsRead())

	first, _ := scan.Results().Pop()
	assert.Equal("key-005", string(first.Key))
	assert.Equal(base.StatusRangeScanMore, env.continueScan(t, id, ContinueLimits{}, "third"))
	assert.Equal(uint64(5), scan.ItemsRead())
}

func TestRangeScanCancel(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanCancel =================")
	defer fmt.Println("============== Test case end: TestRangeScanCancel =================")
	assert := assert.New(t)

	snapshot := newKeyedSnapshot(35, false)
	env := setupRangeScanEnv(t, snapshot)
	id := env.create(t, scanParams("create"))
	scan := env.mgr.ForVBucket(testVbid).GetScan(id)

	assert.Equal(base.StatusRangeScanMore, env.continueScan(t, id, ContinueLimits{ItemLimit: 5}, "continue"))
	assert.True(env.mgr.Budget().Used() > 0)

	assert.Equal(base.StatusSuccess, env.mgr.Cancel(testVbid, id))
	assert.Equal(RangeScanStateCancelled, scan.GetState())
	assert.Equal(1, env.executor.size())
	env.executor.runAll()

	assert.True(scan.IsReleased())
	assert.Equal(int32(1), snapshot.closed.Load())
	assert.Equal(int64(0), env.mgr.Budget().Used())
	drained := scan.Results().Drain()
	assert.Len(drained, 1)
	assert.Equal(base.StatusRangeScanCancelled, drained[0].Status)

	assert.Equal(base.StatusKeyNotFound, env.mgr.Continue(testVbid, id, ContinueLimits{}, "late"))
	assert.Equal(base.StatusKeyNotFound, env.mgr.ForVBucket(testVbid).CancelScan(id, true))
	assert.Equal(base.StatusNotMyVbucket, env.mgr.Cancel(9, id))
}

func TestRangeScanCancelWhileContinuing(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanCancelWhileContinuing =================")
	defer fmt.Println("============== Test case end: TestRangeScanCancelWhileContinuing =================")
	assert := assert.New(t)

	env := setupRangeScanEnv(t, newKeyedSnapshot(35, false))
	id := env.create(t, scanParams("create"))
	scan := env.mgr.ForVBucket(testVbid).GetScan(id)

	assert.Equal(base.StatusWouldBlock, env.mgr.Continue(testVbid, id, ContinueLimits{}, "continue"))
	assert.Equal(base.StatusTooBusy, env.mgr.Continue(testVbid, id, ContinueLimits{}, "duplicate"))
	assert.Equal(base.StatusSuccess, env.mgr.Cancel(testVbid, id))
	// queued once
	assert.Equal(1, env.mgr.Ready().Size())

	env.executor.runAll()
	assert.Equal(base.StatusRangeScanCancelled, env.lastStatus("continue"))
	assert.Equal(uint64(0), scan.ItemsRead())
	assert.True(scan.IsReleased())
}

func TestRangeScanScanFailure(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanScanFailure =================")
	defer fmt.Println("============== Test case end: TestRangeScanScanFailure =================")
	assert := assert.New(t)

	snapshot := newKeyedSnapshot(35, false)
	env := setupRangeScanEnv(t, snapshot)
	id := env.create(t, scanParams("create"))
	scan := env.mgr.ForVBucket(testVbid).GetScan(id)

	snapshot.scanErr = errors.New("corrupt block")
	assert.Equal(base.StatusFailed, env.continueScan(t, id, ContinueLimits{}, "continue"))
	assert.Equal(0, env.mgr.ForVBucket(testVbid).Size())
	assert.Equal(RangeScanStateCancelled, scan.GetState())
	assert.True(scan.IsReleased())
	end, ok := scan.Results().Pop()
	assert.True(ok)
	assert.Equal(base.StatusFailed, end.Status)
}

func TestRangeScanWatchdog(t *testing.T) {
	fmt.Println("============== Test case start: TestRangeScanWatchdog =================")
	defer fmt.Println("============== Test case end: TestRangeScanWatchdog =================")
	assert := assert.New(t)

	env := setupRangeScanEnv(t, newKeyedSnapshot(35, false))
	fresh := env.create(t, scanParams("fresh"))
	stale := env.create(t, scanParams("stale"))
	env.mgr.ForVBucket(testVbid).GetScan(stale).now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	watchdog := env.mgr.StartWatchdog()
	assert.Equal(1, env.executor.size())
	assert.True(watchdog.Run())

	scans := env.mgr.ForVBucket(testVbid)
	assert.Nil(scans.GetScan(stale))
	assert.NotNil(scans.GetScan(fresh))
	assert.Equal([]base.RangeScanId(nil), scans.ExpiredScans())
}

func TestReadyRangeScans(t *testing.T) {
	fmt.Println("============== Test case start: TestReadyRangeScans =================")
	defer fmt.Println("============== Test case end: TestReadyRangeScans =================")
	assert := assert.New(t)

	ready := NewReadyRangeScans(2)
	newScan := func(name string) *RangeScan {
		return NewRangeScan(base.RangeScanId{}, CreateParams{Start: []byte(name)}, 0, nil, NewRangeScanContext(0, nil), log.DefaultLoggerContext)
	}
	a, b, c := newScan("a"), newScan("b"), newScan("c")

	assert.True(ready.AddScan(a))
	assert.True(ready.AddScan(b))
	assert.False(ready.AddScan(c))
	assert.False(ready.AddScan(a))
	assert.Equal(3, ready.Size())

	assert.Equal(a, ready.nextScanForTask())
	assert.Equal(b, ready.nextScanForTask())
	assert.Equal(c, ready.nextScanForTask())
	// both tasks give their slot back
	assert.Nil(ready.nextScanForTask())
	assert.Nil(ready.nextScanForTask())

	assert.True(ready.AddScan(a))
	assert.Equal(2, ready.MaxTasks())
}
