// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package metadata_svc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/service_def/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookie = "persist-cookie"

func makeTestManifest(t *testing.T, uid string) *metadata.Manifest {
	manifest, err := metadata.NewManifestFromJson([]byte(`{"uid":"`+uid+`","separator":":","collections":[`+
		`{"name":"$default","uid":"0"},{"name":"beer","uid":"8"},{"name":"brewery","uid":"9"}]}`), base.DefaultMaxCollections)
	require.Nil(t, err)
	return manifest
}

func setupPersistMocks(t *testing.T, manifest *metadata.Manifest, status base.Status) *mocks.Bucket {
	bucket := mocks.NewBucket(t)
	bucket.On("NotifyIOComplete", testCookie, status).Return().Once()
	if status == base.StatusSuccess {
		bucket.On("SaveManifestCompleted", manifest).Return().Once()
	}
	return bucket
}

func TestPersistManifestTaskAndLoad(t *testing.T) {
	fmt.Println("============== Test case start: TestPersistManifestTaskAndLoad =================")
	defer fmt.Println("============== Test case end: TestPersistManifestTaskAndLoad =================")
	assert := assert.New(t)
	dir := t.TempDir()
	logger := log.NewLogger("test", log.DefaultLoggerContext)

	loaded, err := TryAndLoad(dir, logger)
	assert.Nil(err)
	assert.Nil(loaded)

	manifest := makeTestManifest(t, "5")
	bucket := setupPersistMocks(t, manifest, base.StatusSuccess)
	task := NewPersistManifestTask(bucket, manifest, testCookie, dir, log.DefaultLoggerContext)
	assert.False(task.Run())

	leftovers, err := filepath.Glob(filepath.Join(dir, base.ManifestTmpFilePattern))
	assert.Nil(err)
	assert.Empty(leftovers)

	loaded, err = TryAndLoad(dir, logger)
	assert.Nil(err)
	require.NotNil(t, loaded)
	assert.True(manifest.IsSameAs(loaded))

	// a newer manifest replaces the older one
	newer := makeTestManifest(t, "6")
	bucket = setupPersistMocks(t, newer, base.StatusSuccess)
	NewPersistManifestTask(bucket, newer, testCookie, dir, log.DefaultLoggerContext).Run()
	loaded, err = TryAndLoad(dir, logger)
	assert.Nil(err)
	assert.Equal(uint64(6), loaded.Uid())
}

func TestPersistManifestTaskFailureKeepsPrevious(t *testing.T) {
	fmt.Println("============== Test case start: TestPersistManifestTaskFailureKeepsPrevious =================")
	defer fmt.Println("============== Test case end: TestPersistManifestTaskFailureKeepsPrevious =================")
	assert := assert.New(t)
	dir := t.TempDir()
	logger := log.NewLogger("test", log.DefaultLoggerContext)

	manifest := makeTestManifest(t, "5")
	bucket := setupPersistMocks(t, manifest, base.StatusSuccess)
	NewPersistManifestTask(bucket, manifest, testCookie, dir, log.DefaultLoggerContext).Run()
	before, err := os.ReadFile(filepath.Join(dir, base.ManifestFileName))
	require.Nil(t, err)

	// the temp file is written but the rename fails
	renameFile = func(oldpath, newpath string) error {
		return fmt.Errorf("rename %v: input/output error", oldpath)
	}
	defer func() { renameFile = os.Rename }()

	newer := makeTestManifest(t, "6")
	bucket = setupPersistMocks(t, newer, base.StatusCannotApplyCollectionsManifest)
	assert.False(NewPersistManifestTask(bucket, newer, testCookie, dir, log.DefaultLoggerContext).Run())
	bucket.AssertNotCalled(t, "SaveManifestCompleted", newer)
	leftovers, err := filepath.Glob(filepath.Join(dir, base.ManifestTmpFilePattern))
	assert.Nil(err)
	assert.Empty(leftovers)

	after, err := os.ReadFile(filepath.Join(dir, base.ManifestFileName))
	require.Nil(t, err)
	assert.Equal(before, after)
	loaded, err := TryAndLoad(dir, logger)
	assert.Nil(err)
	assert.Equal(uint64(5), loaded.Uid())

	// a missing directory fails the same way
	bucket = setupPersistMocks(t, newer, base.StatusCannotApplyCollectionsManifest)
	NewPersistManifestTask(bucket, newer, testCookie, filepath.Join(dir, "missing"), log.DefaultLoggerContext).Run()
}

func TestPersistManifestTaskDirSyncFailure(t *testing.T) {
	fmt.Println("============== Test case start: TestPersistManifestTaskDirSyncFailure =================")
	defer fmt.Println("============== Test case end: TestPersistManifestTaskDirSyncFailure =================")
	assert := assert.New(t)
	dir := t.TempDir()
	logger := log.NewLogger("test", log.DefaultLoggerContext)

	syncDirFunc = func(string) error {
		return fmt.Errorf("sync %v: input/output error", dir)
	}
	defer func() { syncDirFunc = syncDir }()

	// the rename already replaced the file so the manifest is applied
	manifest := makeTestManifest(t, "7")
	bucket := setupPersistMocks(t, manifest, base.StatusSuccess)
	assert.False(NewPersistManifestTask(bucket, manifest, testCookie, dir, log.DefaultLoggerContext).Run())

	loaded, err := TryAndLoad(dir, logger)
	assert.Nil(err)
	require.NotNil(t, loaded)
	assert.Equal(uint64(7), loaded.Uid())

	err = WriteFileAtomic(dir, "other", []byte("data"))
	assert.True(errors.Is(err, base.ErrorDirSyncFailed))
	data, err := os.ReadFile(filepath.Join(dir, "other"))
	assert.Nil(err)
	assert.Equal([]byte("data"), data)
}

func TestWriteFileAtomicConcurrentWriters(t *testing.T) {
	fmt.Println("============== Test case start: TestWriteFileAtomicConcurrentWriters =================")
	defer fmt.Println("============== Test case end: TestWriteFileAtomicConcurrentWriters =================")
	assert := assert.New(t)
	dir := t.TempDir()
	logger := log.NewLogger("test", log.DefaultLoggerContext)

	const writers = 4
	const rounds = 50
	manifests := make([][]byte, writers)
	for i := range manifests {
		manifests[i] = metadata.EncodeManifestWithCrc(makeTestManifest(t, fmt.Sprintf("%x", i+1)).ToFlatbuffer())
	}

	var wg sync.WaitGroup
	errCh := make(chan error, writers*rounds)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				errCh <- WriteFileAtomic(dir, base.ManifestFileName, data)
			}
		}(manifests[i])
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		assert.Nil(err)
	}

	// whoever wrote last, the file is one whole manifest
	data, err := os.ReadFile(filepath.Join(dir, base.ManifestFileName))
	require.Nil(t, err)
	found := false
	for _, m := range manifests {
		found = found || bytes.Equal(m, data)
	}
	assert.True(found)
	loaded, err := TryAndLoad(dir, logger)
	assert.Nil(err)
	assert.NotNil(loaded)

	leftovers, err := filepath.Glob(filepath.Join(dir, base.ManifestTmpFilePattern))
	assert.Nil(err)
	assert.Empty(leftovers)
}

func TestTryAndLoadCorruption(t *testing.T) {
	fmt.Println("============== Test case start: TestTryAndLoadCorruption =================")
	defer fmt.Println("============== Test case end: TestTryAndLoadCorruption =================")
	assert := assert.New(t)
	dir := t.TempDir()
	logger := log.NewLogger("test", log.DefaultLoggerContext)
	path := filepath.Join(dir, base.ManifestFileName)

	manifest := makeTestManifest(t, "a")
	payload := manifest.ToFlatbuffer()
	good := metadata.EncodeManifestWithCrc(payload)

	// one flipped byte inside the payload always fails the checksum
	idx := bytes.Index(good, payload)
	require.True(t, idx > 0)
	corrupt := append([]byte(nil), good...)
	corrupt[idx+len(payload)/2] ^= 0x01
	require.Nil(t, os.WriteFile(path, corrupt, 0644))
	loaded, err := TryAndLoad(dir, logger)
	assert.Nil(err)
	assert.Nil(loaded)

	// anywhere else the result is either no manifest or the original one
	for i := range good {
		corrupt = append(corrupt[:0], good...)
		corrupt[i] ^= 0x80
		require.Nil(t, os.WriteFile(path, corrupt, 0644))
		loaded, err = TryAndLoad(dir, logger)
		assert.Nil(err)
		if loaded != nil {
			assert.True(manifest.IsSameAs(loaded), "byte %v", i)
		}
	}

	require.Nil(t, os.WriteFile(path, []byte("not a manifest"), 0644))
	loaded, err = TryAndLoad(dir, logger)
	assert.Nil(err)
	assert.Nil(loaded)

	// the path is a directory: an unexpected I/O error
	require.Nil(t, os.Remove(path))
	require.Nil(t, os.Mkdir(path, 0755))
	_, err = TryAndLoad(dir, logger)
	assert.NotNil(err)
}
