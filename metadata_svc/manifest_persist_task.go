// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package metadata_svc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/service_def"
	"github.com/pkg/errors"
)

// PersistManifestTask writes a new collections manifest to dataDir and then
// completes the front-end request that asked for it. The previously persisted
// manifest stays in place unless the new one is fully written.
type PersistManifestTask struct {
	bucket   service_def.Bucket
	manifest *metadata.Manifest
	cookie   base.Cookie
	dataDir  string
	logger   *log.CommonLogger
}

func NewPersistManifestTask(bucket service_def.Bucket, manifest *metadata.Manifest, cookie base.Cookie, dataDir string, logger_ctx *log.LoggerContext) *PersistManifestTask {
	return &PersistManifestTask{
		bucket:   bucket,
		manifest: manifest,
		cookie:   cookie,
		dataDir:  dataDir,
		logger:   log.NewLogger("PersistManifestTask", logger_ctx),
	}
}

func (t *PersistManifestTask) Description() string {
	return fmt.Sprintf("Persist collections manifest uid:%x to %v", t.manifest.Uid(), t.dataDir)
}

// Run performs the whole write and is never rescheduled
func (t *PersistManifestTask) Run() bool {
	if t.manifest == nil {
		t.logger.Errorf("%v: manifest already handed off", t.dataDir)
		t.bucket.NotifyIOComplete(t.cookie, base.StatusCannotApplyCollectionsManifest)
		return false
	}

	envelope := metadata.EncodeManifestWithCrc(t.manifest.ToFlatbuffer())
	err := WriteFileAtomic(t.dataDir, base.ManifestFileName, envelope)
	if err != nil && !errors.Is(err, base.ErrorDirSyncFailed) {
		t.logger.Errorf("Failed to persist manifest uid:%x err=%v", t.manifest.Uid(), err)
		t.bucket.NotifyIOComplete(t.cookie, base.StatusCannotApplyCollectionsManifest)
		return false
	} else if err != nil {
		t.logger.Warnf("Persisted manifest uid:%x but %v", t.manifest.Uid(), err)
	}

	t.logger.Infof("Persisted manifest uid:%x (%v bytes) to %v", t.manifest.Uid(), len(envelope), t.dataDir)
	manifest := t.manifest
	t.manifest = nil
	t.bucket.SaveManifestCompleted(manifest)
	t.bucket.NotifyIOComplete(t.cookie, base.StatusSuccess)
	return false
}

var (
	// every replace in the process goes through here one at a time
	writeFileLock sync.Mutex

	createTempFile = os.CreateTemp
	renameFile     = os.Rename
	syncDirFunc    = syncDir
)

// WriteFileAtomic replaces dir/name with data. The data is written and synced
// to a uniquely named temporary sibling first so a crash leaves either the old
// or the new file, never a torn one. Once the rename is done the new file
// stands: a failed directory sync after it is returned wrapped in
// base.ErrorDirSyncFailed, any other error means dir/name is untouched.
func WriteFileAtomic(dir, name string, data []byte) (err error) {
	writeFileLock.Lock()
	defer writeFileLock.Unlock()

	finalPath := filepath.Join(dir, name)
	f, err := createTempFile(dir, name+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "unable to create temp file for %v", finalPath)
	}
	tmpPath := f.Name()
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to write %v", tmpPath)
	}
	if err = f.Chmod(0644); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to chmod %v", tmpPath)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to sync %v", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "unable to close %v", tmpPath)
	}
	if err = renameFile(tmpPath, finalPath); err != nil {
		return errors.Wrapf(err, "unable to rename %v to %v", tmpPath, finalPath)
	}
	renamed = true

	if syncErr := syncDirFunc(dir); syncErr != nil {
		return errors.Wrapf(base.ErrorDirSyncFailed, "%v: %v", finalPath, syncErr)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "unable to open dir %v", dir)
	}
	defer d.Close()
	if err = d.Sync(); err != nil {
		return errors.Wrapf(err, "unable to sync dir %v", dir)
	}
	return nil
}

// TryAndLoad reads the persisted manifest of dataDir. A missing, corrupt or
// unverifiable file all mean no manifest and return nil, nil; only unexpected
// I/O errors are returned.
func TryAndLoad(dataDir string, logger *log.CommonLogger) (*metadata.Manifest, error) {
	path := filepath.Join(dataDir, base.ManifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Infof("No collections manifest found at %v", path)
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "unable to read %v", path)
	}

	payload, err := metadata.DecodeManifestWithCrc(data)
	if err != nil {
		logger.Warnf("Ignoring collections manifest %v: %v", path, err)
		return nil, nil
	}
	manifest, err := metadata.NewManifestFromFlatbuffer(payload)
	if err != nil {
		logger.Warnf("Ignoring collections manifest %v: %v", path, err)
		return nil, nil
	}
	logger.Infof("Loaded collections manifest uid:%x from %v", manifest.Uid(), path)
	return manifest, nil
}
