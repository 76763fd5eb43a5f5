// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package metadata_svc

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/metadata"
	"github.com/couchbase/goep/service_def"
	"golang.org/x/sync/errgroup"
)

// CompletionData is shared by the ForcedUpdateTasks of every shard. The task
// that finishes last runs onComplete.
type CompletionData struct {
	totalShards     int32
	completedShards atomic.Int32
	onComplete      func()
}

func NewCompletionData(totalShards int, onComplete func()) *CompletionData {
	return &CompletionData{
		totalShards: int32(totalShards),
		onComplete:  onComplete,
	}
}

// ShardCompleted returns true for exactly one caller, the one that completed
// the final shard
func (c *CompletionData) ShardCompleted() bool {
	if c.completedShards.Add(1) != c.totalShards {
		return false
	}
	if c.onComplete != nil {
		c.onComplete()
	}
	return true
}

func (c *CompletionData) CompletedShards() int {
	return int(c.completedShards.Load())
}

func (c *CompletionData) TotalShards() int {
	return int(c.totalShards)
}

// ForcedUpdateTask applies a manifest to every active vbucket of one shard
type ForcedUpdateTask struct {
	shard      service_def.KVShard
	manifest   *metadata.Manifest
	completion *CompletionData
	logger     *log.CommonLogger
}

func NewForcedUpdateTask(shard service_def.KVShard, manifest *metadata.Manifest, completion *CompletionData, logger_ctx *log.LoggerContext) *ForcedUpdateTask {
	return &ForcedUpdateTask{
		shard:      shard,
		manifest:   manifest,
		completion: completion,
		logger:     log.NewLogger("ForcedUpdateTask", logger_ctx),
	}
}

func (t *ForcedUpdateTask) Description() string {
	return fmt.Sprintf("Forced collections manifest update uid:%x on shard:%v", t.manifest.Uid(), t.shard.Id())
}

func (t *ForcedUpdateTask) Run() bool {
	var updated, skipped, failed int
	for _, vb := range t.shard.GetVBuckets() {
		if vb.GetState() != base.VBucketStateActive {
			t.logger.Debugf(base.ErrorVbucketNotActiveForForcedMsg, uint16(vb.Id()))
			skipped++
			continue
		}
		// a failure is only logged, the remaining vbuckets are still updated
		if status := vb.UpdateFromManifest(t.manifest); status != base.StatusSuccess {
			t.logger.Warnf("%v failed forced update to manifest uid:%x status=%v", vb.Id(), t.manifest.Uid(), status)
			failed++
			continue
		}
		updated++
	}
	t.logger.Infof("shard:%v forced update to uid:%x updated=%v skipped=%v failed=%v",
		t.shard.Id(), t.manifest.Uid(), updated, skipped, failed)

	if t.completion.ShardCompleted() {
		t.logger.Infof("Forced update to uid:%x completed on all %v shards", t.manifest.Uid(), t.completion.TotalShards())
	}
	return false
}

// RunForcedUpdate runs one ForcedUpdateTask per shard concurrently and
// completes cookie once every shard has been visited. If ctx ends before
// that, cookie is completed with a temporary failure instead.
func RunForcedUpdate(ctx context.Context, vbMap service_def.VBucketMap, manifest *metadata.Manifest, bucket service_def.Bucket,
	cookie base.Cookie, logger_ctx *log.LoggerContext) error {
	shards := vbMap.GetShards()
	notify := func() { bucket.NotifyIOComplete(cookie, base.StatusSuccess) }
	if len(shards) == 0 {
		notify()
		return nil
	}

	completion := NewCompletionData(len(shards), notify)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		task := NewForcedUpdateTask(shard, manifest, completion, logger_ctx)
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			task.Run()
			return nil
		})
	}
	// a skipped shard never completes, so success has not been notified
	if err := group.Wait(); err != nil {
		bucket.NotifyIOComplete(cookie, base.StatusTempFail)
		return err
	}
	return nil
}
