// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineConfig(t *testing.T) {
	assert := assert.New(t)
	config := DefaultEngineConfig()
	require.NotNil(t, config)
	assert.Equal(uint64(DefaultMaxDataSize), config.MaxDataSize)
	assert.Equal(DefaultMaxCollections, config.MaxCollections)
	assert.Equal(FlowControlPolicyDynamic, config.FlowControlPolicy)
	assert.Equal(DefaultFlowControlAckRatio, config.ConsumerAckRatio)
	assert.Equal(DefaultBackfillScanChunkDuration, config.BackfillChunk)
	assert.Equal(DefaultMaxVBuckets, config.MaxVBuckets)
	assert.Equal(DefaultMaxNumShards, config.MaxNumShards)
}

func TestEngineConfigEnvOverride(t *testing.T) {
	assert := assert.New(t)
	t.Setenv("EP_MAX_COLLECTIONS", "7")
	t.Setenv("EP_DCP_FLOW_CONTROL_POLICY", "static")
	t.Setenv("EP_DCP_BACKFILL_CHUNK_DURATION", "250ms")

	config, err := LoadEngineConfig(nil, "")
	require.Nil(t, err)
	assert.Equal(7, config.MaxCollections)
	assert.Equal(FlowControlPolicyStatic, config.FlowControlPolicy)
	assert.Equal(250*time.Millisecond, config.BackfillChunk)
}

func TestEngineConfigFile(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "ep.yaml")
	assert.Nil(os.WriteFile(file, []byte("max_size: 1048576\ndcp_consumer_buffer_ack_bytes: 4096\n"), 0644))

	config, err := LoadEngineConfig(nil, file)
	require.Nil(t, err)
	assert.Equal(uint64(1048576), config.MaxDataSize)
	assert.Equal(uint32(4096), config.ConsumerAckBytes)

	_, err = LoadEngineConfig(nil, filepath.Join(dir, "missing.yaml"))
	assert.NotNil(err)
}

func TestEngineConfigValidate(t *testing.T) {
	assert := assert.New(t)
	config := DefaultEngineConfig()
	config.FlowControlPolicy = "aggressive"
	assert.True(errors.Is(config.Validate(), ErrorInvalidConfig))

	config = DefaultEngineConfig()
	config.ConsumerAckRatio = 1.5
	assert.True(errors.Is(config.Validate(), ErrorInvalidConfig))

	config = DefaultEngineConfig()
	config.ConnBufferSizeMin = config.ConnBufferSizeMax + 1
	assert.NotNil(config.Validate())

	config = DefaultEngineConfig()
	config.MaxVBuckets = MaxVBucketId + 2
	assert.True(errors.Is(config.Validate(), ErrorInvalidConfig))

	config = DefaultEngineConfig()
	config.MaxNumShards = 0
	assert.True(errors.Is(config.Validate(), ErrorInvalidConfig))
}
