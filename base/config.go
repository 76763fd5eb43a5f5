// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// configuration keys, also usable as EP_<KEY> environment variables
const (
	ConfigDataDir                   = "dbname"
	ConfigMaxSize                   = "max_size"
	ConfigMemMergeThresholdPercent  = "mem_used_merge_threshold_percent"
	ConfigMaxCollections            = "max_collections"
	ConfigMaxVBuckets               = "max_vbuckets"
	ConfigMaxNumShards              = "max_num_shards"
	ConfigFlowControlPolicy         = "dcp_flow_control_policy"
	ConfigConnBufferSize            = "dcp_conn_buffer_size"
	ConfigConnBufferRatio           = "dcp_conn_buffer_ratio"
	ConfigConnBufferSizeMin         = "dcp_conn_buffer_size_min"
	ConfigConnBufferSizeMax         = "dcp_conn_buffer_size_max"
	ConfigConsumerAckRatio          = "dcp_consumer_buffer_ack_ratio"
	ConfigConsumerAckBytes          = "dcp_consumer_buffer_ack_bytes"
	ConfigBackfillChunkDuration     = "dcp_backfill_chunk_duration"
	ConfigBackfillMaxBufferBytes    = "dcp_backfill_byte_limit"
	ConfigBackfillMaxBufferItems    = "dcp_backfill_item_limit"
	ConfigBackfillDiskRate          = "dcp_backfill_disk_read_bytes_per_sec"
	ConfigRangeScanMaxQueueItems    = "range_scan_max_queue_items"
	ConfigRangeScanReadBufferBytes  = "range_scan_read_buffer_bytes"
	ConfigRangeScanMaxContinueTasks = "range_scan_max_continue_tasks"
	ConfigRangeScanMaxLifetime      = "range_scan_max_lifetime"
	ConfigMemTrackerInterval        = "mem_tracker_interval"
	ConfigMemTargetRatio            = "mem_pid_target_ratio"
	ConfigMemPIDKp                  = "mem_pid_p"
	ConfigMemPIDKi                  = "mem_pid_i"
	ConfigMemPIDKd                  = "mem_pid_d"
	ConfigMemPIDInterval            = "mem_pid_dt"
	ConfigLogLevel                  = "log_level"
	ConfigLogFileDir                = "log_file_dir"
	ConfigMaxLogFileSize            = "max_log_file_size"
	ConfigMaxNumberOfLogFiles       = "max_number_of_log_files"

	ConfigEnvPrefix = "ep"
)

const (
	FlowControlPolicyNone    = "none"
	FlowControlPolicyStatic  = "static"
	FlowControlPolicyDynamic = "dynamic"
)

type EngineConfig struct {
	DataDir                  string
	MaxDataSize              uint64
	MemMergeThresholdPercent float64
	MaxCollections           int
	MaxVBuckets              int
	MaxNumShards             int

	FlowControlPolicy   string
	ConnBufferSize      uint32
	ConnBufferRatio     float64
	ConnBufferSizeMin   uint32
	ConnBufferSizeMax   uint32
	ConsumerAckRatio    float64
	ConsumerAckBytes    uint32
	BackfillChunk       time.Duration
	BackfillMaxBytes    int64
	BackfillMaxItems    int
	BackfillDiskRateBps int

	RangeScanMaxQueueItems    int
	RangeScanReadBufferBytes  int64
	RangeScanMaxContinueTasks int
	RangeScanMaxLifetime      time.Duration

	MemTrackerInterval time.Duration
	MemTargetRatio     float64
	MemPIDKp           float64
	MemPIDKi           float64
	MemPIDKd           float64
	MemPIDInterval     time.Duration

	LogLevel            string
	LogFileDir          string
	MaxLogFileSize      uint64
	MaxNumberOfLogFiles uint64
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault(ConfigDataDir, ".")
	v.SetDefault(ConfigMaxSize, DefaultMaxDataSize)
	v.SetDefault(ConfigMemMergeThresholdPercent, DefaultMemMergeThresholdPercent)
	v.SetDefault(ConfigMaxCollections, DefaultMaxCollections)
	v.SetDefault(ConfigMaxVBuckets, DefaultMaxVBuckets)
	v.SetDefault(ConfigMaxNumShards, DefaultMaxNumShards)
	v.SetDefault(ConfigFlowControlPolicy, FlowControlPolicyDynamic)
	v.SetDefault(ConfigConnBufferSize, DefaultFlowControlBufferSize)
	v.SetDefault(ConfigConnBufferRatio, DefaultDcpConnBufferRatio)
	v.SetDefault(ConfigConnBufferSizeMin, DefaultDcpMinConnBufferSize)
	v.SetDefault(ConfigConnBufferSizeMax, DefaultDcpMaxConnBufferSize)
	v.SetDefault(ConfigConsumerAckRatio, DefaultFlowControlAckRatio)
	v.SetDefault(ConfigConsumerAckBytes, 0)
	v.SetDefault(ConfigBackfillChunkDuration, DefaultBackfillScanChunkDuration)
	v.SetDefault(ConfigBackfillMaxBufferBytes, DefaultBackfillMaxBufferBytes)
	v.SetDefault(ConfigBackfillMaxBufferItems, DefaultBackfillMaxBufferItems)
	v.SetDefault(ConfigBackfillDiskRate, 0)
	v.SetDefault(ConfigRangeScanMaxQueueItems, DefaultRangeScanMaxQueueItems)
	v.SetDefault(ConfigRangeScanReadBufferBytes, DefaultRangeScanReadBufferBytes)
	v.SetDefault(ConfigRangeScanMaxContinueTasks, DefaultRangeScanMaxContinueTasks)
	v.SetDefault(ConfigRangeScanMaxLifetime, DefaultRangeScanMaxLifetime)
	v.SetDefault(ConfigMemTrackerInterval, DefaultMemTrackerInterval)
	v.SetDefault(ConfigMemTargetRatio, 0.85)
	v.SetDefault(ConfigMemPIDKp, 0.4)
	v.SetDefault(ConfigMemPIDKi, 0.0000005)
	v.SetDefault(ConfigMemPIDKd, 0.0)
	v.SetDefault(ConfigMemPIDInterval, DefaultPIDInterval)
	v.SetDefault(ConfigLogLevel, "Info")
	v.SetDefault(ConfigLogFileDir, "")
	v.SetDefault(ConfigMaxLogFileSize, 40*1024*1024)
	v.SetDefault(ConfigMaxNumberOfLogFiles, 5)
}

// NewConfigViper returns a viper instance with the engine defaults and
// EP_-prefixed environment overrides
func NewConfigViper() *viper.Viper {
	v := viper.New()
	setConfigDefaults(v)
	v.SetEnvPrefix(ConfigEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func DefaultEngineConfig() *EngineConfig {
	config, _ := LoadEngineConfig(nil, "")
	return config
}

// LoadEngineConfig builds the config from v (NewConfigViper if nil), reading
// configFile first when one is given
func LoadEngineConfig(v *viper.Viper, configFile string) (*EngineConfig, error) {
	if v == nil {
		v = NewConfigViper()
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "unable to read engine config %v", configFile)
		}
	}

	config := &EngineConfig{
		DataDir:                   v.GetString(ConfigDataDir),
		MaxDataSize:               v.GetUint64(ConfigMaxSize),
		MemMergeThresholdPercent:  v.GetFloat64(ConfigMemMergeThresholdPercent),
		MaxCollections:            v.GetInt(ConfigMaxCollections),
		MaxVBuckets:               v.GetInt(ConfigMaxVBuckets),
		MaxNumShards:              v.GetInt(ConfigMaxNumShards),
		FlowControlPolicy:         v.GetString(ConfigFlowControlPolicy),
		ConnBufferSize:            v.GetUint32(ConfigConnBufferSize),
		ConnBufferRatio:           v.GetFloat64(ConfigConnBufferRatio),
		ConnBufferSizeMin:         v.GetUint32(ConfigConnBufferSizeMin),
		ConnBufferSizeMax:         v.GetUint32(ConfigConnBufferSizeMax),
		ConsumerAckRatio:          v.GetFloat64(ConfigConsumerAckRatio),
		ConsumerAckBytes:          v.GetUint32(ConfigConsumerAckBytes),
		BackfillChunk:             v.GetDuration(ConfigBackfillChunkDuration),
		BackfillMaxBytes:          v.GetInt64(ConfigBackfillMaxBufferBytes),
		BackfillMaxItems:          v.GetInt(ConfigBackfillMaxBufferItems),
		BackfillDiskRateBps:       v.GetInt(ConfigBackfillDiskRate),
		RangeScanMaxQueueItems:    v.GetInt(ConfigRangeScanMaxQueueItems),
		RangeScanReadBufferBytes:  v.GetInt64(ConfigRangeScanReadBufferBytes),
		RangeScanMaxContinueTasks: v.GetInt(ConfigRangeScanMaxContinueTasks),
		RangeScanMaxLifetime:      v.GetDuration(ConfigRangeScanMaxLifetime),
		MemTrackerInterval:        v.GetDuration(ConfigMemTrackerInterval),
		MemTargetRatio:            v.GetFloat64(ConfigMemTargetRatio),
		MemPIDKp:                  v.GetFloat64(ConfigMemPIDKp),
		MemPIDKi:                  v.GetFloat64(ConfigMemPIDKi),
		MemPIDKd:                  v.GetFloat64(ConfigMemPIDKd),
		MemPIDInterval:            v.GetDuration(ConfigMemPIDInterval),
		LogLevel:                  v.GetString(ConfigLogLevel),
		LogFileDir:                v.GetString(ConfigLogFileDir),
		MaxLogFileSize:            v.GetUint64(ConfigMaxLogFileSize),
		MaxNumberOfLogFiles:       v.GetUint64(ConfigMaxNumberOfLogFiles),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *EngineConfig) Validate() error {
	switch c.FlowControlPolicy {
	case FlowControlPolicyNone, FlowControlPolicyStatic, FlowControlPolicyDynamic:
	default:
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigFlowControlPolicy, c.FlowControlPolicy)
	}
	if c.MaxCollections <= 0 {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigMaxCollections, c.MaxCollections)
	}
	if c.MaxVBuckets <= 0 || c.MaxVBuckets > MaxVBucketId+1 {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigMaxVBuckets, c.MaxVBuckets)
	}
	if c.MaxNumShards <= 0 {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigMaxNumShards, c.MaxNumShards)
	}
	if c.MemMergeThresholdPercent < 0 || c.MemMergeThresholdPercent > 100 {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigMemMergeThresholdPercent, c.MemMergeThresholdPercent)
	}
	if c.ConsumerAckRatio < 0 || c.ConsumerAckRatio > 1 {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigConsumerAckRatio, c.ConsumerAckRatio)
	}
	if c.ConnBufferSizeMin > c.ConnBufferSizeMax {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v > %v=%v", ConfigConnBufferSizeMin, c.ConnBufferSizeMin,
			ConfigConnBufferSizeMax, c.ConnBufferSizeMax)
	}
	if c.RangeScanMaxContinueTasks <= 0 {
		return errors.Wrapf(ErrorInvalidConfig, "%v=%v", ConfigRangeScanMaxContinueTasks, c.RangeScanMaxContinueTasks)
	}
	return nil
}

func (c *EngineConfig) String() string {
	return fmt.Sprintf("EngineConfig{dbname:%v max_size:%v merge%%:%v max_collections:%v flow_control:%v conn_buffer:%v ack_ratio:%v ack_bytes:%v backfill_bytes:%v range_scan_queue:%v}",
		c.DataDir, c.MaxDataSize, c.MemMergeThresholdPercent, c.MaxCollections, c.FlowControlPolicy, c.ConnBufferSize,
		c.ConsumerAckRatio, c.ConsumerAckBytes, c.BackfillMaxBytes, c.RangeScanMaxQueueItems)
}
