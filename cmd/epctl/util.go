// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.


package main

import (
	"os"
	"strings"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Wrap is the number of characters to wrap the help text at
const Wrap int = 50

// flag name to engine config key
var engineFlags = map[string]string{
	"dbname":          base.ConfigDataDir,
	"max-size":        base.ConfigMaxSize,
	"max-collections": base.ConfigMaxCollections,
	"max-vbuckets":    base.ConfigMaxVBuckets,
	"max-num-shards":  base.ConfigMaxNumShards,
	"log-level":       base.ConfigLogLevel,
	"log-file-dir":    base.ConfigLogFileDir,
}

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

func loadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

func setupEngineFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", WrapString("Engine config file (yaml, json or toml)"))
	flags.String("dbname", ".", WrapString("Data directory of the bucket, holds the collections manifest"))
	flags.Uint64("max-size", base.DefaultMaxDataSize, WrapString("Bucket quota in bytes"))
	flags.Int("max-collections", base.DefaultMaxCollections, WrapString("Most collections a manifest may define"))
	flags.Int("max-vbuckets", base.DefaultMaxVBuckets, WrapString("Number of vbuckets of the bucket"))
	flags.Int("max-num-shards", base.DefaultMaxNumShards, WrapString("Number of shards the vbuckets are spread over"))
	flags.String("log-level", log.LOG_LEVEL_INFO_STR, WrapString("Log level (Error, Warn, Info, Debug, Trace)"))
	flags.String("log-file-dir", "", WrapString("Directory for rotated log files, logs go to stderr when empty"))
}

// loadEngineConfig merges defaults, environment, config file and the flags
// that were set on cmd, in increasing order of precedence
func loadEngineConfig(cmd *cobra.Command) (*base.EngineConfig, error) {
	v := base.NewConfigViper()
	if err := bindEngineFlags(v, cmd); err != nil {
		return nil, err
	}
	configFile, _ := cmd.Flags().GetString("config")
	return base.LoadEngineConfig(v, configFile)
}

func bindEngineFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range engineFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

func newLoggerContext(config *base.EngineConfig) (*log.LoggerContext, error) {
	level, err := log.LogLevelFromStr(config.LogLevel)
	if err != nil {
		return nil, err
	}
	if config.LogFileDir != "" {
		if err = log.Init(config.LogFileDir, config.MaxLogFileSize, config.MaxNumberOfLogFiles); err != nil {
			return nil, err
		}
		ctx := log.CopyCtx(log.DefaultLoggerContext)
		ctx.SetLogLevel(level)
		return ctx, nil
	}
	return &log.LoggerContext{Log_file: os.Stderr, Log_level: level}, nil
}
