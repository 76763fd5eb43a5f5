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
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_impl"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a standalone bucket until interrupted",
	Long: `Run a standalone bucket on --dbname with every vbucket active. The
persisted collections manifest is loaded on startup and the bucket stats are
logged every --stats-interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Duration("stats-interval", time.Minute, WrapString("How often bucket stats are logged, 0 disables"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	config, err := loadEngineConfig(cmd)
	if err != nil {
		return err
	}
	logger_ctx, err := newLoggerContext(config)
	if err != nil {
		return err
	}
	logger := log.NewLogger("epctl", logger_ctx)
	statsInterval, _ := cmd.Flags().GetDuration("stats-interval")

	bucket, err := service_impl.NewEPBucket("default", config, func(cookie base.Cookie, status base.Status) {
		logger.Debugf("io complete cookie=%v status=%v", cookie, status)
	}, logger_ctx)
	if err != nil {
		return err
	}
	if err = bucket.Start(); err != nil {
		bucket.Stop()
		return err
	}
	defer bucket.Stop()

	for vb := 0; vb < config.MaxVBuckets; vb++ {
		if status := bucket.SetVBucketState(base.Vbid(vb), base.VBucketStateActive); status != base.StatusSuccess {
			return errors.Errorf("unable to activate vb %v: %v", vb, status)
		}
	}
	logger.Infof("Serving %v vbuckets from %v", config.MaxVBuckets, config.DataDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if statsInterval > 0 {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Shutting down bucket %v", bucket.Name())
			return nil
		case <-tick:
			logStats(logger, bucket)
		}
	}
}

func logStats(logger *log.CommonLogger, bucket *service_impl.EPBucket) {
	var keys []string
	values := make(map[string]string)
	bucket.AddStats(func(key, value string) {
		keys = append(keys, key)
		values[key] = value
	})
	sort.Strings(keys)
	for _, key := range keys {
		logger.Infof("%v=%v", key, values[key])
	}
}
