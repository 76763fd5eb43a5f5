// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_def

import (
	"time"
)

// Task is one unit of background work. Run does a bounded amount of work and
// returns true when it wants to run again.
type Task interface {
	Run() bool
	Description() string
}

type TaskExecutor interface {
	// Runs task until it returns false, waiting snooze between runs
	Schedule(task Task, snooze time.Duration)
}
