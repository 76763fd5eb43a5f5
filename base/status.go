/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package base

import (
	"fmt"

	mc "github.com/couchbase/gomemcached"
)

// Status is the engine level result of an operation. Flow statuses (Snooze,
// TooBusy, Failed for "nothing to do") are control signals and not failures.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusWouldBlock
	StatusTooBusy
	StatusTempFail
	StatusNotMyVbucket
	StatusKeyNotFound
	StatusInvalidArgument
	StatusUnknownCollection
	StatusNoMemory
	StatusRangeScanCancelled
	StatusRangeScanMore
	StatusRangeScanComplete
	StatusCannotApplyCollectionsManifest
	StatusDisconnect
)

var statusNames = map[Status]string{
	StatusSuccess:                        "success",
	StatusFailed:                         "failed",
	StatusWouldBlock:                     "would_block",
	StatusTooBusy:                        "too_busy",
	StatusTempFail:                       "temporary_failure",
	StatusNotMyVbucket:                   "not_my_vbucket",
	StatusKeyNotFound:                    "no_such_key",
	StatusInvalidArgument:                "invalid_arguments",
	StatusUnknownCollection:              "unknown_collection",
	StatusNoMemory:                       "no_memory",
	StatusRangeScanCancelled:             "range_scan_cancelled",
	StatusRangeScanMore:                  "range_scan_more",
	StatusRangeScanComplete:              "range_scan_complete",
	StatusCannotApplyCollectionsManifest: "cannot_apply_collections_manifest",
	StatusDisconnect:                     "disconnect",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown_status(%d)", int(s))
}

// ToMcStatus maps the engine status onto the status sent on the wire
func (s Status) ToMcStatus() mc.Status {
	switch s {
	case StatusSuccess:
		return mc.SUCCESS
	case StatusTooBusy:
		return mc.EBUSY
	case StatusTempFail, StatusWouldBlock:
		return mc.TMPFAIL
	case StatusNotMyVbucket:
		return mc.NOT_MY_VBUCKET
	case StatusKeyNotFound, StatusRangeScanCancelled:
		return mc.KEY_ENOENT
	case StatusInvalidArgument:
		return mc.EINVAL
	case StatusUnknownCollection:
		return mc.UNKNOWN_COLLECTION
	case StatusNoMemory:
		return mc.ENOMEM
	case StatusRangeScanMore:
		return mc.RANGE_SCAN_MORE
	case StatusRangeScanComplete:
		return mc.RANGE_SCAN_COMPLETE
	case StatusCannotApplyCollectionsManifest:
		// cannot_apply_collections_manifest has no dedicated binary status
		return mc.EINTERNAL
	default:
		return mc.EINTERNAL
	}
}

// IsFlowControlSignal is true for statuses that ask the caller to come back later
func (s Status) IsFlowControlSignal() bool {
	return s == StatusTooBusy || s == StatusWouldBlock || s == StatusTempFail
}
