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
	"errors"
	"fmt"
)

// Various error messages
var (
	ErrorInvalidArgument              = errors.New("invalid argument")
	ErrorInvalidInput                 = errors.New("Invalid input given")
	ErrorNilPtr                       = errors.New("Nil pointer given")
	ErrorManifestCrcMismatch          = errors.New("Collections manifest CRC mismatch")
	ErrorManifestVerificationFailed   = errors.New("Collections manifest failed structural verification")
	ErrorInvalidConfig                = errors.New("Invalid engine configuration")
	ErrorDirSyncFailed                = errors.New("File replaced but its directory could not be synced")
	InvalidStateTransitionErrMsg      = "Can't move to state %v - %v's current state is %v, can only move to state [%v]"
	ErrorBackfillRunAfterDone         = "%v run() invoked while in state Done"
	ErrorVbucketNotActiveForForcedMsg = "vb:%v is not active, skipping forced manifest update"
)

// InvalidArgumentf returns an ErrorInvalidArgument carrying a readable cause.
// errors.Is(err, ErrorInvalidArgument) holds for the result.
func InvalidArgumentf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrorInvalidArgument, fmt.Sprintf(format, args...))
}
