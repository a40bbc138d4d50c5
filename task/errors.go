// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// EndReason is the executor- or agent-originated outcome of one task
// attempt. It is the wire vocabulary a scheduler uses to decide whether (and
// how) to retry.
type EndReason string

const (
	// Generated on the executor.
	ReasonSuccess      EndReason = "FINISHED_SUCCESS"
	ReasonOtherECs     EndReason = "FAILED_UNKNOWN_EXITCODE"
	ReasonLoadFailed   EndReason = "FAILED_PICKLE_LOAD"
	ReasonOtherFailure EndReason = "FAILED_OTHER_FAILURE"
	ReasonFetchFailed  EndReason = "FAILED_FETCH_FAILED"
	ReasonTaskOOM      EndReason = "FAILED_TASK_OOM"
	ReasonRecvSig      EndReason = "FAILED_RECV_SIG"
	ReasonRecvSigKill  EndReason = "FAILED_RECV_SIG_KILL"
	ReasonLaunchFailed EndReason = "FAILED_LAUNCH_FAILED"

	// Generated on the agent.
	ReasonContainerOOM EndReason = "REASON_CONTAINER_LIMITATION_MEMORY"
)

// MaybeOOM reports whether reason indicates the attempt may have died from
// exceeding its memory budget -- the scheduler's signal to raise the next
// attempt's memory demand.
func MaybeOOM(reason EndReason) bool {
	switch reason {
	case ReasonTaskOOM, ReasonRecvSigKill, ReasonContainerOOM:
		return true
	default:
		return false
	}
}

// OOMExitCode is the reserved process exit code a worker uses when it
// self-terminates after a cooperative interrupt lands while the memory
// accountant has flagged an OOM condition.
const OOMExitCode = 99

// UserFatalError marks a user-fatal, non-retryable condition: a malformed
// input record or any other defect in user code or data that a retry cannot
// fix. The scheduler must not retry a task that failed this way.
type UserFatalError struct {
	Msg string
}

func (e *UserFatalError) Error() string { return e.Msg }

// NewUserFatalError wraps msg as a UserFatalError tagged with
// errors.Fatal, so callers using github.com/grailbio/base/errors
// classification (errors.Is(errors.Fatal, err)) see it as non-retryable.
func NewUserFatalError(format string, args ...interface{}) error {
	return errors.E(errors.Fatal, &UserFatalError{fmt.Sprintf(format, args...)})
}

// OtherFailureError wraps an arbitrary error surfaced from user code running
// inside ResultTask.Run or ShuffleMapTask.Run. The executor reports it as a
// terminal Failed state with EndReason ReasonOtherFailure.
type OtherFailureError struct {
	Cause error
}

func (e *OtherFailureError) Error() string { return fmt.Sprintf("other failure: %v", e.Cause) }
func (e *OtherFailureError) Unwrap() error { return e.Cause }

// FetchFailedError reports a reducer's inability to read a map output. It
// carries enough routing information for the scheduler to invalidate that
// map output and restart the producing stage.
type FetchFailedError struct {
	ServerURI string
	ShuffleID int
	MapID     int
	ReduceID  int
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed: server=%s shuffle=%d map=%d reduce=%d",
		e.ServerURI, e.ShuffleID, e.MapID, e.ReduceID)
}

// NewFetchFailedError wraps a FetchFailedError as errors.Temporary: it is
// retryable infrastructure failure, not a user bug.
func NewFetchFailedError(serverURI string, shuffleID, mapID, reduceID int) error {
	return errors.E(errors.Temporary, &FetchFailedError{serverURI, shuffleID, mapID, reduceID})
}
