// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"fmt"
	"strings"
	"time"
)

// State is a task attempt's lifecycle state.
type State string

// Non-terminal states.
const (
	Staging State = "TASK_STAGING"
	Running State = "TASK_RUNNING"
)

// Terminal states.
const (
	Finished State = "TASK_FINISHED"
	Failed   State = "TASK_FAILED"
	Killed   State = "TASK_KILLED"
	Lost     State = "TASK_LOST"
	Errored  State = "TASK_ERROR"
)

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool {
	switch s {
	case Finished, Failed, Killed, Lost, Errored:
		return true
	default:
		return false
	}
}

// Reason tags why an attempt was spawned.
type Reason string

const (
	ReasonFirst        Reason = "first"
	ReasonRunTimeout   Reason = "run_timeout"
	ReasonStageTimeout Reason = "stage_timeout"
	ReasonFail         Reason = "fail"
)

// transition is one (state, wall-time) entry in an attempt's log.
type transition struct {
	state State
	at    time.Time
}

// Attempt is a reason-tagged, append-only log of state transitions for one
// task retry. An Attempt always starts with (Staging, t0) and ends, at most
// once, in a terminal state.
type Attempt struct {
	Reason Reason
	log    []transition
}

// NewAttempt returns a freshly staged attempt spawned for the given reason.
func NewAttempt(reason Reason) *Attempt {
	return &Attempt{
		Reason: reason,
		log:    []transition{{Staging, time.Now()}},
	}
}

// Append records a new state transition. It is a logic error to append after
// a terminal state has already been recorded; callers (DAGTask.UpdateStatus)
// are responsible for upholding that invariant.
func (a *Attempt) Append(s State) {
	a.log = append(a.log, transition{s, time.Now()})
}

// Last returns the most recently recorded state.
func (a *Attempt) Last() State {
	if len(a.log) == 0 {
		return ""
	}
	return a.log[len(a.log)-1].state
}

// Done reports whether the attempt's log ends in a terminal state.
func (a *Attempt) Done() bool {
	return a.Last().IsTerminal()
}

// String renders the attempt the way the original's TaskTry.__str__ does:
// "reason:state@unixtime,state@unixtime,...".
func (a *Attempt) String() string {
	var b strings.Builder
	b.WriteString(string(a.Reason))
	b.WriteByte(':')
	for i, tr := range a.log {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s@%d", tr.state, tr.at.Unix())
	}
	return b.String()
}
