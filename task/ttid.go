// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package task implements the task-try identity and retry model: the
// hierarchical task naming scheme (TTID), the per-attempt status log, and the
// DAGTask/ResultTask base types that a concrete task (e.g. a shuffle-map task)
// embeds.
package task

import (
	"fmt"
	"strconv"
	"strings"
)

// TTID is a parsed task-try identifier, rendered as the string "S.T_P.R":
//
//	S: stage id, >= 1
//	T: stage-retry counter, >= 1 (incremented only on fetch-failure restart)
//	P: partition index within the stage, >= 0
//	R: task-retry counter, >= 0
//
// "S.T" is the taskset id; "S.T_P" is the task id.
type TTID struct {
	StageID    int
	StageTry   int
	Partition  int
	TaskTry    int
}

// MakeTasksetID renders the taskset id "S.T".
func MakeTasksetID(stageID, stageTry int) string {
	return fmt.Sprintf("%d.%d", stageID, stageTry)
}

// MakeTaskID renders the task id "tasksetID_P".
func MakeTaskID(tasksetID string, partition int) string {
	return fmt.Sprintf("%s_%d", tasksetID, partition)
}

// MakeTTID renders the full task-try id "taskID.R".
func MakeTTID(taskID string, taskTry int) string {
	return fmt.Sprintf("%s.%d", taskID, taskTry)
}

// String renders t as its canonical "S.T_P.R" form.
func (t TTID) String() string {
	return MakeTTID(MakeTaskID(MakeTasksetID(t.StageID, t.StageTry), t.Partition), t.TaskTry)
}

// TasksetID returns the "S.T" prefix identifying this TTID's stage attempt.
func (t TTID) TasksetID() string {
	return MakeTasksetID(t.StageID, t.StageTry)
}

// TaskID returns the "S.T_P" prefix identifying this TTID's logical work item.
func (t TTID) TaskID() string {
	return MakeTaskID(t.TasksetID(), t.Partition)
}

// ParseError reports a malformed TTID wire-form string.
type ParseError struct {
	Input string
	Cause string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("task: malformed ttid %q: %s", e.Input, e.Cause)
}

// ParseTTID parses the canonical "S.T_P.R" wire form into its four integer
// components. It is total over the grammar: any other shape is rejected with
// a *ParseError.
func ParseTTID(s string) (TTID, error) {
	taskID, taskTryStr, ok := cutLast(s, ".")
	if !ok {
		return TTID{}, &ParseError{s, "missing task-try separator"}
	}
	taskTry, err := strconv.Atoi(taskTryStr)
	if err != nil {
		return TTID{}, &ParseError{s, "task-try counter is not an integer"}
	}
	tasksetID, partStr, ok := cutLast(taskID, "_")
	if !ok {
		return TTID{}, &ParseError{s, "missing partition separator"}
	}
	partition, err := strconv.Atoi(partStr)
	if err != nil {
		return TTID{}, &ParseError{s, "partition is not an integer"}
	}
	stageStr, stageTryStr, ok := cutLast(tasksetID, ".")
	if !ok {
		return TTID{}, &ParseError{s, "missing stage-try separator"}
	}
	stageID, err := strconv.Atoi(stageStr)
	if err != nil {
		return TTID{}, &ParseError{s, "stage id is not an integer"}
	}
	stageTry, err := strconv.Atoi(stageTryStr)
	if err != nil {
		return TTID{}, &ParseError{s, "stage-try counter is not an integer"}
	}
	if stageID < 1 || stageTry < 1 || partition < 0 || taskTry < 0 {
		return TTID{}, &ParseError{s, "component out of range"}
	}
	t := TTID{StageID: stageID, StageTry: stageTry, Partition: partition, TaskTry: taskTry}
	// strconv.Atoi also accepts signs and leading zeros; only the
	// canonical rendering is a valid wire form.
	if t.String() != s {
		return TTID{}, &ParseError{s, "not in canonical form"}
	}
	return t, nil
}

// cutLast splits s on the final occurrence of sep, unlike strings.Cut which
// splits on the first. TTID components are themselves dotted/underscored, so
// we must peel off the outermost field first.
func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
