// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/ycldragon1/dpark/internal/config"
)

// Accountant is the subset of memory.Accountant that DAGTask.Run needs. It
// is declared here (rather than importing the memory package) to keep task
// free of a dependency on the accountant's concrete implementation -- any
// type satisfying this contract may be installed.
type Accountant interface {
	Start(ttid string, budgetBytes int64)
	Stop()
	OOM() bool
	SetCheck(enabled bool)
}

// Demand is a task's declared resource budget.
type Demand struct {
	Mem  int64 // bytes; 0 means "no declared memory budget"
	CPUs float64
	GPUs float64
}

// Runner is implemented by a concrete task variant (ResultTask,
// ShuffleMapTask) to supply its actual work. DAGTask.Run calls Exec once the
// accountant bookkeeping has been set up. Exec must honor ctx.Done() at its
// blocking points (input iteration, disk I/O) so a cooperative interrupt can
// unwind it promptly.
type Runner interface {
	Exec(ctx context.Context, ttid TTID) error
}

// DAGTask is the common base embedded by every concrete task variant. It
// holds retry bookkeeping, the resource demand, accumulated running time,
// and the lifecycle hooks shared by every task variant.
type DAGTask struct {
	StageID   int
	TasksetID string
	Partition int

	Demand Demand

	// MultiSegmentDump mirrors the MULTI_SEGMENT_DUMP configuration flag:
	// when true, DAGTask.Run disables the accountant's eager RSS check,
	// since the shuffle-map combine loop polls RSS itself between records.
	MultiSegmentDump bool

	mu         sync.Mutex
	numTry     int
	reasonNext Reason
	tries      map[int]*Attempt
	lastStatus State

	TimeUsed  time.Duration // summed across every retry
	StageTime time.Time
	StartTime time.Time
}

// NewDAGTask constructs the base for a task identified by (stageID,
// tasksetID, partition). MultiSegmentDump starts at config.MultiSegmentDump.
func NewDAGTask(stageID int, tasksetID string, partition int) DAGTask {
	return DAGTask{
		StageID:          stageID,
		TasksetID:        tasksetID,
		Partition:        partition,
		MultiSegmentDump: config.MultiSegmentDump,
		reasonNext:       ReasonFirst,
		tries:            make(map[int]*Attempt),
	}
}

// TaskID returns this task's logical id, "S.T_P".
func (d *DAGTask) TaskID() string {
	return MakeTaskID(d.TasksetID, d.Partition)
}

// TryID returns the TTID of the current (most recent) attempt.
func (d *DAGTask) TryID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return MakeTTID(d.TaskID(), d.numTry)
}

// SetReasonNext sets the reason the *next* TryNext-created attempt will
// record. It is mutated externally by the scheduler before TryNext is
// called; DAGTask never infers it.
func (d *DAGTask) SetReasonNext(r Reason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasonNext = r
}

// TryNext increments the retry counter and stages a fresh Attempt recorded
// under the currently scheduled reason.
func (d *DAGTask) TryNext() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numTry++
	d.tries[d.numTry] = NewAttempt(d.reasonNext)
	return d.numTry
}

// NumTry returns the number of attempts started so far.
func (d *DAGTask) NumTry() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numTry
}

// UpdateStatus appends a transition to the given attempt's log and records
// it as the task's last-known state.
func (d *DAGTask) UpdateStatus(numTry int, s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.tries[numTry]
	if !ok {
		return fmt.Errorf("task: update_status: no such attempt %d", numTry)
	}
	a.Append(s)
	d.lastStatus = s
	return nil
}

// Attempt returns the Attempt log for the given retry number.
func (d *DAGTask) Attempt(numTry int) (*Attempt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.tries[numTry]
	return a, ok
}

// LastStatus returns the task's last recorded state, across all attempts.
func (d *DAGTask) LastStatus() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStatus
}

// Run is the worker entry point: it brackets the subclass's Exec
// with memory-accountant registration, translates a cooperative interrupt
// (ctx cancellation) into an OOM process exit when warranted, and always
// tears the accountant registration back down on exit.
//
// osExit is normally os.Exit; tests substitute it to observe the decision
// without actually killing the test binary.
func (d *DAGTask) Run(ctx context.Context, acct Accountant, runner Runner) (err error) {
	ttid, err := ParseTTID(d.TryID())
	if err != nil {
		return err
	}
	if d.Demand.Mem > 0 && acct != nil {
		acct.Start(ttid.String(), d.Demand.Mem)
		if d.MultiSegmentDump {
			acct.SetCheck(false)
		}
	}
	d.StartTime = time.Now()
	defer func() {
		if d.Demand.Mem > 0 && acct != nil {
			acct.SetCheck(true)
			acct.Stop()
		}
		d.TimeUsed += time.Since(d.StartTime)
	}()

	err = runner.Exec(ctx, ttid)
	if err != nil && ctx.Err() != nil {
		// The interrupt was cooperative cancellation, not an ordinary
		// error from user code. Decide OOM-exit vs. plain propagation.
		if d.Demand.Mem > 0 && acct != nil && acct.OOM() {
			log.Error.Printf("task %s: OOM detected on interrupt, exiting with code %d", ttid, OOMExitCode)
			osExit(OOMExitCode)
			return err
		}
		return ctx.Err()
	}
	return err
}

var osExit = os.Exit
