// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements a local, in-process executor for task attempts:
// it runs a batch of independently-submitted DAGTask attempts with bounded
// parallelism in this worker process. It deliberately does not schedule a
// task graph across stages, retry a taskset on a FetchFailedError, or place
// tasks across a cluster -- those are the driver's job; a FetchFailedError
// simply propagates to the caller for that decision.
package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"golang.org/x/sync/errgroup"

	"github.com/ycldragon1/dpark/task"
)

// Submission is one task attempt ready to run in this process: a DAGTask
// paired with its Runner (a ResultTask or ShuffleMapTask) and the memory
// accountant shared across every attempt in the worker.
type Submission struct {
	Task       *task.DAGTask
	Runner     task.Runner
	Accountant task.Accountant
}

// Executor runs submitted task attempts and reports executor-specific debug
// state. A Local value is the only implementation in this module; the
// interface exists so tests can substitute a fake.
type Executor interface {
	// Start prepares the executor to accept Run calls and returns a
	// shutdown function to be called when the worker exits.
	Start() (shutdown func())

	// Run runs every submission with bounded parallelism, returning one
	// error per submission (nil on success) in the same order. Run does
	// not stop early when one submission fails; callers inspect the
	// returned slice to decide what, if anything, to retry.
	Run(ctx context.Context, subs []Submission) []error

	// HandleDebug adds executor-specific debug handlers to mux.
	HandleDebug(mux *http.ServeMux)
}

// Local is an in-process Executor: it runs up to Parallelism submissions
// concurrently, using group to report per-task status the way a worker's
// status page does.
type Local struct {
	Parallelism int
	group       *status.Group
}

// NewLocal returns a Local executor bounded to parallelism concurrent task
// attempts. A parallelism of 0 or less means unbounded.
func NewLocal(parallelism int, group *status.Group) *Local {
	return &Local{Parallelism: parallelism, group: group}
}

func (l *Local) Start() (shutdown func()) {
	return func() {}
}

func (l *Local) Run(ctx context.Context, subs []Submission) []error {
	errs := make([]error, len(subs))
	if len(subs) == 0 {
		return errs
	}

	limit := l.Parallelism
	if limit <= 0 || limit > len(subs) {
		limit = len(subs)
	}
	sem := make(chan struct{}, limit)

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			errs[i] = l.runOne(gctx, sub)
			return nil
		})
	}
	// Local never aborts the batch on one submission's error: errs
	// already carries every outcome, so Wait's return value (always nil,
	// by construction above) is discarded.
	_ = g.Wait()
	return errs
}

func (l *Local) runOne(ctx context.Context, sub Submission) (err error) {
	numTry := sub.Task.TryNext()
	if l.group != nil {
		st := l.group.Startf("%s", sub.Task.TaskID())
		defer st.Done()
	}
	if uerr := sub.Task.UpdateStatus(numTry, task.Running); uerr != nil {
		log.Error.Printf("executor: %s: %v", sub.Task.TaskID(), uerr)
	}

	err = sub.Task.Run(ctx, sub.Accountant, sub.Runner)

	final := task.Finished
	if err != nil {
		final = task.Failed
		log.Error.Printf("executor: %s try %d: %v", sub.Task.TaskID(), numTry, err)
	}
	if uerr := sub.Task.UpdateStatus(numTry, final); uerr != nil {
		log.Error.Printf("executor: %s: %v", sub.Task.TaskID(), uerr)
	}
	return err
}

func (l *Local) HandleDebug(mux *http.ServeMux) {}

var _ Executor = (*Local)(nil)
