// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"context"
	"fmt"
	"time"
)

// Iterator is a finite, non-restartable sequence of records, the input
// partition contract consumed by both ResultTask and ShuffleMapTask (spec
// §6, "Input partition iterator"). Next returns false once the sequence is
// exhausted or ctx is done; callers must check ctx.Err() in that case to
// distinguish the two.
type Iterator[T any] interface {
	Next(ctx context.Context) (T, bool)
	Err() error
}

// ResultTask applies a user function to an input partition and returns the
// function's result. R is the element type of the partition; Out is the
// task's result type.
type ResultTask[R, Out any] struct {
	DAGTask

	// Split opens this task's input partition.
	Split func(ctx context.Context) (Iterator[R], error)

	// Func is the unit of work: a pure function from the partition
	// iterator to a result value.
	Func func(ctx context.Context, it Iterator[R]) (Out, error)

	// Locs are preferred worker locations for this task's partition.
	Locs []string

	// OutputID is the task's slot in the driver's result array.
	OutputID int

	// Result is populated by Exec on success.
	Result Out

	// SecsAll records the wall-clock duration of the most recent Exec.
	SecsAll time.Duration
}

var _ Runner = (*ResultTask[int, int])(nil)

// PreferredLocations returns the task's preferred worker locations.
func (t *ResultTask[R, Out]) PreferredLocations() []string { return t.Locs }

// Exec drives the input iterator through Func and records the result. Any
// error from Func propagates wrapped as an OtherFailureError; the executor
// is expected to translate that into a terminal Failed state with
// EndReason ReasonOtherFailure.
func (t *ResultTask[R, Out]) Exec(ctx context.Context, ttid TTID) error {
	it, err := t.Split(ctx)
	if err != nil {
		return fmt.Errorf("result task %s: open split: %w", ttid, err)
	}
	t0 := time.Now()
	res, err := t.Func(ctx, it)
	t.SecsAll = time.Since(t0)
	if err != nil {
		return &OtherFailureError{Cause: err}
	}
	t.Result = res
	return nil
}
