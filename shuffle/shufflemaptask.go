// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"

	"github.com/ycldragon1/dpark/task"
)

// Accountant is the subset of memory.Accountant the combine loop drives
// directly. It is declared locally, the way task.Accountant is, so this
// package doesn't depend on the accountant's concrete implementation.
type Accountant interface {
	RSS() int64
	MemLimitSoft() int64
	AfterRotate()
	SetRatio(ratio float64)
}

// ShuffleMapTask is a DAGTask that partitions and combines its input
// partition into n reducer buckets, spilling through Dumper under memory
// pressure.
type ShuffleMapTask[K comparable, V, C any] struct {
	task.DAGTask

	// Split opens this task's input partition.
	Split func(ctx context.Context) (task.Iterator[task.Record], error)

	Partitioner Partitioner[K]
	Aggregator  Aggregator[V, C]
	Dumper      Dumper[K, V, C]
	Accountant  Accountant

	// ServerURI is the worker-advertised location reducers use to fetch
	// this task's output files.
	ServerURI string

	numRotations int
}

var _ task.Runner = (*ShuffleMapTask[int, int, int])(nil)

// NumRotations returns how many times the combine loop spilled to disk
// before completion.
func (t *ShuffleMapTask[K, V, C]) NumRotations() int { return t.numRotations }

// Result returns the server URI reducers should fetch this task's output
// from, once Exec has completed successfully. The Runner contract only
// returns an error from Exec, so this is the task's advertised output,
// retrievable by whoever dispatched it the same way any other task result
// would be.
func (t *ShuffleMapTask[K, V, C]) Result() string { return t.ServerURI }

// Exec runs the adaptive combine loop.
func (t *ShuffleMapTask[K, V, C]) Exec(ctx context.Context, ttid task.TTID) error {
	it, err := t.Split(ctx)
	if err != nil {
		return err
	}

	n := t.Partitioner.NumPartitions()
	buckets := newBuckets[K, C](n)

	if t.Accountant != nil {
		// The bucket array is expected to consume roughly n/(n+1) of the
		// task's budget across n active reducers, leaving the rest as
		// spill headroom. A fresh attempt starts at accountant ratio 1.0,
		// so n/(n+1) is always the tighter bound here.
		t.Accountant.SetRatio(float64(n) / float64(n+1))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := it.Next(ctx)
		if !ok {
			break
		}
		pair, ok := rec.(recordPair[K, V])
		if !ok {
			return task.NewUserFatalError("shuffle map task %s: record is not a (key, value) pair: %T", ttid, rec)
		}

		j := t.Partitioner.Partition(pair.Key)
		if existing, ok := buckets[j][pair.Key]; ok {
			buckets[j][pair.Key] = t.Aggregator.MergeValue(existing, pair.Value)
		} else {
			buckets[j][pair.Key] = t.Aggregator.CreateCombiner(pair.Value)
		}

		if t.MultiSegmentDump && t.Accountant != nil && t.Accountant.RSS() > t.Accountant.MemLimitSoft() {
			if err := t.Dumper.Dump(ctx, buckets, false); err != nil {
				return err
			}
			buckets = newBuckets[K, C](n)
			t.Accountant.AfterRotate()
			t.numRotations++
		}
	}
	// Next also returns false once ctx is done; a cancelled run must not
	// dump or commit what it has read so far.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := it.Err(); err != nil {
		return &task.OtherFailureError{Cause: err}
	}

	if err := t.Dumper.Dump(ctx, buckets, true); err != nil {
		return err
	}
	if err := t.Dumper.Commit(ctx, t.Aggregator); err != nil {
		return err
	}
	return nil
}

func newBuckets[K comparable, C any](n int) []map[K]C {
	buckets := make([]map[K]C, n)
	for i := range buckets {
		buckets[i] = make(map[K]C)
	}
	return buckets
}

// recordPair is the concrete (key, value) shape a Record must carry; Exec
// type-asserts every input record against it, failing user-fatal on a
// mismatch.
type recordPair[K comparable, V any] struct {
	Key   K
	Value V
}

// NewRecord wraps a (key, value) pair as a task.Record suitable for feeding
// a ShuffleMapTask's input iterator.
func NewRecord[K comparable, V any](key K, value V) task.Record {
	return recordPair[K, V]{Key: key, Value: value}
}
