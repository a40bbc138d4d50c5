// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/ycldragon1/dpark/internal/config"
	"github.com/ycldragon1/dpark/sliceio"
)

// Dumper is the strategy object a ShuffleMapTask drives: AppendDumper and
// SortMergeDumper are its two implementations.
type Dumper[K comparable, V, C any] interface {
	// Dump materializes every non-empty bucket's current contents to a
	// temporary spill and clears nothing itself -- the caller clears the
	// in-memory buckets after Dump returns. isFinal marks the last dump of
	// the task's run.
	Dump(ctx context.Context, buckets []map[K]C, isFinal bool) error

	// Commit publishes each reducer's final output, guaranteeing every
	// reducer in [0, NumReduce) ends up with exactly one published file,
	// even one that received no records.
	Commit(ctx context.Context, agg Aggregator[V, C]) error

	// BytesDumped returns the total number of bytes written to spill
	// files across all reducers so far (in append mode, frame headers
	// included).
	BytesDumped() int64
}

// baseDumper holds the bookkeeping shared by both dumper strategies.
type baseDumper[K comparable, C any] struct {
	shuffleID, mapID, numReduce int
	workDirs                    []*WorkDir
	finalDir                    string

	tmpPaths [][]string // per-reducer list of temporaries written so far
	sizes    []int64
	numDump  int
}

func newBaseDumper[K comparable, C any](alloc PathAllocator, finalDir string, shuffleID, mapID, numReduce int) baseDumper[K, C] {
	workDirs := make([]*WorkDir, numReduce)
	for i := range workDirs {
		workDirs[i] = NewWorkDir(alloc, shuffleID, mapID, i)
	}
	return baseDumper[K, C]{
		shuffleID: shuffleID,
		mapID:     mapID,
		numReduce: numReduce,
		workDirs:  workDirs,
		finalDir:  finalDir,
		tmpPaths:  make([][]string, numReduce),
		sizes:     make([]int64, numReduce),
	}
}

func (b *baseDumper[K, C]) BytesDumped() int64 {
	var total int64
	for _, s := range b.sizes {
		total += s
	}
	return total
}

func bucketItems[K comparable, C any](bucket map[K]C) []sliceio.Pair[K, C] {
	items := make([]sliceio.Pair[K, C], 0, len(bucket))
	for k, v := range bucket {
		items = append(items, sliceio.Pair[K, C]{Key: k, Value: v})
	}
	return items
}

// logRotate logs a spill-rotation notice at info level when LOG_ROTATE is
// enabled, debug level otherwise.
func logRotate(format string, args ...interface{}) {
	if config.LogRotate {
		log.Printf(format, args...)
	} else {
		log.Debug.Printf(format, args...)
	}
}
