// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"os"
	"testing"

	"github.com/ycldragon1/dpark/task"
)

type sliceIterator struct {
	items []task.Record
	pos   int
}

func (s *sliceIterator) Next(ctx context.Context) (task.Record, bool) {
	if s.pos >= len(s.items) {
		return nil, false
	}
	v := s.items[s.pos]
	s.pos++
	return v, true
}

func (s *sliceIterator) Err() error { return nil }

// fakeAccountant lets a test force a spill rotation every spillAt records
// by reporting RSS above MemLimitSoft once spillAt polls have been seen
// since the last rotation; AfterRotate resets the count.
type fakeAccountant struct {
	spillAt  int
	seen     int
	rotations int
	ratio    float64
}

func (a *fakeAccountant) RSS() int64 {
	a.seen++
	if a.spillAt > 0 && a.seen >= a.spillAt {
		return 2
	}
	return 0
}
func (a *fakeAccountant) MemLimitSoft() int64    { return 1 }
func (a *fakeAccountant) AfterRotate()           { a.rotations++; a.seen = 0 }
func (a *fakeAccountant) SetRatio(ratio float64) { a.ratio = ratio }

// TestShuffleMapTaskMalformedRecord checks that a record which doesn't
// destructure to a (k, v) pair fails user-fatal, and no file is published
// for the attempt.
func TestShuffleMapTaskMalformedRecord(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	dumper := NewAppendDumper[int, int, int](alloc, dir+"/final", 0, 0, 2)

	part := NewHashPartitioner[int](2, func(k int) uint64 { return uint64(k) })
	agg := sumAggregator()

	records := []task.Record{NewRecord(0, 1), 42, NewRecord(1, 2)}
	mt := &ShuffleMapTask[int, int, int]{
		Split: func(ctx context.Context) (task.Iterator[task.Record], error) {
			return &sliceIterator{items: records}, nil
		},
		Partitioner: part,
		Aggregator:  agg,
		Dumper:      dumper,
	}

	ttid := task.TTID{StageID: 1, StageTry: 1, Partition: 0, TaskTry: 0}
	err := mt.Exec(context.Background(), ttid)
	if err == nil {
		t.Fatal("expected a user-fatal error for the malformed record")
	}
	if _, ok := err.(*task.UserFatalError); ok {
		t.Fatal("error should be wrapped with errors.Fatal, not a bare *UserFatalError")
	}

	for reduceID := 0; reduceID < 2; reduceID++ {
		wd := NewWorkDir(alloc, 0, 0, reduceID)
		if _, statErr := os.Stat(wd.FinalPath(dir + "/final")); statErr == nil {
			t.Fatalf("reducer %d: a final file was published despite the fatal error", reduceID)
		}
	}
}

// TestShuffleMapTaskSpillsOnMemoryPressure exercises the adaptive combine
// loop's rotation path: it must actually invoke the dumper mid-run when RSS
// crosses the soft limit, and still produce the full, correctly combined
// output.
func TestShuffleMapTaskSpillsOnMemoryPressure(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	dumper := NewAppendDumper[int, int, int](alloc, dir+"/final", 0, 0, 3)

	part := NewHashPartitioner[int](3, func(k int) uint64 { return uint64(k) })
	agg := sumAggregator()

	records := []task.Record{
		NewRecord(0, 1), NewRecord(1, 2), NewRecord(0, 3), NewRecord(2, 4), NewRecord(1, 5),
	}

	acct := &fakeAccountant{spillAt: 2}
	mt := &ShuffleMapTask[int, int, int]{
		Split: func(ctx context.Context) (task.Iterator[task.Record], error) {
			return &sliceIterator{items: records}, nil
		},
		Partitioner: part,
		Aggregator:  agg,
		Dumper:      dumper,
		Accountant:  acct,
	}
	mt.MultiSegmentDump = true

	ttid := task.TTID{StageID: 1, StageTry: 1, Partition: 0, TaskTry: 0}
	if err := mt.Exec(context.Background(), ttid); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if mt.NumRotations() == 0 {
		t.Fatal("expected at least one spill rotation")
	}
	if acct.rotations == 0 {
		t.Fatal("accountant was never notified of a rotation")
	}

	want := map[int]map[int]int{0: {0: 4}, 1: {1: 7}, 2: {2: 4}}
	for reduceID, wantBucket := range want {
		wd := NewWorkDir(alloc, 0, 0, reduceID)
		segments, err := ReadAppendFile[int, int](wd.FinalPath(dir + "/final"))
		if err != nil {
			t.Fatalf("reducer %d: ReadAppendFile: %v", reduceID, err)
		}
		got := make(map[int]int)
		for _, seg := range segments {
			for _, p := range seg {
				got[p.Key] += p.Value
			}
		}
		for k, v := range wantBucket {
			if got[k] != v {
				t.Fatalf("reducer %d: key %d = %d, want %d", reduceID, k, got[k], v)
			}
		}
	}
}
