// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"sort"
	"testing"

	"github.com/ycldragon1/dpark/sliceio"
)

func sumAggregator() Aggregator[int, int] {
	return Aggregator[int, int]{
		CreateCombiner: func(v int) int { return v },
		MergeValue:     func(c, v int) int { return c + v },
		MergeCombiners: func(a, b int) int { return a + b },
	}
}

func decodeSingleFile(t *testing.T, path string) map[int]int {
	t.Helper()
	segments, err := ReadAppendFile[int, int](path)
	if err != nil {
		t.Fatalf("ReadAppendFile(%s): %v", path, err)
	}
	out := make(map[int]int)
	for _, seg := range segments {
		for _, p := range seg {
			out[p.Key] += p.Value // the segments are already per-key combined; += only matters across segments
		}
	}
	return out
}

// TestAppendDumperThreeReducerNoSpill checks a single dump/commit pass
// across three reducers with no spill in between.
func TestAppendDumperThreeReducerNoSpill(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	d := NewAppendDumper[int, int, int](alloc, dir+"/final", 0, 0, 3)

	part := NewHashPartitioner[int](3, func(k int) uint64 { return uint64(k) })
	agg := sumAggregator()

	input := []sliceio.Pair[int, int]{{0, 1}, {1, 2}, {0, 3}, {2, 4}, {1, 5}}
	buckets := newBuckets[int, int](3)
	for _, p := range input {
		j := part.Partition(p.Key)
		if c, ok := buckets[j][p.Key]; ok {
			buckets[j][p.Key] = agg.MergeValue(c, p.Value)
		} else {
			buckets[j][p.Key] = agg.CreateCombiner(p.Value)
		}
	}

	ctx := context.Background()
	if err := d.Dump(ctx, buckets, true); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if err := d.Commit(ctx, agg); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	want := map[int]map[int]int{
		0: {0: 4},
		1: {1: 7},
		2: {2: 4},
	}
	for reduceID, wantBucket := range want {
		wd := NewWorkDir(alloc, 0, 0, reduceID)
		got := decodeSingleFile(t, wd.FinalPath(dir+"/final"))
		if len(got) != len(wantBucket) {
			t.Fatalf("reducer %d: got %v, want %v", reduceID, got, wantBucket)
		}
		for k, v := range wantBucket {
			if got[k] != v {
				t.Fatalf("reducer %d: key %d = %d, want %d", reduceID, k, got[k], v)
			}
		}
	}
}

// TestAppendDumperSpillPreservesSum checks that forcing spills partway
// through does not change the final combined result.
func TestAppendDumperSpillPreservesSum(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	d := NewAppendDumper[int, int, int](alloc, dir+"/final", 0, 0, 3)

	part := NewHashPartitioner[int](3, func(k int) uint64 { return uint64(k) })
	agg := sumAggregator()

	input := []sliceio.Pair[int, int]{{0, 1}, {1, 2}, {0, 3}, {2, 4}, {1, 5}}
	ctx := context.Background()

	buckets := newBuckets[int, int](3)
	spillAfter := map[int]bool{2: true, 4: true}
	for i, p := range input {
		j := part.Partition(p.Key)
		if c, ok := buckets[j][p.Key]; ok {
			buckets[j][p.Key] = agg.MergeValue(c, p.Value)
		} else {
			buckets[j][p.Key] = agg.CreateCombiner(p.Value)
		}
		if spillAfter[i+1] {
			if err := d.Dump(ctx, buckets, false); err != nil {
				t.Fatalf("Dump(spill): %v", err)
			}
			buckets = newBuckets[int, int](3)
		}
	}
	if err := d.Dump(ctx, buckets, true); err != nil {
		t.Fatalf("Dump(final): %v", err)
	}
	if err := d.Commit(ctx, agg); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	want := map[int]map[int]int{
		0: {0: 4},
		1: {1: 7},
		2: {2: 4},
	}
	for reduceID, wantBucket := range want {
		wd := NewWorkDir(alloc, 0, 0, reduceID)
		segments, err := ReadAppendFile[int, int](wd.FinalPath(dir + "/final"))
		if err != nil {
			t.Fatalf("ReadAppendFile: %v", err)
		}
		got := make(map[int]int)
		for _, seg := range segments {
			for _, p := range seg {
				got[p.Key] += p.Value
			}
		}
		for k, v := range wantBucket {
			if got[k] != v {
				t.Fatalf("reducer %d: key %d = %d, want %d (segments=%v)", reduceID, k, got[k], v, segments)
			}
		}
	}
}

// TestAppendDumperEmptyBucketGuarantee checks that every reducer in [0, n)
// gets exactly one published file, even with no input.
func TestAppendDumperEmptyBucketGuarantee(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	d := NewAppendDumper[int, int, int](alloc, dir+"/final", 0, 0, 4)

	part := NewHashPartitioner[int](4, func(k int) uint64 { return uint64(k) })
	agg := sumAggregator()

	input := []sliceio.Pair[int, int]{{0, 1}, {0, 2}}
	buckets := newBuckets[int, int](4)
	for _, p := range input {
		j := part.Partition(p.Key)
		if c, ok := buckets[j][p.Key]; ok {
			buckets[j][p.Key] = agg.MergeValue(c, p.Value)
		} else {
			buckets[j][p.Key] = agg.CreateCombiner(p.Value)
		}
	}

	ctx := context.Background()
	if err := d.Dump(ctx, buckets, true); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if err := d.Commit(ctx, agg); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for reduceID := 0; reduceID < 4; reduceID++ {
		wd := NewWorkDir(alloc, 0, 0, reduceID)
		segments, err := ReadAppendFile[int, int](wd.FinalPath(dir + "/final"))
		if err != nil {
			t.Fatalf("reducer %d: ReadAppendFile: %v", reduceID, err)
		}
		var keys []int
		for _, seg := range segments {
			for _, p := range seg {
				keys = append(keys, p.Key)
			}
		}
		sort.Ints(keys)
		if reduceID == 0 {
			if len(keys) != 1 || keys[0] != 0 {
				t.Fatalf("reducer 0: got keys %v, want [0]", keys)
			}
		} else if len(keys) != 0 {
			t.Fatalf("reducer %d: got keys %v, want none", reduceID, keys)
		}
	}
}
