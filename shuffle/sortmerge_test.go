// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"os"
	"testing"

	"github.com/ycldragon1/dpark/internal/defaultsize"
	"github.com/ycldragon1/dpark/sliceio"
)

// setMaxMergeFanIn overrides defaultsize.MaxMergeFanIn for the duration of a
// test and returns the previous value for the caller to restore.
func setMaxMergeFanIn(n int) int {
	old := defaultsize.MaxMergeFanIn
	defaultsize.MaxMergeFanIn = n
	return old
}

func concatAggregator() Aggregator[string, string] {
	return Aggregator[string, string]{
		CreateCombiner: func(v string) string { return v },
		MergeValue:     func(c, v string) string { return c + v },
		MergeCombiners: func(a, b string) string { return a + b },
	}
}

func lessInt(a, b int) bool { return a < b }

// TestSortMergeOrder checks that two spills to one reducer merge into a
// single globally sorted, fully-combined stream.
func TestSortMergeOrder(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	d := NewSortMergeDumper[int, string, string](alloc, dir+"/final", 0, 0, 1, lessInt)
	agg := concatAggregator()
	ctx := context.Background()

	spill1 := map[int]string{2: "a", 1: "b"}
	if err := d.Dump(ctx, []map[int]string{spill1}, false); err != nil {
		t.Fatalf("Dump(spill1): %v", err)
	}
	spill2 := map[int]string{1: "c", 3: "d"}
	if err := d.Dump(ctx, []map[int]string{spill2}, true); err != nil {
		t.Fatalf("Dump(spill2): %v", err)
	}
	if err := d.Commit(ctx, agg); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wd := NewWorkDir(alloc, 0, 0, 0)
	got := readSortedStream[int, string](t, wd.FinalPath(dir+"/final"))

	want := []sliceio.Pair[int, string]{{1, "bc"}, {2, "a"}, {3, "d"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d: got %+v, want %+v (full: got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

// TestSortMergeCascadesBeyondFanIn exercises the bounded-fan-in cascade:
// more spills than MaxMergeFanIn must still produce one correctly sorted,
// fully-combined output file.
func TestSortMergeCascadesBeyondFanIn(t *testing.T) {
	dir := t.TempDir()
	alloc := NewLocalDisk(dir, "", 0)
	d := NewSortMergeDumper[int, int, int](alloc, dir+"/final", 0, 0, 1, lessInt)
	agg := sumAggregator()
	ctx := context.Background()

	const numSpills = 7 // exceeds a small fan-in set below
	origFanIn := setMaxMergeFanIn(2)
	defer setMaxMergeFanIn(origFanIn)

	for i := 0; i < numSpills; i++ {
		bucket := map[int]int{i % 3: i}
		final := i == numSpills-1
		if err := d.Dump(ctx, []map[int]int{bucket}, final); err != nil {
			t.Fatalf("Dump(%d): %v", i, err)
		}
	}
	if err := d.Commit(ctx, agg); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wd := NewWorkDir(alloc, 0, 0, 0)
	got := readSortedStream[int, int](t, wd.FinalPath(dir+"/final"))

	want := map[int]int{}
	for i := 0; i < numSpills; i++ {
		want[i%3] += i
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	prevKey := -1
	for _, p := range got {
		if p.Key <= prevKey {
			t.Fatalf("output not strictly ordered: %v", got)
		}
		prevKey = p.Key
		if p.Value != want[p.Key] {
			t.Fatalf("key %d: got %d, want %d", p.Key, p.Value, want[p.Key])
		}
	}
}

func readSortedStream[K comparable, C any](t *testing.T, path string) []sliceio.Pair[K, C] {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var ser StreamSerializer[K, C]
	r := ser.LoadStream(f)
	ctx := context.Background()
	var out []sliceio.Pair[K, C]
	buf := make([]sliceio.Pair[K, C], 16)
	for {
		n, err := r.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if err == sliceio.EOF {
				break
			}
			t.Fatalf("read: %v", err)
		}
	}
	return out
}
