// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bufio"
	"context"
	"os"
	"sort"
	"time"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"golang.org/x/sync/errgroup"

	"github.com/ycldragon1/dpark/internal/defaultsize"
	"github.com/ycldragon1/dpark/sliceio"
)

// maxSpillRetries bounds how many times openSpillWithRetry reopens a spill
// file before giving up: a spill file that is genuinely gone or permanently
// unreadable (not just transiently busy) must not hang Commit forever.
const maxSpillRetries = 8

// spillRetryPolicy governs retrying a failed open of a spill file during
// merge. Read errors once a spill is open are not retried.
var spillRetryPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, time.Second, 1.5), maxSpillRetries)

// SortMergeDumper is the sort-merge-mode bucket dumper: every
// Dump writes a fresh, key-sorted temporary per reducer; Commit merges
// however many temporaries accumulated into one globally sorted,
// fully-combined final file.
type SortMergeDumper[K comparable, V, C any] struct {
	baseDumper[K, C]
	less        LessFunc[K]
	openLimiter *limiter.Limiter
}

var _ Dumper[int, int, int] = (*SortMergeDumper[int, int, int])(nil)

// NewSortMergeDumper returns a sort-merge-mode dumper. less must be a total
// order consistent across every call for the lifetime of the dumper.
func NewSortMergeDumper[K comparable, V, C any](alloc PathAllocator, finalDir string, shuffleID, mapID, numReduce int, less LessFunc[K]) *SortMergeDumper[K, V, C] {
	lim := limiter.New()
	fanIn := defaultsize.MaxMergeFanIn
	if fanIn < 1 {
		fanIn = 1
	}
	lim.Release(fanIn)
	return &SortMergeDumper[K, V, C]{
		baseDumper:  newBaseDumper[K, C](alloc, finalDir, shuffleID, mapID, numReduce),
		less:        less,
		openLimiter: lim,
	}
}

func (d *SortMergeDumper[K, V, C]) Dump(ctx context.Context, buckets []map[K]C, isFinal bool) error {
	var ser StreamSerializer[K, C]
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		items := bucketItems(bucket)
		sort.Slice(items, func(a, b int) bool { return d.less(items[a].Key, items[b].Key) })

		path, err := d.workDirs[i].AllocTmp(false, 0)
		if err != nil {
			return err
		}
		n, err := d.writeSortedTmp(path, ser, items)
		if err != nil {
			return err
		}
		d.tmpPaths[i] = append(d.tmpPaths[i], path)
		d.sizes[i] += int64(n)
	}
	d.numDump++
	logRotate("sort-merge dumper: rotate %d complete, %d bytes so far", d.numDump, d.BytesDumped())
	return nil
}

// writeSortedTmp writes items, already sorted by d.less, to path as a
// self-delimiting stream and returns the number of bytes written.
func (d *SortMergeDumper[K, V, C]) writeSortedTmp(path string, ser StreamSerializer[K, C], items []sliceio.Pair[K, C]) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := &countingWriter{w: bufio.NewWriter(f)}
	if err := ser.DumpStream(items, w); err != nil {
		return 0, err
	}
	if err := w.w.Flush(); err != nil {
		return 0, err
	}
	return w.n, nil
}

type countingWriter struct {
	w *bufio.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

func (d *SortMergeDumper[K, V, C]) Commit(ctx context.Context, agg Aggregator[V, C]) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.numReduce; i++ {
		reduceID := i
		g.Go(func() error {
			return d.commitReducer(gctx, reduceID, agg)
		})
	}
	return g.Wait()
}

func (d *SortMergeDumper[K, V, C]) commitReducer(ctx context.Context, reduceID int, agg Aggregator[V, C]) error {
	finalPath := d.workDirs[reduceID].FinalPath(d.finalDir)
	tmps := d.tmpPaths[reduceID]
	switch len(tmps) {
	case 0:
		return d.dumpEmptyBucket(reduceID, finalPath)
	case 1:
		return d.workDirs[reduceID].Export(tmps[0], finalPath)
	}
	merged, err := d.mergeAll(ctx, reduceID, agg, tmps)
	if err != nil {
		return err
	}
	return d.workDirs[reduceID].Export(merged, finalPath)
}

// dumpEmptyBucket writes a zero-item sorted stream and publishes it, so
// every reducer always sees an output file.
func (d *SortMergeDumper[K, V, C]) dumpEmptyBucket(reduceID int, finalPath string) error {
	var ser StreamSerializer[K, C]
	path, err := d.workDirs[reduceID].AllocTmp(false, 0)
	if err != nil {
		return err
	}
	if _, err := d.writeSortedTmp(path, ser, nil); err != nil {
		return err
	}
	return d.workDirs[reduceID].Export(path, finalPath)
}

// mergeAll cascades a k-way merge over tmps in batches bounded by
// defaultsize.MaxMergeFanIn, so no single merge pass holds more than that
// many spill files open at once.
func (d *SortMergeDumper[K, V, C]) mergeAll(ctx context.Context, reduceID int, agg Aggregator[V, C], tmps []string) (string, error) {
	current := tmps
	fanIn := defaultsize.MaxMergeFanIn
	if fanIn < 2 {
		fanIn = 2
	}
	for len(current) > 1 {
		var next []string
		for start := 0; start < len(current); start += fanIn {
			end := start + fanIn
			if end > len(current) {
				end = len(current)
			}
			batch := current[start:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			merged, err := d.mergeBatch(ctx, reduceID, agg, batch)
			if err != nil {
				return "", err
			}
			next = append(next, merged)
		}
		current = next
	}
	return current[0], nil
}

// mergeBatch merges exactly one fan-in-bounded batch of sorted spill files
// into a single new sorted spill file, bounding how many of the batch's
// files are open simultaneously via d.openLimiter.
func (d *SortMergeDumper[K, V, C]) mergeBatch(ctx context.Context, reduceID int, agg Aggregator[V, C], batch []string) (string, error) {
	if err := d.openLimiter.Acquire(ctx, len(batch)); err != nil {
		return "", err
	}
	defer d.openLimiter.Release(len(batch))

	files := make([]*os.File, len(batch))
	readers := make([]sliceio.Reader[K, C], len(batch))
	var ser StreamSerializer[K, C]
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()
	for i, path := range batch {
		f, err := openSpillWithRetry(ctx, path)
		if err != nil {
			return "", err
		}
		files[i] = f
		readers[i] = ser.LoadStream(bufio.NewReader(f))
	}

	outPath, err := d.workDirs[reduceID].AllocTmp(false, 0)
	if err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(out)
	enc := sliceio.NewEncoder[K, C](w)

	err = mergeSorted[K, C](ctx, readers, d.less, agg.MergeCombiners, func(p sliceio.Pair[K, C]) error {
		return enc.Encode([]sliceio.Pair[K, C]{p})
	})
	if err != nil {
		out.Close()
		return "", err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	for _, path := range batch {
		if err := os.Remove(path); err != nil {
			log.Debug.Printf("sort-merge dumper: leaving stale spill %s: %v", path, err)
		}
	}
	return outPath, nil
}

// openSpillWithRetry reopens a just-written local spill file on transient
// errors using a bounded backoff policy. Once spillRetryPolicy is exhausted
// (or ctx is done) it gives up and returns the underlying os.Open error
// rather than retry.Wait's own error, so callers see why the open actually
// failed.
func openSpillWithRetry(ctx context.Context, path string) (*os.File, error) {
	var retries int
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if retries == 0 {
			log.Debug.Printf("sort-merge dumper: open %s failed, retrying: %v", path, err)
		}
		retries++
		if werr := retry.Wait(ctx, spillRetryPolicy, retries); werr != nil {
			return nil, err
		}
	}
}
