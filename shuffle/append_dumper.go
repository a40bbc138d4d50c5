// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/ycldragon1/dpark/sliceio"
)

// AppendDumper is the append-mode bucket dumper: one final file per reducer,
// built from one or more appended framed segments.
type AppendDumper[K comparable, V, C any] struct {
	baseDumper[K, C]
}

var _ Dumper[int, int, int] = (*AppendDumper[int, int, int])(nil)

// NewAppendDumper returns an append-mode dumper for one shuffle-map task's
// output.
func NewAppendDumper[K comparable, V, C any](alloc PathAllocator, finalDir string, shuffleID, mapID, numReduce int) *AppendDumper[K, V, C] {
	return &AppendDumper[K, V, C]{newBaseDumper[K, C](alloc, finalDir, shuffleID, mapID, numReduce)}
}

func (d *AppendDumper[K, V, C]) Dump(ctx context.Context, buckets []map[K]C, isFinal bool) error {
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		items := bucketItems(bucket)
		isMarshal, encoded, err := encodeItems[K, C](items)
		if err != nil {
			return err
		}
		payload := compress(encoded)

		tmpPath, err := d.tmpFor(i, isFinal, int64(len(payload)))
		if err != nil {
			return err
		}
		n, err := d.appendFrame(tmpPath, isMarshal, payload)
		if err != nil {
			return err
		}
		d.sizes[i] += int64(n)
	}
	d.numDump++
	logRotate("append dumper: rotate %d complete, %d bytes so far", d.numDump, d.BytesDumped())
	return nil
}

// tmpFor implements the append-mode temporary-path policy: one temporary
// per reducer, reused across rotations; a final, first-ever,
// small bucket hints memFirst to the allocator, everything else is
// disk-backed.
func (d *AppendDumper[K, V, C]) tmpFor(reduceID int, isFinal bool, hintSize int64) (string, error) {
	if existing := d.tmpPaths[reduceID]; len(existing) > 0 {
		return existing[0], nil
	}
	memFirst := d.numDump == 0 && isFinal
	path, err := d.workDirs[reduceID].AllocTmp(memFirst, hintSize)
	if err != nil {
		return "", err
	}
	d.tmpPaths[reduceID] = append(d.tmpPaths[reduceID], path)
	return path, nil
}

// appendFrame writes header||payload to path, removing a stray leftover
// file from a prior attempt before the very first write.
func (d *AppendDumper[K, V, C]) appendFrame(path string, isMarshal bool, payload []byte) (int, error) {
	if d.numDump == 0 {
		if _, err := os.Stat(path); err == nil {
			log.Printf("shuffle: removing stray dump %s from a prior attempt", path)
			if err := os.Remove(path); err != nil {
				return 0, fmt.Errorf("shuffle: remove stray dump: %w", err)
			}
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("shuffle: open %s: %w", path, err)
	}
	defer f.Close()
	return writeFrame(f, isMarshal, payload)
}

func (d *AppendDumper[K, V, C]) Commit(ctx context.Context, agg Aggregator[V, C]) error {
	for i := 0; i < d.numReduce; i++ {
		finalPath := d.workDirs[i].FinalPath(d.finalDir)
		if tmps := d.tmpPaths[i]; len(tmps) > 0 {
			if err := d.workDirs[i].Export(tmps[0], finalPath); err != nil {
				return err
			}
			continue
		}
		if err := d.dumpEmptyBucket(i, finalPath); err != nil {
			return err
		}
	}
	return nil
}

// dumpEmptyBucket writes exactly one zero-item frame and publishes it, so
// every reducer always sees an output file.
func (d *AppendDumper[K, V, C]) dumpEmptyBucket(reduceID int, finalPath string) error {
	isMarshal, encoded, err := encodeItems[K, C](nil)
	if err != nil {
		return err
	}
	payload := compress(encoded)
	path, err := d.workDirs[reduceID].AllocTmp(false, int64(len(payload)))
	if err != nil {
		return err
	}
	if _, err := d.appendFrame(path, isMarshal, payload); err != nil {
		return err
	}
	return d.workDirs[reduceID].Export(path, finalPath)
}

// ReadAppendFile decodes every frame in an append-mode final file, yielding
// the list-of-lists of (k, v) pairs that were originally dumped.
func ReadAppendFile[K comparable, C any](path string) ([][]sliceio.Pair[K, C], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segments [][]sliceio.Pair[K, C]
	for {
		h, payload, err := readFrame(f)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		decoded, err := decompress(payload)
		if err != nil {
			return nil, err
		}
		items, err := decodeItems[K, C](h.IsMarshal, decoded)
		if err != nil {
			return nil, err
		}
		segments = append(segments, items)
	}
	return segments, nil
}
