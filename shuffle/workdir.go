// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
)

// PathAllocator mints unique temporary paths for spill files and publishes
// a temporary as a slot's final output.
//
// memFirst and datasizeHint are both advisory. Implementations should prefer
// a memory-backed temporary when memFirst is set and datasizeHint is small,
// and must otherwise fall back to a disk-backed path, including on any
// failure to allocate memory-backed storage.
type PathAllocator interface {
	AllocTmp(memFirst bool, datasizeHint int64) (string, error)
	Export(tmpPath, finalPath string) error
}

// LocalDisk is a PathAllocator backed by two directories: a normal disk
// directory, and (optionally) a tmpfs-style memory-backed directory used
// when a caller hints that the data is both final and small.
type LocalDisk struct {
	DiskDir   string
	MemDir    string // empty disables memory-backed allocation
	MemMaxHint int64 // only honor memFirst when datasizeHint <= this; <= 0 means no limit

	seq int64
}

// NewLocalDisk returns a LocalDisk allocator rooted at diskDir, optionally
// backed by a memory directory (e.g. a tmpfs mount) for small final dumps.
func NewLocalDisk(diskDir, memDir string, memMaxHint int64) *LocalDisk {
	return &LocalDisk{DiskDir: diskDir, MemDir: memDir, MemMaxHint: memMaxHint}
}

func (a *LocalDisk) AllocTmp(memFirst bool, datasizeHint int64) (string, error) {
	n := atomic.AddInt64(&a.seq, 1)
	name := fmt.Sprintf("shuffle-%d-%d.tmp", os.Getpid(), n)
	if memFirst && a.MemDir != "" && (a.MemMaxHint <= 0 || datasizeHint <= a.MemMaxHint) {
		path := filepath.Join(a.MemDir, name)
		if f, err := os.Create(path); err == nil {
			f.Close()
			return path, nil
		}
		log.Debug.Printf("shuffle: memory-backed alloc failed, falling back to disk")
	}
	path := filepath.Join(a.DiskDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("shuffle: alloc tmp: %w", err)
	}
	return path, f.Close()
}

func (a *LocalDisk) Export(tmpPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("shuffle: export: mkdir: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("shuffle: export %s -> %s: %w", tmpPath, finalPath, err)
	}
	return nil
}

// WorkDir is an addressable slot on local disk for one (map, reduce)
// output. Export is idempotent: replaying the same task-try's commit does
// not double-publish.
type WorkDir struct {
	Alloc     PathAllocator
	ShuffleID int
	MapID     int
	ReduceID  int

	exportOnce once.Task
}

// NewWorkDir returns the work dir slot for (shuffleID, mapID, reduceID).
func NewWorkDir(alloc PathAllocator, shuffleID, mapID, reduceID int) *WorkDir {
	return &WorkDir{Alloc: alloc, ShuffleID: shuffleID, MapID: mapID, ReduceID: reduceID}
}

// FinalPath is the canonical path of this slot's published output.
func (w *WorkDir) FinalPath(baseDir string) string {
	return filepath.Join(baseDir,
		fmt.Sprintf("shuffle_%d", w.ShuffleID),
		fmt.Sprintf("%d", w.MapID),
		fmt.Sprintf("%d", w.ReduceID))
}

// AllocTmp mints a new temporary path for this slot.
func (w *WorkDir) AllocTmp(memFirst bool, datasizeHint int64) (string, error) {
	return w.Alloc.AllocTmp(memFirst, datasizeHint)
}

// Export atomically publishes tmpPath as this slot's final output. Calling
// Export more than once for the same WorkDir is a no-op after the first
// successful call, so a replayed commit (same task-try-id) is safe.
func (w *WorkDir) Export(tmpPath, finalPath string) error {
	return w.exportOnce.Do(func() error {
		return w.Alloc.Export(tmpPath, finalPath)
	})
}
