// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memory implements the process-wide memory accounting collaborator
// consumed by the task execution loop (see dpark/task.DAGTask.Run and
// dpark/shuffle.ShuffleMapTask.Run). It is process-global for practical
// reasons -- it reads OS-level RSS -- but is held behind a single handle
// installed at worker startup and passed to tasks explicitly, rather than
// reached for as a package-level global, per the "global state" design note.
package memory

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pbnjay/memory"
)

// Accountant tracks a worker process's memory use against a per-attempt
// budget. A single Accountant is shared by every task attempt running in one
// worker process; Start/Stop bracket one attempt's lifetime.
type Accountant interface {
	// Start registers ttid as the currently running attempt with a budget
	// of budgetBytes (0 means "no declared budget"; the accountant picks a
	// sensible default from total system memory in that case). Each Start
	// resets the ratio (see SetRatio) to 1.0.
	Start(ttid string, budgetBytes int64)

	// Stop deregisters the current attempt.
	Stop()

	// RSS polls and returns the current resident set size, in bytes. RSS
	// always reads a live value regardless of SetCheck: SetCheck governs
	// only the accountant's own eager OOM flagging, not the value callers
	// observe when they poll inline.
	RSS() int64

	// MemLimitSoft returns the current soft limit: the combine loop spills
	// when RSS crosses this threshold.
	MemLimitSoft() int64

	// OOM reports whether the accountant believes the process is at risk
	// of being killed for exceeding its memory budget.
	OOM() bool

	// AfterRotate is called once a dump/spill rotation has completed; the
	// accountant may use this to recompute MemLimitSoft based on observed
	// headroom (e.g., RSS did not actually drop as much as expected).
	AfterRotate()

	// SetCheck toggles whether the accountant eagerly flags OOM as it
	// polls. Tasks running in multi-segment-dump mode disable this around
	// their own combine loop, since they perform their own RSS comparisons
	// inline and handle spilling themselves; RSS itself keeps reading live
	// either way.
	SetCheck(enabled bool)

	// SetRatio sets the fraction of Budget the accountant should treat as
	// the nominal working-set target when computing MemLimitSoft. Smaller
	// ratios leave more headroom for spill buffers.
	SetRatio(ratio float64)
}

// Process is the default Accountant implementation: it tracks live resident
// set size and derives a soft limit from a budget (or, absent one, from
// total system memory as reported by github.com/pbnjay/memory).
type Process struct {
	mu      sync.Mutex
	ttid    string
	budget  int64
	ratio   float64
	check   int32 // atomic bool
	rss     int64 // atomic
	softLim int64 // atomic
	oom     int32 // atomic bool
}

// NewProcess returns a new process-RSS-backed accountant, ready to be
// installed once per worker process and shared across task attempts.
func NewProcess() *Process {
	return &Process{ratio: 1.0, check: 1}
}

func (p *Process) Start(ttid string, budgetBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttid = ttid
	if budgetBytes <= 0 {
		budgetBytes = int64(memory.TotalMemory()) / 2
	}
	p.budget = budgetBytes
	p.ratio = 1.0
	atomic.StoreInt32(&p.oom, 0)
	p.recomputeSoftLimitLocked()
	p.pollLocked()
}

func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttid = ""
	p.budget = 0
}

func (p *Process) RSS() int64 {
	p.mu.Lock()
	p.pollLocked()
	p.mu.Unlock()
	return atomic.LoadInt64(&p.rss)
}

func (p *Process) MemLimitSoft() int64 {
	return atomic.LoadInt64(&p.softLim)
}

func (p *Process) OOM() bool {
	return atomic.LoadInt32(&p.oom) != 0
}

func (p *Process) AfterRotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollLocked()
	p.recomputeSoftLimitLocked()
}

func (p *Process) SetCheck(enabled bool) {
	if enabled {
		atomic.StoreInt32(&p.check, 1)
	} else {
		atomic.StoreInt32(&p.check, 0)
	}
}

func (p *Process) SetRatio(ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ratio = ratio
	p.recomputeSoftLimitLocked()
}

func (p *Process) recomputeSoftLimitLocked() {
	if p.budget <= 0 {
		return
	}
	lim := int64(float64(p.budget) * p.ratio)
	atomic.StoreInt64(&p.softLim, lim)
}

// pollLocked reads the live resident set size and records it, then -- only
// when eager checking is enabled -- flags OOM if it has crossed the budget.
// rss always reflects the current reading; callers with check disabled
// still see it drop after a spill rotation frees memory, since that
// (falling RSS after AfterRotate) is exactly what the combine loop's own
// inline comparison depends on.
func (p *Process) pollLocked() {
	rss := readRSS()
	atomic.StoreInt64(&p.rss, rss)
	if atomic.LoadInt32(&p.check) != 0 && p.budget > 0 && rss > p.budget {
		atomic.StoreInt32(&p.oom, 1)
	}
}

// readRSS returns the process's current resident set size in bytes, read
// from /proc/self/statm's resident-pages field. This is unlike
// runtime.MemStats.Sys, which is cumulative address space obtained from the
// OS and never decreases even after a GC or a freed buffer. On platforms
// without /proc, this falls back to the Go heap's live size, which at least
// tracks allocations and frees instead of only ever growing.
func readRSS() int64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				return pages * int64(os.Getpagesize())
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc + ms.StackInuse)
}
