// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"container/heap"
	"context"

	"github.com/ycldragon1/dpark/sliceio"
)

// LessFunc is a total order over K, required by sort-merge mode: K being
// comparable alone doesn't imply an order.
type LessFunc[K any] func(a, b K) bool

// mergeReadBatch bounds how many items mergeSource pulls from its
// underlying Reader at a time, keeping per-source memory use bounded and
// independent of the reader's total stream length.
const mergeReadBatch = 4096

// mergeSource serves one item at a time from a batched Reader, refilling
// its window as it's consumed.
type mergeSource[K comparable, C any] struct {
	r       sliceio.Reader[K, C]
	scratch []sliceio.Pair[K, C]
	buf     []sliceio.Pair[K, C]
	pos     int
	eof     bool
	next    sliceio.Pair[K, C]
	ok      bool
}

func newMergeSource[K comparable, C any](ctx context.Context, r sliceio.Reader[K, C]) (*mergeSource[K, C], error) {
	s := &mergeSource[K, C]{r: r, scratch: make([]sliceio.Pair[K, C], mergeReadBatch)}
	if err := s.advance(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mergeSource[K, C]) refill(ctx context.Context) error {
	if s.eof {
		return nil
	}
	n, err := s.r.Read(ctx, s.scratch)
	s.buf = s.scratch[:n]
	s.pos = 0
	if err != nil {
		if err == sliceio.EOF {
			s.eof = true
		} else {
			return err
		}
	}
	return nil
}

func (s *mergeSource[K, C]) advance(ctx context.Context) error {
	for s.pos >= len(s.buf) && !s.eof {
		if err := s.refill(ctx); err != nil {
			return err
		}
	}
	s.ok = s.pos < len(s.buf)
	if s.ok {
		s.next = s.buf[s.pos]
		s.pos++
	}
	return nil
}

type heapItem[K comparable, C any] struct {
	src *mergeSource[K, C]
}

type keyHeap[K comparable, C any] struct {
	items []heapItem[K, C]
	less  LessFunc[K]
}

func (h *keyHeap[K, C]) Len() int { return len(h.items) }
func (h *keyHeap[K, C]) Less(i, j int) bool {
	return h.less(h.items[i].src.next.Key, h.items[j].src.next.Key)
}
func (h *keyHeap[K, C]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *keyHeap[K, C]) Push(x interface{}) {
	h.items = append(h.items, x.(heapItem[K, C]))
}
func (h *keyHeap[K, C]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeSorted k-way merges readers, each already individually sorted by
// less, into a single globally sorted sequence with exactly one combined
// value per key (folding equal keys with mergeCombiners), calling emit for
// each output pair in ascending order. Memory use is O(number of readers),
// independent of total input size.
func mergeSorted[K comparable, C any](
	ctx context.Context,
	readers []sliceio.Reader[K, C],
	less LessFunc[K],
	mergeCombiners func(C, C) C,
	emit func(sliceio.Pair[K, C]) error,
) error {
	h := &keyHeap[K, C]{less: less}
	for _, r := range readers {
		src, err := newMergeSource[K, C](ctx, r)
		if err != nil {
			return err
		}
		if src.ok {
			heap.Push(h, heapItem[K, C]{src: src})
		}
	}

	var (
		havePending bool
		pending     sliceio.Pair[K, C]
	)
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem[K, C])
		item := top.src.next
		if err := top.src.advance(ctx); err != nil {
			return err
		}
		if top.src.ok {
			heap.Push(h, top)
		}

		equal := havePending && !less(pending.Key, item.Key) && !less(item.Key, pending.Key)
		switch {
		case equal:
			pending.Value = mergeCombiners(pending.Value, item.Value)
		case havePending:
			if err := emit(pending); err != nil {
				return err
			}
			pending = item
		default:
			pending = item
			havePending = true
		}
	}
	if havePending {
		return emit(pending)
	}
	return nil
}
