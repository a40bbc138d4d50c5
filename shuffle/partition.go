// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle implements the shuffle-map task's adaptive combine/spill
// loop and the two bucket-dumper layouts: append mode and sort-merge mode.
package shuffle

// Partitioner assigns a key to one of NumPartitions reducers. Implementations
// must be pure, deterministic, and hash-stable across workers.
type Partitioner[K comparable] interface {
	NumPartitions() int
	Partition(key K) int
}

// HashPartitioner is the default Partitioner: it distributes keys across n
// reducers using a caller-supplied hash function, modulo n.
type HashPartitioner[K comparable] struct {
	N    int
	Hash func(K) uint64
}

// NewHashPartitioner returns a HashPartitioner over n reducers using hash.
func NewHashPartitioner[K comparable](n int, hash func(K) uint64) *HashPartitioner[K] {
	if n <= 0 {
		panic("shuffle: NewHashPartitioner: n must be positive")
	}
	return &HashPartitioner[K]{N: n, Hash: hash}
}

func (p *HashPartitioner[K]) NumPartitions() int { return p.N }

func (p *HashPartitioner[K]) Partition(key K) int {
	return int(p.Hash(key) % uint64(p.N))
}

// Aggregator is the (create_combiner, merge_value, merge_combiners) triple
// driving the combine loop. MergeCombiners must be associative: merging
// spills in any order or grouping must yield the same result.
type Aggregator[V, C any] struct {
	CreateCombiner func(V) C
	MergeValue     func(C, V) C
	MergeCombiners func(C, C) C
}
