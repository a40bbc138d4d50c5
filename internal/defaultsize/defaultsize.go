// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package defaultsize holds the tunable size constants used throughout the
// shuffle-write path. Values are registered as flags so a driver process can
// override them at startup.
package defaultsize

import "flag"

var (
	// Chunk is the number of items buffered per encode/decode call in the
	// sort-merge stream format.
	Chunk = 1024

	// MaxMergeFanIn bounds how many spill files a single sort-merge pass
	// merges at once. Reducers with more spills than this are merged in a
	// cascading sequence of batches so commit never holds more than this
	// many input streams open at a time.
	MaxMergeFanIn = 32
)

func init() {
	flag.IntVar(&Chunk, "dpark.shuffle.chunk", Chunk, "items buffered per sort-merge stream encode/decode call")
	flag.IntVar(&MaxMergeFanIn, "dpark.shuffle.mergefanin", MaxMergeFanIn, "max spill files merged in one sort-merge pass")
}
