// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config holds the global configuration flags that govern the
// shuffle-map task's combine loop: whether it spills under memory pressure,
// how it logs rotations, and which op kind tags a derived sort-merge config.
package config

import "flag"

var (
	// MultiSegmentDump is the initial value task.NewDAGTask gives
	// DAGTask.MultiSegmentDump (and so ShuffleMapTask.MultiSegmentDump),
	// which a caller may override per task: whether the combine loop
	// spills on memory pressure (true) or holds buckets until completion
	// (false).
	MultiSegmentDump = true

	// LogRotate promotes rotation log messages from debug to info.
	LogRotate = false
)

// OpGroupBy is the op-kind tagged onto a derived config for the sort-merge
// commit pass, the key per-op tuning (e.g. combiner buffer sizing) is
// selected under. It has no other behavioral effect in this module.
const OpGroupBy = "groupby"

func init() {
	flag.BoolVar(&MultiSegmentDump, "dpark.shuffle.multisegmentdump", MultiSegmentDump, "spill shuffle-map buckets to disk under memory pressure")
	flag.BoolVar(&LogRotate, "dpark.shuffle.logrotate", LogRotate, "promote spill-rotation log messages from debug to info")
}
