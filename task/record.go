// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

// Record is one element of a ShuffleMapTask's input partition, before it is
// destructured into a (key, value) pair. Its static type is interface{}
// rather than a generic key/value pair because destructuring can fail -- a
// malformed record is a user-fatal error, not a compile-time impossibility.
type Record = interface{}
