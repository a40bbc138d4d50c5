// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memory

import (
	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/grailbio/base/log"
)

// InstallCgroupLimit discovers a container/cgroup memory limit, if any, and
// sets GOMEMLIMIT accordingly. It should be called once at worker-process
// startup. It only sets the Go runtime's memory limit: Process.Start does
// not read it, and still derives a zero-budget task's default budget from
// the host's total memory.
func InstallCgroupLimit() {
	limit, err := memlimit.SetGoMemLimitWithOpts()
	if err != nil {
		log.Debug.Printf("memory: no cgroup limit discovered: %v", err)
		return
	}
	log.Printf("memory: GOMEMLIMIT set to %d bytes from cgroup", limit)
}
