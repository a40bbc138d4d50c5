// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package task

import (
	"testing"

	"github.com/google/gofuzz"
)

func TestParseTTIDBasic(t *testing.T) {
	got, err := ParseTTID("3.2_17.1")
	if err != nil {
		t.Fatalf("ParseTTID: %v", err)
	}
	want := TTID{StageID: 3, StageTry: 2, Partition: 17, TaskTry: 1}
	if got != want {
		t.Fatalf("ParseTTID(%q) = %+v, want %+v", "3.2_17.1", got, want)
	}
	if got.TasksetID() != "3.2" {
		t.Errorf("TasksetID() = %q, want %q", got.TasksetID(), "3.2")
	}
	if got.TaskID() != "3.2_17" {
		t.Errorf("TaskID() = %q, want %q", got.TaskID(), "3.2_17")
	}
}

func TestTTIDRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 2000; i++ {
		var s, p, r uint16
		f.Fuzz(&s)
		f.Fuzz(&p)
		f.Fuzz(&r)
		want := TTID{
			StageID:   int(s) + 1, // >= 1
			StageTry:  int(p)%1000 + 1, // >= 1
			Partition: int(p) % 1000, // >= 0
			TaskTry:   int(r) % 1000, // >= 0
		}
		got, err := ParseTTID(want.String())
		if err != nil {
			t.Fatalf("ParseTTID(%q): %v", want.String(), err)
		}
		if got != want {
			t.Fatalf("round-trip mismatch: %+v -> %q -> %+v", want, want.String(), got)
		}
	}
}

func TestParseTTIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"1",
		"1.2",
		"1.2_3",
		"x.2_3.4",
		"1.x_3.4",
		"1.2_x.4",
		"1.2_3.x",
		"0.1_0.0",  // stage id below 1
		"1.0_0.0",  // stage-try below 1
		"1.1_-1.0", // negative partition
	} {
		if _, err := ParseTTID(s); err == nil {
			t.Errorf("ParseTTID(%q): expected error, got nil", s)
		}
	}
}
