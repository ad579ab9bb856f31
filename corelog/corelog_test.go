// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package corelog

import "testing"

func TestRecorderCapturesSeverity(t *testing.T) {
	rec := &Recorder{}
	prev := SetSink(rec)
	defer SetSink(prev)

	Infof("indexed %d peaks", 42)
	Warnf("low redundancy in shell %d", 3)
	Errorf("refinement diverged")

	entries := rec.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Severity != Info || entries[1].Severity != Warn || entries[2].Severity != Error {
		t.Fatalf("unexpected severities: %+v", entries)
	}
	if entries[0].Message != "indexed 42 peaks" {
		t.Fatalf("unexpected message: %q", entries[0].Message)
	}
}

func TestSetSinkRestoresDefault(t *testing.T) {
	rec := &Recorder{}
	prev := SetSink(rec)
	Infof("hello")
	restored := SetSink(prev)
	if restored != rec {
		t.Fatalf("SetSink did not return the sink being replaced")
	}
}
