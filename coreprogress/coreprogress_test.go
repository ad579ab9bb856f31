// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coreprogress

import "testing"

func TestCancelledNilFuncNeverCancels(t *testing.T) {
	if Cancelled(nil, 3, 10) {
		t.Fatal("a nil Func must never request cancellation")
	}
}

func TestCancelledReflectsFuncReturn(t *testing.T) {
	var gotStep, gotTotal int
	fn := func(step, total int) bool {
		gotStep, gotTotal = step, total
		return step >= 5
	}
	if Cancelled(fn, 2, 10) {
		t.Error("expected no cancellation before step 5")
	}
	if gotStep != 2 || gotTotal != 10 {
		t.Errorf("expected fn to observe (2,10), got (%d,%d)", gotStep, gotTotal)
	}
	if !Cancelled(fn, 5, 10) {
		t.Error("expected cancellation at step 5")
	}
}
