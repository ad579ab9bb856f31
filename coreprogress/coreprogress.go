// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coreprogress defines the shared progress-reporting and
// cooperative-cancellation contract used by the auto-indexer, the
// batch refiner, the rescaler and the per-peak integrator: every
// long-running loop calls a single Func once per frame, batch or
// iteration, and a caller cancels the operation in progress simply by
// having that Func return true.
package coreprogress

// Func reports that step of total steps has been reached in a
// long-running operation. Returning true requests cancellation; the
// driving loop checks this once between iterations and aborts without
// starting the next one, leaving already-produced output untouched.
// total may be 0 when the step count isn't known up front.
type Func func(step, total int) bool

// Cancelled calls fn, if non-nil, and reports whether the loop it
// drives should stop. A nil fn never cancels, so every caller can pass
// a caller-supplied Func straight through without a nil check.
func Cancelled(fn Func, step, total int) bool {
	return fn != nil && fn(step, total)
}
