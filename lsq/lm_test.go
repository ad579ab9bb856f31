// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lsq

import (
	"math"
	"testing"
)

// TestFitExponentialDecay fits y_i = A*exp(-lambda*i) + b, true
// (A, lambda, b) = (5, 0.1, 1), starting from (4, 0.2, 0.5).
func TestFitExponentialDecay(t *testing.T) {
	const nSamples = 40
	trueA, trueLambda, trueB := 5.0, 0.1, 1.0
	xs := make([]float64, nSamples)
	ys := make([]float64, nSamples)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = trueA*math.Exp(-trueLambda*xs[i]) + trueB
	}

	residual := func(p []float64) []float64 {
		A, lambda, b := p[0], p[1], p[2]
		r := make([]float64, nSamples)
		for i, x := range xs {
			r[i] = A*math.Exp(-lambda*x) + b - ys[i]
		}
		return r
	}

	kernel, err := NewKernel(3, nil)
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}
	res, err := Fit([]float64{4, 0.2, 0.5}, Problem{NFree: 3, Residual: residual}, DefaultOptions())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !res.Converged {
		t.Fatalf("expected convergence, got %+v", res)
	}
	want := []float64{trueA, trueLambda, trueB}
	for i, w := range want {
		if math.Abs(res.P0[i]-w) > 1e-6 {
			t.Errorf("param %d: got %v want %v", i, res.P0[i], w)
		}
	}
	if _, err := Covariance(kernel, res.Jacobian); err != nil {
		t.Errorf("Covariance: %v", err)
	}
}

// TestFitConstrainedDummyParameters fits the exponential-decay model
// plus a block of dummy parameters constrained to zero, and one
// equality x0 = 10*x1.
func TestFitConstrainedDummyParameters(t *testing.T) {
	const nDummy = 20
	const nSamples = 40
	trueA, trueLambda, trueB := 5.0, 0.1, 1.0
	xs := make([]float64, nSamples)
	ys := make([]float64, nSamples)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = trueA*math.Exp(-trueLambda*xs[i]) + trueB
	}

	n := 3 + nDummy // indices 0,1,2 real model; 3..n-1 dummy
	C := make([][]float64, 0, nDummy+1)
	for i := 0; i < nDummy; i++ {
		row := make([]float64, n)
		row[3+i] = 1
		C = append(C, row)
	}
	eq := make([]float64, n)
	eq[0] = 1
	eq[1] = -10
	C = append(C, eq)

	kernel, err := NewKernel(n, C)
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}

	residual := func(p0 []float64) []float64 {
		p1 := kernel.Expand(p0)
		A, lambda, b := p1[0], p1[1], p1[2]
		r := make([]float64, nSamples)
		for i, x := range xs {
			r[i] = A*math.Exp(-lambda*x) + b - ys[i]
		}
		return r
	}

	p1Init := make([]float64, n)
	p1Init[0], p1Init[1], p1Init[2] = 40, 0.2, 0.5 // x0 != 10*x1; Project maps it onto the constraint
	p0Init := kernel.Project(p1Init)

	res, err := Fit(p0Init, Problem{NFree: kernel.NFree(), Residual: residual}, DefaultOptions())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	p1 := kernel.Expand(res.P0)
	if n := ResidualNorm(C, p1); n > 1e-6 {
		t.Errorf("constraint violated: ||C p*|| = %v", n)
	}
	for i := 0; i < nDummy; i++ {
		if math.Abs(p1[3+i]) > 1e-6 {
			t.Errorf("dummy parameter %d did not converge to 0: %v", i, p1[3+i])
		}
	}
	if math.Abs(p1[0]-10*p1[1]) > 1e-6 {
		t.Errorf("equality constraint x0=10*x1 not satisfied: x0=%v x1=%v", p1[0], p1[1])
	}
}

// TestFitCancelledByProgress checks that a Progress callback returning
// true on the very first iteration aborts the fit with ErrCancelled
// before any step is accepted.
func TestFitCancelledByProgress(t *testing.T) {
	const nSamples = 40
	xs := make([]float64, nSamples)
	ys := make([]float64, nSamples)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = 5*math.Exp(-0.1*xs[i]) + 1
	}
	residual := func(p []float64) []float64 {
		A, lambda, b := p[0], p[1], p[2]
		r := make([]float64, nSamples)
		for i, x := range xs {
			r[i] = A*math.Exp(-lambda*x) + b - ys[i]
		}
		return r
	}

	opts := DefaultOptions()
	var calls int
	opts.Progress = func(step, total int) bool {
		calls++
		return true
	}
	res, err := Fit([]float64{4, 0.2, 0.5}, Problem{NFree: 3, Residual: residual}, opts)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res != nil {
		t.Fatalf("expected a nil Result on cancellation, got %+v", res)
	}
	if calls != 1 {
		t.Errorf("expected exactly one Progress call before aborting, got %d", calls)
	}
}
