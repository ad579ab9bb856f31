// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lsq

import (
	"math"
	"testing"
)

func TestKernelNoConstraintIsIdentity(t *testing.T) {
	k, err := NewKernel(4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if k.NFree() != 4 {
		t.Fatalf("expected nFree=4, got %d", k.NFree())
	}
	p0 := []float64{1, 2, 3, 4}
	p1 := k.Expand(p0)
	for i := range p0 {
		if p1[i] != p0[i] {
			t.Fatalf("identity kernel should pass through values: %v != %v", p1, p0)
		}
	}
}

func TestKernelCubicConstraint(t *testing.T) {
	// cubic cell constraint on {A,B,C,D,E,F}={G00,G11,G22,G12,G02,G01}:
	// A=B, B=C, D=0, E=0, F=0 -> 5 independent equality rows, n_free=1.
	n := 6
	C := [][]float64{
		{1, -1, 0, 0, 0, 0},
		{0, 1, -1, 0, 0, 0},
		{0, 0, 0, 1, 0, 0},
		{0, 0, 0, 0, 1, 0},
		{0, 0, 0, 0, 0, 1},
	}
	k, err := NewKernel(n, C)
	if err != nil {
		t.Fatal(err)
	}
	if k.NFree() != 1 {
		t.Fatalf("expected nFree=1, got %d", k.NFree())
	}
	p0 := []float64{3.5}
	p1 := k.Expand(p0)
	if r := ResidualNorm(C, p1); r > 1e-9 {
		t.Fatalf("expanded vector violates constraint: %v", r)
	}
	if math.Abs(p1[0]-p1[1]) > 1e-9 || math.Abs(p1[1]-p1[2]) > 1e-9 {
		t.Fatalf("cubic constraint A=B=C not enforced: %v", p1)
	}
	if p1[3] != 0 || p1[4] != 0 || p1[5] != 0 {
		t.Fatalf("cubic constraint D=E=F=0 not enforced: %v", p1)
	}

	back := k.Project(p1)
	p1b := k.Expand(back)
	for i := range p1 {
		if math.Abs(p1[i]-p1b[i]) > 1e-9 {
			t.Fatalf("project/expand round trip mismatch at %d: %v vs %v", i, p1, p1b)
		}
	}
}

func TestFitParametersRegistryRoundTrip(t *testing.T) {
	a, b := 1.0, 2.0
	fp := NewFitParameters()
	fp.Add("a", &a)
	fp.Add("b", &b)
	if err := fp.Build(nil); err != nil {
		t.Fatal(err)
	}
	fp.SetValues([]float64{10, 20})
	if a != 10 || b != 20 {
		t.Fatalf("SetValues did not write through: a=%v b=%v", a, b)
	}
	p0 := fp.Project()
	if p0[0] != 10 || p0[1] != 20 {
		t.Fatalf("Project did not recover free vector: %v", p0)
	}
}
