// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/geom"
)

func almostEqual(a, b, tol float64) bool { return math.Abs(a-b) < tol }

func TestCubicCellCharacterRoundTrip(t *testing.T) {
	want := Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2}
	u, err := NewFromCharacter(want)
	if err != nil {
		t.Fatalf("NewFromCharacter: %v", err)
	}
	got := u.Character()
	if !almostEqual(got.A, want.A, 1e-9) || !almostEqual(got.Alpha, want.Alpha, 1e-9) {
		t.Fatalf("character round trip mismatch: got %+v, want %+v", got, want)
	}
	if u.Volume() <= 0 {
		t.Fatal("expected positive volume")
	}
}

func TestReduceCubicClassifiesCubic(t *testing.T) {
	u, err := NewFromCharacter(Character{A: 4, B: 4, C: 4, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	if err != nil {
		t.Fatal(err)
	}
	reduced, err := Reduce(u, true, 1e-5, 1e-5)
	if err != nil {
		t.Fatal(err)
	}
	if reduced.Niggli.Family != BravaisCubic {
		t.Errorf("expected cubic family, got %v", reduced.Niggli.Family)
	}
	c := reduced.Character()
	if !almostEqual(c.A, 4, 1e-4) || !almostEqual(c.B, 4, 1e-4) || !almostEqual(c.C, 4, 1e-4) {
		t.Errorf("expected reduced cell to keep a=b=c=4, got %+v", c)
	}
}

func TestIsSimilarUnderShear(t *testing.T) {
	u, _ := NewFromCharacter(Character{A: 5, B: 6, C: 7, Alpha: 1.5, Beta: 1.4, Gamma: 1.6})
	// Add one lattice vector of b to a: same lattice, different basis.
	shear := geom.Mat3{{1, 0, 0}, {1, 1, 0}, {0, 0, 1}}
	sheared := NewFromBasis(u.A.Mul(shear))
	if !u.IsSimilar(sheared, 1e-3, 1e-3) {
		t.Error("sheared basis should describe an equivalent lattice")
	}
}

func TestApplyNiggliConstraintsEnforcesCubic(t *testing.T) {
	u, _ := NewFromCharacter(Character{A: 4.001, B: 3.999, C: 4.0, Alpha: 1.5705, Beta: 1.5707, Gamma: 1.5708})
	reduced, err := Reduce(u, true, 1e-5, 1e-5)
	if err != nil {
		t.Fatal(err)
	}
	g := reduced.Metric()
	if math.Abs(g[0][0]-g[1][1]) > 1e-6 || math.Abs(g[1][1]-g[2][2]) > 1e-6 {
		t.Errorf("expected constrained metric with equal diagonal, got %v", g)
	}
}

func TestSpaceGroupEquivalenceAndExtinction(t *testing.T) {
	g, err := NewSpaceGroup("P21")
	if err != nil {
		t.Fatal(err)
	}
	// (0,k,0) with k odd is extinct under a 21 screw along b.
	if !g.IsExtinct(MillerIndex{0, 1, 0}) {
		t.Error("expected (010) to be extinct under P21")
	}
	if g.IsExtinct(MillerIndex{0, 2, 0}) {
		t.Error("expected (020) to be allowed under P21")
	}
}

func TestSpaceGroupFCenteringExtinction(t *testing.T) {
	g, err := NewSpaceGroup("Fm-3m")
	if err != nil {
		t.Fatal(err)
	}
	if g.IsExtinct(MillerIndex{2, 0, 0}) {
		t.Error("(200) should be allowed for F centering (all-even)")
	}
	if !g.IsExtinct(MillerIndex{1, 0, 0}) {
		t.Error("(100) should be extinct for F centering (mixed parity)")
	}
}

func TestReduceTrickyMonoclinicCellClassifiesAsNiggliType35(t *testing.T) {
	u, err := NewFromCharacter(Character{
		A: 5.557, B: 5.77, C: 16.138,
		Alpha: 96.314 * math.Pi / 180, Beta: math.Pi / 2, Gamma: math.Pi / 2,
	})
	if err != nil {
		t.Fatalf("NewFromCharacter: %v", err)
	}
	reduced, err := Reduce(u, true, 1e-2, 1e-3)
	if err != nil {
		t.Fatal(err)
	}
	if reduced.Niggli.Family != BravaisMonoclinic {
		t.Fatalf("expected monoclinic family, got %v", reduced.Niggli.Family)
	}
	if reduced.Niggli.Number != 35 {
		t.Errorf("expected Niggli number 35, got %d", reduced.Niggli.Number)
	}
	c := reduced.Character()
	if !almostEqual(c.Alpha, math.Pi/2, 1e-6) || !almostEqual(c.Gamma, math.Pi/2, 1e-6) {
		t.Errorf("expected alpha=gamma=90deg exactly after applyNiggliConstraints, got alpha=%v gamma=%v", c.Alpha, c.Gamma)
	}
	betaDeg := c.Beta * 180 / math.Pi
	if math.Abs(betaDeg-96.3) > 1 {
		t.Errorf("expected beta ~= 96.3deg +- 1deg, got %v", betaDeg)
	}
}

func TestSpaceGroupFdM3mExtinctionScenario(t *testing.T) {
	g, err := NewSpaceGroup("Fd-3m")
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsExtinct(MillerIndex{0, 0, 1}) {
		t.Error("expected (001) to be extinct under Fd-3m")
	}
	if g.IsExtinct(MillerIndex{0, 0, 4}) {
		t.Error("expected (004) to be allowed under Fd-3m")
	}
	if !g.IsExtinct(MillerIndex{1, 1, 2}) {
		t.Error("expected (112) to be extinct under Fd-3m")
	}
	if g.IsExtinct(MillerIndex{1, 1, 3}) {
		t.Error("expected (113) to be allowed under Fd-3m")
	}
}

func TestMillerIndexFromQRoundsToIntegers(t *testing.T) {
	u, _ := NewFromCharacter(Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	q := u.B.Row(0).Scale(2 * math.Pi) // exactly a*, i.e. h=1,k=0,l=0
	h := MillerIndexFromQ(u, q)
	if h != (MillerIndex{1, 0, 0}) {
		t.Errorf("expected (100), got %+v", h)
	}
}
