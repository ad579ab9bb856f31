// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package instrument

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/geom"
)

func testDetector() Detector {
	return Detector{
		Origin: geom.Vec3{-50, -50, 500},
		DX:     geom.Vec3{1, 0, 0},
		DY:     geom.Vec3{0, 1, 0},
	}
}

func testStates(n int) []State {
	states := make([]State, n)
	for i := range states {
		states[i] = NewState(
			geom.Vec3{0, 0, 0},
			geom.FromAxisAngle(geom.Vec3{0, 0, 1}, float64(i)*0.05),
			geom.Vec3{0, 0, 0},
			geom.Vec3{0, 0, 1},
			1.0,
			0.05,
			testDetector(),
		)
	}
	return states
}

func TestInterpolateOutOfRangeIsInvalid(t *testing.T) {
	states := testStates(5)
	_, err := Interpolate(states, -0.1)
	if err == nil {
		t.Fatal("expected error for negative frame")
	}
	_, err = Interpolate(states, 10)
	if err == nil {
		t.Fatal("expected error for frame beyond range")
	}
}

func TestInterpolateMidpoint(t *testing.T) {
	states := testStates(3)
	s, err := Interpolate(states, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Valid {
		t.Fatal("expected valid state")
	}
	if math.Abs(s.IncidentBeam.Norm()-1) > 1e-9 {
		t.Errorf("incident beam should stay unit: %v", s.IncidentBeam.Norm())
	}
}

func TestSampleQAtBeamCenterIsZero(t *testing.T) {
	// a detector pixel exactly along the incident beam direction at the
	// elastic wavenumber has k_f == k_i, so q should vanish.
	det := Detector{
		Origin: geom.Vec3{0, 0, 0},
		DX:     geom.Vec3{1, 0, 0},
		DY:     geom.Vec3{0, 1, 0},
	}
	s := NewState(geom.Vec3{0, 0, 0}, geom.IdentityQuaternion(), geom.Vec3{0, 0, 0}, geom.Vec3{0, 0, 1}, 1.0, 0, det)
	interp, err := Interpolate([]State{s, s}, 0)
	if err != nil {
		t.Fatal(err)
	}
	q := interp.SampleQ(geom.Vec3{0, 0, 10})
	if q.Norm() > 1e-9 {
		t.Errorf("expected q=0 on-axis, got %v (norm %v)", q, q.Norm())
	}
}

func TestJacobianQAndLorentzFactorRunWithoutError(t *testing.T) {
	states := testStates(5)
	J, err := JacobianQ(states, 10, 10, 2.3)
	if err != nil {
		t.Fatalf("JacobianQ: %v", err)
	}
	if J.FrobeniusNorm() == 0 {
		t.Error("expected non-zero Jacobian")
	}
	interp, err := Interpolate(states, 2.3)
	if err != nil {
		t.Fatal(err)
	}
	L := interp.LorentzFactor(10, 10)
	if math.IsNaN(L) || math.IsInf(L, 0) {
		t.Errorf("unexpected Lorentz factor: %v", L)
	}
}
