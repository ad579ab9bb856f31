// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package geom

import (
	"math"
	"testing"
)

func TestMat3InverseRoundTrip(t *testing.T) {
	m := Mat3{{2, 0, 0}, {0, 3, 0}, {1, 0, 4}}
	inv, ok := m.Inverse()
	if !ok {
		t.Fatal("expected invertible matrix")
	}
	id := m.Mul(inv)
	want := Identity3()
	if id.FrobeniusDistance(want) > 1e-9 {
		t.Fatalf("m*inv != I: %v", id)
	}
}

func TestQuaternionSlerpEndpoints(t *testing.T) {
	q0 := IdentityQuaternion()
	q1 := FromAxisAngle(Vec3{0, 0, 1}, math.Pi/2)
	if d := q0.Slerp(q1, 0).Dot(q0); math.Abs(d-1) > 1e-9 {
		t.Errorf("slerp(0) should equal q0, dot=%v", d)
	}
	if d := q0.Slerp(q1, 1).Dot(q1); math.Abs(d-1) > 1e-9 {
		t.Errorf("slerp(1) should equal q1, dot=%v", d)
	}
	mid := q0.Slerp(q1, 0.5)
	if math.Abs(mid.Norm()-1) > 1e-9 {
		t.Errorf("slerp result not unit: %v", mid.Norm())
	}
}

func TestQuaternionImagVecRoundTrip(t *testing.T) {
	q := FromAxisAngle(Vec3{1, 2, 3}, 0.3)
	v := q.ImagVec()
	q2 := FromImagVec(v)
	if q.Dot(q2) < 1-1e-9 {
		t.Errorf("round trip through ImagVec changed rotation: %v vs %v", q, q2)
	}
}

func TestVec3Normalize(t *testing.T) {
	v := Vec3{3, 4, 0}.Normalize()
	if math.Abs(v.Norm()-1) > 1e-12 {
		t.Errorf("expected unit norm, got %v", v.Norm())
	}
}
