// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package geom provides the small fixed-size 3D vector, 3x3 matrix and
// quaternion types shared by the instrument-state, unit-cell and peak
// components. Every matrix here is fixed at 3x3 or smaller, so a
// value type indexed by [3][3]float64 avoids both the allocation and
// the bounds-check overhead a dense, dynamically-sized matrix package
// would add.
package geom

import "math"

// Vec3 is a point or direction in detector/sample/reciprocal space.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a[0] * s, a[1] * s, a[2] * s} }

func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Norm() float64 { return math.Sqrt(a.Dot(a)) }

// Normalize returns a unit vector in the direction of a. The zero vector
// normalizes to itself; callers that cannot tolerate that (spec B's
// "normalised incident-beam direction" invariant) must check Norm()==0
// themselves.
func (a Vec3) Normalize() Vec3 {
	n := a.Norm()
	if n == 0 {
		return a
	}
	return a.Scale(1 / n)
}

func (a Vec3) InfNorm() float64 {
	m := 0.0
	for _, v := range a {
		if av := math.Abs(v); av > m {
			m = av
		}
	}
	return m
}
