// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"math"

	"github.com/k61n/openhkl-sub006/geom"
)

// PredictQ returns q = 2*pi*(h a* + k b* + l c*), the reciprocal-space
// vector a Miller index predicts under u.
func (u *UnitCell) PredictQ(h MillerIndex) geom.Vec3 {
	return u.B.T().MulVec(h.asVec()).Scale(2 * math.Pi)
}

// DSpacing returns 1/|h*|, the d-spacing of h under u's metric.
func (u *UnitCell) DSpacing(h MillerIndex) float64 {
	hv := h.asVec()
	g := u.Metric()
	ginv, ok := g.Inverse()
	if !ok {
		return math.Inf(1)
	}
	s := hv.Dot(ginv.MulVec(hv))
	if s <= 0 {
		return math.Inf(1)
	}
	return 1 / math.Sqrt(s)
}

// GenerateReflectionsInShell enumerates every Miller index whose
// d-spacing under u falls within [dMin,dMax]. Each Miller index
// component is bounded by the Cauchy-Schwarz inequality h_i = a_i.H
// (a_i a direct lattice vector, H the reciprocal vector of norm
// 1/d): |h_i| <= |a_i|/dMin, so the search box built from the direct
// cell vector lengths is guaranteed to contain every reflection in
// the shell (grounded on
// core/algo/UserDefinedIndexer.cpp's generateReflectionsInShell call,
// used there to predict hkl's for the user-defined indexing variant).
func GenerateReflectionsInShell(u *UnitCell, dMin, dMax float64) []MillerIndex {
	if dMin <= 0 || dMax <= dMin {
		return nil
	}
	a, b, c := u.A.Col(0), u.A.Col(1), u.A.Col(2)
	hMax := int(a.Norm()/dMin) + 1
	kMax := int(b.Norm()/dMin) + 1
	lMax := int(c.Norm()/dMin) + 1

	var out []MillerIndex
	for h := -hMax; h <= hMax; h++ {
		for k := -kMax; k <= kMax; k++ {
			for l := -lMax; l <= lMax; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				mi := MillerIndex{H: h, K: k, L: l}
				d := u.DSpacing(mi)
				if d >= dMin && d <= dMax {
					out = append(out, mi)
				}
			}
		}
	}
	return out
}
