// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cell implements unit-cell algebra: direct/reciprocal bases,
// metric, Niggli/Gruber reduction, space-group symmetry and Miller
// indexing.
package cell

import (
	"fmt"
	"math"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/lsq"
)

// Character is the conventional {a,b,c,alpha,beta,gamma} description of
// a cell, angles in radians.
type Character struct {
	A, B, C             float64
	Alpha, Beta, Gamma  float64
}

// Volume returns the cell volume from its character.
func (c Character) Volume() float64 {
	ca, cb, cg := math.Cos(c.Alpha), math.Cos(c.Beta), math.Cos(c.Gamma)
	v2 := 1 - ca*ca - cb*cb - cg*cg + 2*ca*cb*cg
	if v2 < 0 {
		v2 = 0
	}
	return c.A * c.B * c.C * math.Sqrt(v2)
}

// UnitCell is a direct-space basis A (columns a,b,c) together with its
// derived reciprocal basis, metric and (optionally computed) Niggli
// reduction and symmetry data.
type UnitCell struct {
	A geom.Mat3 // direct basis, columns are a,b,c
	B geom.Mat3 // reciprocal basis, rows are a*,b*,c* == (A^T)^-1

	NiggliP         geom.Mat3       // transformation such that A*P^-1 is the Niggli cell
	Niggli          NiggliCharacter // Bravais classification of the reduced cell
	HasNiggli       bool
	Group           *SpaceGroup
	Covariance      [][]float64 // parameter covariance from the last refinement, if any
}

// NewFromBasis builds a UnitCell from a direct-space basis, panicking
// if det(A) <= 0: a non-positive-volume basis is a caller bug, not a
// recoverable condition.
func NewFromBasis(A geom.Mat3) *UnitCell {
	if A.Det() <= 0 {
		panic("cell: det(A) must be positive")
	}
	return &UnitCell{A: A, B: reciprocalOf(A)}
}

// NewFromCharacter builds a UnitCell from conventional cell parameters
// using the standard crystallographic convention: a along x, b in the
// xy-plane, c completing a right-handed, positive-volume basis.
func NewFromCharacter(c Character) (*UnitCell, error) {
	if c.A <= 0 || c.B <= 0 || c.C <= 0 {
		return nil, fmt.Errorf("cell: lengths must be positive")
	}
	vol := c.Volume()
	if vol <= 0 {
		return nil, fmt.Errorf("cell: character describes a degenerate cell (volume %g)", vol)
	}
	ca, cb, cg := math.Cos(c.Alpha), math.Cos(c.Beta), math.Cos(c.Gamma)
	sg := math.Sin(c.Gamma)

	ax := geom.Vec3{c.A, 0, 0}
	bx := geom.Vec3{c.B * cg, c.B * sg, 0}
	cx0 := c.C * cb
	cy0 := c.C * (ca - cb*cg) / sg
	cz0Sq := c.C*c.C - cx0*cx0 - cy0*cy0
	if cz0Sq < 0 {
		cz0Sq = 0
	}
	cx := geom.Vec3{cx0, cy0, math.Sqrt(cz0Sq)}

	return NewFromBasis(geom.FromCols(ax, bx, cx)), nil
}

// reciprocalOf returns B = (A^T)^-1, stored with rows a*,b*,c*.
func reciprocalOf(A geom.Mat3) geom.Mat3 {
	inv, ok := A.T().Inverse()
	if !ok {
		panic("cell: direct basis is singular")
	}
	return inv
}

// Metric returns G = A^T A.
func (u *UnitCell) Metric() geom.Mat3 {
	return u.A.T().Mul(u.A)
}

// Character returns the conventional {a,b,c,alpha,beta,gamma}.
func (u *UnitCell) Character() Character {
	a := u.A.Col(0)
	b := u.A.Col(1)
	c := u.A.Col(2)
	return Character{
		A: a.Norm(), B: b.Norm(), C: c.Norm(),
		Alpha: angleBetween(b, c),
		Beta:  angleBetween(a, c),
		Gamma: angleBetween(a, b),
	}
}

func angleBetween(u, v geom.Vec3) float64 {
	cosA := u.Dot(v) / (u.Norm() * v.Norm())
	if cosA > 1 {
		cosA = 1
	} else if cosA < -1 {
		cosA = -1
	}
	return math.Acos(cosA)
}

// Volume returns det(A), the cell volume.
func (u *UnitCell) Volume() float64 { return u.A.Det() }

// FrobeniusDistance reports how far two cells' direct bases are from
// each other, entrywise — used by equivalence and round-trip tests.
func (u *UnitCell) FrobeniusDistance(v *UnitCell) float64 {
	return u.A.FrobeniusDistance(v.A)
}

// IsSimilar reports whether u and v describe the same lattice up to a
// unimodular basis change, within the given tolerances: there should
// exist integer matrices S,T with ST=I such that A1~=A0*T and
// A0~=A1*S in Frobenius norm below tolerance. Rather than searching the
// infinite family of unimodular integer matrices directly, both cells
// are brought to Niggli-reduced form first — the Niggli cell is
// exactly the canonical representative of that equivalence class, so
// two lattices are equivalent iff their Niggli-reduced metrics agree
// within tolerance. This avoids an open-ended combinatorial search over
// integer transformations (documented open-question decision, see
// DESIGN.md).
func (u *UnitCell) IsSimilar(v *UnitCell, tolLen, tolAngle float64) bool {
	ru, _ := Reduce(u, true, 1e-5, 1e-5)
	rv, _ := Reduce(v, true, 1e-5, 1e-5)
	cu, cv := ru.Character(), rv.Character()
	return math.Abs(cu.A-cv.A) < tolLen &&
		math.Abs(cu.B-cv.B) < tolLen &&
		math.Abs(cu.C-cv.C) < tolLen &&
		math.Abs(cu.Alpha-cv.Alpha) < tolAngle &&
		math.Abs(cu.Beta-cv.Beta) < tolAngle &&
		math.Abs(cu.Gamma-cv.Gamma) < tolAngle
}

// ApplyNiggliConstraints returns a new cell whose cell parameters
// satisfy the stored Niggli linear constraint matrix C exactly, by
// projecting the current parameter vector with the lsq kernel of
// package lsq. Reduce must have been called first.
func (u *UnitCell) ApplyNiggliConstraints() (*UnitCell, error) {
	if !u.HasNiggli {
		return nil, fmt.Errorf("cell: Reduce must run before ApplyNiggliConstraints")
	}
	g := u.Metric()
	p := []float64{g[0][0], g[1][1], g[2][2], g[1][2], g[0][2], g[0][1]}

	k, err := lsq.NewKernel(6, u.Niggli.Constraint)
	if err != nil {
		return nil, err
	}
	p0 := k.Project(p)
	pConstrained := k.Expand(p0)

	A, Bv, C := pConstrained[0], pConstrained[1], pConstrained[2]
	D, E, F := pConstrained[3], pConstrained[4], pConstrained[5]
	if A <= 0 || Bv <= 0 || C <= 0 {
		return nil, fmt.Errorf("cell: constrained metric is not positive definite")
	}
	char := Character{
		A: math.Sqrt(A), B: math.Sqrt(Bv), C: math.Sqrt(C),
		Alpha: safeAcos(D / (math.Sqrt(Bv) * math.Sqrt(C))),
		Beta:  safeAcos(E / (math.Sqrt(A) * math.Sqrt(C))),
		Gamma: safeAcos(F / (math.Sqrt(A) * math.Sqrt(Bv))),
	}
	return NewFromCharacter(char)
}

func safeAcos(x float64) float64 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return math.Acos(x)
}
