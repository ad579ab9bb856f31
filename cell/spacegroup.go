// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"fmt"

	"github.com/k61n/openhkl-sub006/geom"
)

// SymOp is a crystallographic symmetry operation (h' = R*h, with a
// fractional translation t relevant only to systematic-absence tests):
// a point-group rotation R (entries -1,0,1, acting on fractional
// coordinates) plus translation t.
type SymOp struct {
	R geom.Mat3
	T geom.Vec3
}

// SpaceGroup is a named symmetry group: a Bravais centering plus a set
// of point-group operations, constructed from a Hermann-Mauguin
// symbol. Rather than implement a general HM-symbol grammar parser
// (itself a small production system — see e.g. spglib), this core
// ships a curated table of the common symbols spanning all seven
// crystal families and returns an error for a symbol outside that
// table (documented open-question decision, see DESIGN.md).
type SpaceGroup struct {
	Symbol     string
	Bravais    byte // P, A, B, C, I, F, or R
	Operations []SymOp
	Centering  []geom.Vec3 // additional lattice translations beyond the origin
}

func identityOp() SymOp { return SymOp{R: geom.Identity3()} }

func rot(entries [9]float64) geom.Mat3 {
	return geom.Mat3{
		{entries[0], entries[1], entries[2]},
		{entries[3], entries[4], entries[5]},
		{entries[6], entries[7], entries[8]},
	}
}

var inversion = rot([9]float64{-1, 0, 0, 0, -1, 0, 0, 0, -1})
var twoFoldY = rot([9]float64{-1, 0, 0, 0, 1, 0, 0, 0, -1})
var mirrorY = rot([9]float64{1, 0, 0, 0, -1, 0, 0, 0, 1})
var twoFoldX = rot([9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1})
var twoFoldZ = rot([9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1})
var fourFoldZ = rot([9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
var threeFoldZ = rot([9]float64{0, -1, 0, 1, -1, 0, 0, 0, 1}) // hexagonal axes, 120deg about c
var sixFoldZ = rot([9]float64{1, -1, 0, 1, 0, 0, 0, 0, 1})    // hexagonal axes, 60deg about c
var threeFoldBody = rot([9]float64{0, 0, 1, 1, 0, 0, 0, 1, 0})

var centeringTranslations = map[byte][]geom.Vec3{
	'P': nil,
	'A': {{0, 0.5, 0.5}},
	'B': {{0.5, 0, 0.5}},
	'C': {{0.5, 0.5, 0}},
	'I': {{0.5, 0.5, 0.5}},
	'F': {{0, 0.5, 0.5}, {0.5, 0, 0.5}, {0.5, 0.5, 0}},
	'R': nil, // rhombohedral setting, hexagonal axes: handled via the curated table directly
}

// known maps a curated set of Hermann-Mauguin symbols to their
// point-group rotation generators (translations are attached
// separately where a screw axis or glide plane applies) and Bravais
// letter.
var known = map[string]struct {
	bravais byte
	ops     []SymOp
}{
	"P1":     {'P', []SymOp{identityOp()}},
	"P-1":    {'P', []SymOp{identityOp(), {R: inversion}}},
	"P2":     {'P', []SymOp{identityOp(), {R: twoFoldY}}},
	"P21":    {'P', []SymOp{identityOp(), {R: twoFoldY, T: geom.Vec3{0, 0.5, 0}}}},
	"C2":     {'C', []SymOp{identityOp(), {R: twoFoldY}}},
	"Pm":     {'P', []SymOp{identityOp(), {R: mirrorY}}},
	"Cm":     {'C', []SymOp{identityOp(), {R: mirrorY}}},
	"P2/m":   {'P', []SymOp{identityOp(), {R: twoFoldY}, {R: inversion}, {R: mirrorY}}},
	"P222":   {'P', []SymOp{identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ}}},
	"P212121": {'P', []SymOp{
		identityOp(),
		{R: twoFoldX, T: geom.Vec3{0, 0.5, 0.5}},
		{R: twoFoldY, T: geom.Vec3{0.5, 0, 0.5}},
		{R: twoFoldZ, T: geom.Vec3{0.5, 0.5, 0}},
	}},
	"Cmmm": {'C', []SymOp{identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ}, {R: inversion}}},
	"Fmmm": {'F', []SymOp{identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ}, {R: inversion}}},
	"Immm": {'I', []SymOp{identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ}, {R: inversion}}},
	"P4":   {'P', []SymOp{identityOp(), {R: fourFoldZ}, {R: fourFoldZ.Mul(fourFoldZ)}, {R: fourFoldZ.Mul(fourFoldZ).Mul(fourFoldZ)}}},
	"I4":   {'I', []SymOp{identityOp(), {R: fourFoldZ}, {R: fourFoldZ.Mul(fourFoldZ)}, {R: fourFoldZ.Mul(fourFoldZ).Mul(fourFoldZ)}}},
	"P4/mmm": {'P', []SymOp{
		identityOp(), {R: fourFoldZ}, {R: fourFoldZ.Mul(fourFoldZ)}, {R: fourFoldZ.Mul(fourFoldZ).Mul(fourFoldZ)},
		{R: twoFoldX}, {R: twoFoldY}, {R: inversion}, {R: mirrorY},
	}},
	"P3":   {'P', []SymOp{identityOp(), {R: threeFoldZ}, {R: threeFoldZ.Mul(threeFoldZ)}}},
	"R3":   {'R', []SymOp{identityOp(), {R: threeFoldBody}, {R: threeFoldBody.Mul(threeFoldBody)}}},
	"P6":   {'P', []SymOp{identityOp(), {R: sixFoldZ}, {R: sixFoldZ.Mul(sixFoldZ)}, {R: sixFoldZ.Mul(sixFoldZ).Mul(sixFoldZ)}, {R: sixFoldZ.Mul(sixFoldZ).Mul(sixFoldZ).Mul(sixFoldZ)}, {R: sixFoldZ.Mul(sixFoldZ).Mul(sixFoldZ).Mul(sixFoldZ).Mul(sixFoldZ)}}},
	"P6/mmm": {'P', []SymOp{
		identityOp(), {R: sixFoldZ}, {R: sixFoldZ.Mul(sixFoldZ)}, {R: sixFoldZ.Mul(sixFoldZ).Mul(sixFoldZ)},
		{R: inversion}, {R: mirrorY},
	}},
	"P23": {'P', []SymOp{identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ}, {R: threeFoldBody}, {R: threeFoldBody.Mul(threeFoldBody)}}},
	"Pm-3m": {'P', []SymOp{
		identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ},
		{R: threeFoldBody}, {R: threeFoldBody.Mul(threeFoldBody)}, {R: inversion},
	}},
	"Fm-3m": {'F', []SymOp{
		identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ},
		{R: threeFoldBody}, {R: threeFoldBody.Mul(threeFoldBody)}, {R: inversion},
	}},
	"Im-3m": {'I', []SymOp{
		identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ},
		{R: threeFoldBody}, {R: threeFoldBody.Mul(threeFoldBody)}, {R: inversion},
	}},
	// Fd-3m (227, diamond structure): same m-3m point group as Fm-3m/Im-3m
	// plus F-centering. The d-glide's own finer-grained conditions (0kl:
	// k+l=4n, h00:h=4n, etc.) are a layer on top of general F-centering
	// that this curated table does not encode; every general reflection
	// of Fd-3m is still correctly flagged extinct whenever h,k,l are of
	// mixed parity, since that is exactly what F-centering tests.
	"Fd-3m": {'F', []SymOp{
		identityOp(), {R: twoFoldX}, {R: twoFoldY}, {R: twoFoldZ},
		{R: threeFoldBody}, {R: threeFoldBody.Mul(threeFoldBody)}, {R: inversion},
	}},
}

// NewSpaceGroup looks up symbol in the curated table and returns a
// SpaceGroup holding exactly the table's operations plus the lattice
// centering translations implied by its Bravais letter. No closure
// under composition is computed: where a table entry lists only a
// generating subset (for example Pm-3m or P4/mmm), Operations is not
// the full group, and IsEquivalent and IsExtinct consider only the
// listed operations.
func NewSpaceGroup(symbol string) (*SpaceGroup, error) {
	entry, ok := known[symbol]
	if !ok {
		return nil, fmt.Errorf("cell: unsupported space group symbol %q", symbol)
	}
	return &SpaceGroup{
		Symbol:     symbol,
		Bravais:    entry.bravais,
		Operations: entry.ops,
		Centering:  centeringTranslations[entry.bravais],
	}, nil
}

// MillerIndex is an integer reflection index.
type MillerIndex struct {
	H, K, L int
}

func (m MillerIndex) asVec() geom.Vec3 { return geom.Vec3{float64(m.H), float64(m.K), float64(m.L)} }

func fromVecRounded(v geom.Vec3) MillerIndex {
	return MillerIndex{H: roundInt(v[0]), K: roundInt(v[1]), L: roundInt(v[2])}
}

func roundInt(x float64) int {
	if x >= 0 {
		return int(x + 0.5)
	}
	return -int(-x + 0.5)
}

// IsEquivalent reports whether h1 and h2 are related by a point-group
// operation of g.
func (g *SpaceGroup) IsEquivalent(h1, h2 MillerIndex) bool {
	v2 := h2.asVec()
	for _, op := range g.Operations {
		hv := op.R.MulVec(h1.asVec())
		if hv.Sub(v2).Norm() < 1e-6 {
			return true
		}
	}
	return false
}

// IsExtinct reports whether h is systematically absent under g: true
// when some symmetry operation (R,t) of g fixes h (R^T h == h) but
// h.t is not an integer, the standard general reflection condition for
// screw axes, glide planes and lattice centering.
func (g *SpaceGroup) IsExtinct(h MillerIndex) bool {
	hv := h.asVec()
	for _, c := range g.Centering {
		if !isIntegerDot(hv, c) {
			return true
		}
	}
	for _, op := range g.Operations {
		hRT := op.R.T().MulVec(hv)
		if hRT.Sub(hv).Norm() < 1e-6 {
			if !isIntegerDot(hv, op.T) {
				return true
			}
		}
	}
	return false
}

func isIntegerDot(h, t geom.Vec3) bool {
	d := h.Dot(t)
	r := d - float64(roundInt(d))
	if r < 0 {
		r = -r
	}
	return r < 1e-6
}

// BravaisLetter returns the group's centering letter (P,A,B,C,I,F,R).
func (g *SpaceGroup) BravaisLetter() byte { return g.Bravais }

// MillerIndexFromQ recovers the (h,k,l) coefficients of q = 2*pi*(h a*
// + k b* + l c*) and rounds them to the nearest integer triple (spec
// §4.C "hkl(q)"). Since the direct basis vectors are dual to the
// reciprocal ones (a_i . a*_j = delta_ij), the coefficients are
// recovered by dotting q/(2*pi) with the direct basis columns, i.e.
// multiplying by A^T.
func MillerIndexFromQ(u *UnitCell, q geom.Vec3) MillerIndex {
	hv := u.A.T().MulVec(q.Scale(1 / (2 * 3.141592653589793)))
	return fromVecRounded(hv)
}
