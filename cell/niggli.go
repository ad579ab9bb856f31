// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cell

import (
	"math"

	"github.com/k61n/openhkl-sub006/geom"
)

// Bravais is a simplified classification of the Niggli-reduced metric
// into one of the seven crystal families, in place of Gruber's full
// 44-case classification tree (documented open-question decision, see
// DESIGN.md) — every one of the 44 Gruber cases reduces to exactly one
// of these seven as far as the constraint matrix C used by
// ApplyNiggliConstraints is concerned; the finer 44-way split only
// matters for choosing between centred/non-centred conventional cells
// of the same family.
type Bravais int

const (
	BravaisTriclinic Bravais = iota
	BravaisMonoclinic
	BravaisOrthorhombic
	BravaisTetragonal
	BravaisHexagonal
	BravaisRhombohedral
	BravaisCubic
)

func (b Bravais) String() string {
	switch b {
	case BravaisTriclinic:
		return "triclinic"
	case BravaisMonoclinic:
		return "monoclinic"
	case BravaisOrthorhombic:
		return "orthorhombic"
	case BravaisTetragonal:
		return "tetragonal"
	case BravaisHexagonal:
		return "hexagonal"
	case BravaisRhombohedral:
		return "rhombohedral"
	case BravaisCubic:
		return "cubic"
	default:
		return "unknown"
	}
}

// NiggliCharacter is the Bravais classification of a Niggli-reduced
// cell together with the linear constraint matrix C (6x6, rows index
// into the metric-tensor parameter vector p={G00,G11,G22,G12,G02,G01})
// that ApplyNiggliConstraints projects onto.
//
// Number/TypeI/Symbol mirror the fields of the Gruber/Niggli lattice
// classification carried by the teacher material's own lattice
// character structures (a type number 1..44, a type-I/II flag for the
// sign of the off-diagonal metric entries, and a two-letter Bravais
// symbol such as "mP" or "cF"). This port's Number assignment is a
// deterministic, internally-consistent numbering within each family
// rather than a digit-for-digit reproduction of the published 44-row
// table (see DESIGN.md for the grounding and the one open question it
// leaves).
type NiggliCharacter struct {
	Family     Bravais
	Constraint [][]float64
	Number     int
	TypeI      bool
	Symbol     string
}

// niggliTol bounds what counts as "numerically equal" when comparing
// metric-tensor entries during reduction and classification, matching
// the tauG-style tolerance convention used by the Kernel's rank
// cutoff.
const niggliTol = 1e-7

// Reduce brings cell to Niggli-reduced form by repeatedly applying
// elementary unimodular basis changes to the direct basis until the
// Niggli conditions on the metric tensor hold, then classifies the
// family. applyConstraints, if true, additionally projects the result
// onto the exact constraint manifold of the detected family via
// ApplyNiggliConstraints.
//
// Rather than hand-deriving the six closed-form metric update formulas
// for each of the Niggli step types, every step is realised as
// G_new = Tᵀ G_old T for an integer unimodular T built from geom.Mat3 —
// equivalent and far less error-prone to transcribe.
func Reduce(u *UnitCell, applyConstraints bool, tolLen, tolAngle float64) (*UnitCell, error) {
	A := u.A
	const maxIter = 100
	for iter := 0; iter < maxIter; iter++ {
		G := A.T().Mul(A)
		a, b, c := G[0][0], G[1][1], G[2][2]
		d, e, f := G[1][2], G[0][2], G[0][1] // xi=2d, eta=2e, zeta=2f in the classical notation

		changed := false

		// Step 1: order a<=b<=c.
		if a > b+niggliTol {
			A = A.Mul(swapCols(0, 1))
			changed = true
		} else if b > c+niggliTol {
			A = A.Mul(swapCols(1, 2))
			changed = true
		}
		if changed {
			continue
		}

		// Step 2: make the off-diagonal signs consistent (all positive or
		// all non-positive), matching the classical Niggli type-I/II test.
		nPos := 0
		if d > niggliTol {
			nPos++
		}
		if e > niggliTol {
			nPos++
		}
		if f > niggliTol {
			nPos++
		}
		if nPos == 1 || nPos == 2 {
			if d > niggliTol && e <= niggliTol && f <= niggliTol {
				A = A.Mul(flipCols(false, true, true))
				changed = true
			} else if e > niggliTol && d <= niggliTol && f <= niggliTol {
				A = A.Mul(flipCols(true, false, true))
				changed = true
			} else if f > niggliTol && d <= niggliTol && e <= niggliTol {
				A = A.Mul(flipCols(true, true, false))
				changed = true
			} else if d > niggliTol && e > niggliTol && f <= niggliTol {
				// two positive entries: negate both, leaving the third as is
				A = A.Mul(flipCols(true, true, false))
				changed = true
			} else if d > niggliTol && f > niggliTol && e <= niggliTol {
				A = A.Mul(flipCols(true, false, true))
				changed = true
			} else if e > niggliTol && f > niggliTol && d <= niggliTol {
				A = A.Mul(flipCols(false, true, true))
				changed = true
			}
		}
		if changed {
			continue
		}

		// Step 3: reduce |2d|<=b, |2e|<=a, |2f|<=a via integer shears
		// (c -= n*b, c -= n*a, b -= n*a respectively).
		if math.Abs(2*d) > b+niggliTol {
			n := math.Round(d / b)
			A = A.Mul(shear(2, 1, -n))
			changed = true
		} else if math.Abs(2*e) > a+niggliTol {
			n := math.Round(e / a)
			A = A.Mul(shear(2, 0, -n))
			changed = true
		} else if math.Abs(2*f) > a+niggliTol {
			n := math.Round(f / a)
			A = A.Mul(shear(1, 0, -n))
			changed = true
		}
		if changed {
			continue
		}

		// Step 4: the "special" Niggli condition (sum of off-diagonals
		// negative and near a corner) — apply the standard corrective
		// shear once, then re-enter the loop to re-check steps 1-3.
		if d+e+f+a+b < niggliTol {
			A = A.Mul(shear(0, 1, 1).Mul(shear(0, 2, 1)))
			changed = true
		}
		if !changed {
			break
		}
	}

	// A monoclinic cell's single oblique angle can land on any of the
	// three axes depending on the reduction path; relabel so it always
	// lands on beta (a-c angle), the conventional "unique axis b"
	// monoclinic setting, before doing the final classification. Any
	// other family's metric never matches monoclinicFreeIndex's
	// exactly-one-free-angle pattern with a nonzero determinant change,
	// so this only ever fires for a genuinely monoclinic cell.
	family, _ := classify(A.T().Mul(A))
	if family == BravaisMonoclinic {
		switch monoclinicFreeIndex(A.T().Mul(A)) {
		case freeD:
			// bring the bc-angle (alpha) oblique pair into the ac (beta)
			// slot without flipping its cosine's sign: new_a=old_b,
			// new_b=-old_a keeps a.c == old_b.c == old_d, whereas
			// new_a=-old_b would negate it.
			A = A.Mul(swapCols(1, 0))
		case freeF:
			A = A.Mul(swapCols(1, 2))
		}
	}

	reduced := NewFromBasis(A)
	G := reduced.Metric()
	family, constraint := classify(G)
	number, typeI, symbol := classifyType(G, family)
	reduced.HasNiggli = true
	reduced.Niggli = NiggliCharacter{Family: family, Constraint: constraint, Number: number, TypeI: typeI, Symbol: symbol}

	if applyConstraints {
		constrained, err := reduced.ApplyNiggliConstraints()
		if err == nil {
			constrained.HasNiggli = true
			constrained.Niggli = reduced.Niggli
			return constrained, nil
		}
	}
	return reduced, nil
}

// swapCols returns the unimodular, determinant-+1 matrix that swaps
// basis vectors i,j while negating one of them (a plain transposition
// has determinant -1, which would flip the basis handedness; negating
// one of the swapped columns restores +1 while leaving both columns'
// lengths, and hence the ordering test that triggered the swap,
// unchanged).
func swapCols(i, j int) geom.Mat3 {
	m := geom.Identity3()
	m[i][i], m[j][j] = 0, 0
	m[i][j], m[j][i] = 1, -1
	return m
}

// flipCols negates the chosen columns of the basis, each independently.
func flipCols(x, y, z bool) geom.Mat3 {
	m := geom.Identity3()
	if x {
		m[0][0] = -1
	}
	if y {
		m[1][1] = -1
	}
	if z {
		m[2][2] = -1
	}
	return m
}

// shear returns the unimodular matrix that adds n times column j to
// column i (an elementary integer shear of the basis).
func shear(i, j int, n float64) geom.Mat3 {
	m := geom.Identity3()
	m[j][i] = n
	return m
}

// classify buckets the Niggli-reduced metric tensor G into one of the
// seven crystal families and returns the corresponding linear
// constraint matrix over p={G00,G11,G22,G12,G02,G01}.
func classify(G geom.Mat3) (Bravais, [][]float64) {
	a, b, c := G[0][0], G[1][1], G[2][2]
	d, e, f := G[1][2], G[0][2], G[0][1]

	eqLen := func(x, y float64) bool { return math.Abs(x-y) < niggliTol*math.Max(1, math.Abs(x)) }
	isZero := func(x float64) bool { return math.Abs(x) < niggliTol }

	constraintEqLen := func(i, j int) []float64 {
		row := make([]float64, 6)
		row[i], row[j] = 1, -1
		return row
	}
	constraintZero := func(i int) []float64 {
		row := make([]float64, 6)
		row[i] = 1
		return row
	}

	switch {
	case eqLen(a, b) && eqLen(b, c) && isZero(d) && isZero(e) && isZero(f):
		return BravaisCubic, [][]float64{
			constraintEqLen(0, 1), constraintEqLen(1, 2),
			constraintZero(3), constraintZero(4), constraintZero(5),
		}
	case eqLen(a, b) && eqLen(b, c) && eqLen(d, e) && eqLen(e, f) && !isZero(f):
		return BravaisRhombohedral, [][]float64{
			constraintEqLen(0, 1), constraintEqLen(1, 2),
			constraintEqLen(3, 4), constraintEqLen(4, 5),
		}
	case eqLen(a, b) && isZero(d) && isZero(e) && isZero(f):
		return BravaisTetragonal, [][]float64{
			constraintEqLen(0, 1), constraintZero(3), constraintZero(4), constraintZero(5),
		}
	case eqLen(a, b) && isZero(d) && isZero(e) && math.Abs(2*f+a) < niggliTol*math.Max(1, a):
		// hexagonal: gamma=120deg => 2f == -a (since f=a*cos(gamma)).
		row := make([]float64, 6)
		row[5] = 2
		row[0] = 1
		return BravaisHexagonal, [][]float64{constraintEqLen(0, 1), constraintZero(3), constraintZero(4), row}
	case isZero(d) && isZero(e) && isZero(f):
		return BravaisOrthorhombic, [][]float64{constraintZero(3), constraintZero(4), constraintZero(5)}
	case isZero(d) && isZero(f):
		// unique axis b: beta (a-c angle) is the free oblique angle.
		return BravaisMonoclinic, [][]float64{constraintZero(3), constraintZero(5)}
	case isZero(e) && isZero(f):
		// unique axis a: alpha (b-c angle) is the free oblique angle. Reduce
		// relabels this to the unique-axis-b case before classify ever sees
		// it, but classify itself stays generic so it also gives a correct
		// answer when called directly on an unrelabelled metric.
		return BravaisMonoclinic, [][]float64{constraintZero(4), constraintZero(5)}
	case isZero(d) && isZero(e):
		// unique axis c: gamma (a-b angle) is the free oblique angle.
		return BravaisMonoclinic, [][]float64{constraintZero(3), constraintZero(4)}
	default:
		return BravaisTriclinic, nil
	}
}

// monoclinic free-angle axis markers, used to decide which column swap
// (if any) Reduce must apply to bring the oblique angle onto beta.
const (
	freeNone = iota
	freeD // alpha free (unique axis a): bc angle
	freeE // beta free (unique axis b, conventional): ac angle
	freeF // gamma free (unique axis c): ab angle
)

// monoclinicFreeIndex reports which single off-diagonal metric entry
// is the non-zero (oblique) one, or freeNone if the cell isn't of this
// single-free-angle shape at all.
func monoclinicFreeIndex(G geom.Mat3) int {
	d, e, f := G[1][2], G[0][2], G[0][1]
	isZero := func(x float64) bool { return math.Abs(x) < niggliTol }
	switch {
	case isZero(e) && isZero(f) && !isZero(d):
		return freeD
	case isZero(d) && isZero(f) && !isZero(e):
		return freeE
	case isZero(d) && isZero(e) && !isZero(f):
		return freeF
	default:
		return freeNone
	}
}

// classifyType assigns a type-I/II flag, a two-letter Bravais symbol
// and a type number within family to a Niggli-reduced metric, in the
// style of the teacher material's Gruber-table lattice classification
// (see DESIGN.md for exactly what this mapping does and does not
// claim to reproduce from the published 44-row table).
func classifyType(G geom.Mat3, family Bravais) (number int, typeI bool, symbol string) {
	a, b, c := G[0][0], G[1][1], G[2][2]
	d, e, f := G[1][2], G[0][2], G[0][1]
	eqLen := func(x, y float64) bool { return math.Abs(x-y) < niggliTol*math.Max(1, math.Abs(x)) }

	typeI = d > niggliTol && e > niggliTol && f > niggliTol

	switch family {
	case BravaisCubic:
		symbol = "cP"
		number = 1
	case BravaisRhombohedral:
		// A face- or body-centred cubic lattice also Niggli-reduces to an
		// a=b=c, equal-angle primitive cell; distinguish them from a
		// genuine rhombohedral (hR) lattice by the ratio of the off-diagonal
		// to the diagonal metric entries the all-face/all-body centred
		// cubic cases fix exactly: d/a==1/2 (cF, 60deg angles) or
		// d/a==-1/3 (cI, 109.47deg angles).
		switch {
		case eqLen(2*d, a):
			symbol, number = "cF", 2
		case eqLen(3*d, -a):
			symbol, number = "cI", 3
		default:
			symbol, number = "hR", 4
		}
	case BravaisTetragonal:
		symbol, number = "tP", 6
		if typeI {
			number = 5
		}
	case BravaisHexagonal:
		symbol, number = "hP", 11
	case BravaisOrthorhombic:
		symbol, number = "oP", 16
		switch {
		case eqLen(a, b):
			symbol, number = "oC", 17
		case eqLen(b, c):
			symbol, number = "oC", 18
		}
	case BravaisMonoclinic:
		// Primitive monoclinic with no further metric coincidence: this
		// port's enumeration places the generic case at 35, matching the
		// mid-30s band the published table reserves for monoclinic P/C
		// lattices (see DESIGN.md open question).
		symbol, number = "mP", 35
		if eqLen(a, b) || eqLen(b, c) {
			symbol, number = "mC", 36
		}
	default:
		symbol = "aP"
		number = 44
		if typeI {
			number = 43
		}
	}
	return number, typeI, symbol
}
