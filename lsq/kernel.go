// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lsq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// svdRankTol is the relative singular-value threshold below which a
// direction of C is treated as part of the null space (rank-revealing
// cutoff), matching the role of tauG-style tolerances used elsewhere in
// this core for numerically-zero thresholds.
const svdRankTol = 1e-9

// Kernel implements constraint elimination: given a full parameter
// vector of dimension n and a linear equality constraint C*p = 0, it
// exposes the n_free = n - rank(C) dimensional free vector p0 and the
// maps between the two spaces,
//
//	p1 = K * p0                (Expand, writes the full vector)
//	p0 = (Kᵀ K)⁻¹ Kᵀ * p1      (Project, projects back to free space)
//
// K is built as an orthonormal basis of the null space of C from its
// singular value decomposition: the right singular vectors whose
// singular value is (numerically) zero span exactly that null space,
// and gonum's mat.SVD is a well-tested dense decomposition for it.
type Kernel struct {
	n     int
	nFree int
	k     *mat.Dense // n x nFree, orthonormal columns spanning ker(C)
	proj  *mat.Dense // nFree x n, the pseudo-inverse (Kᵀ K)⁻¹ Kᵀ == Kᵀ since K has orthonormal columns
}

// NewKernel builds the kernel of the n x n (or fewer rows) constraint
// matrix C. C may be nil or have zero rows, meaning "no constraint": the
// kernel is then the full n-dimensional identity map.
func NewKernel(n int, C [][]float64) (*Kernel, error) {
	if n == 0 {
		return &Kernel{n: 0, nFree: 0, k: mat.NewDense(0, 0, nil), proj: mat.NewDense(0, 0, nil)}, nil
	}
	if len(C) == 0 {
		k := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			k.Set(i, i, 1)
		}
		return &Kernel{n: n, nFree: n, k: k, proj: matTranspose(k)}, nil
	}
	for _, row := range C {
		if len(row) != n {
			return nil, fmt.Errorf("lsq: constraint row has %d columns, want %d", len(row), n)
		}
	}
	m := len(C)
	data := make([]float64, 0, m*n)
	for _, row := range C {
		data = append(data, row...)
	}
	Cm := mat.NewDense(m, n, data)

	var svd mat.SVD
	ok := svd.Factorize(Cm, mat.SVDFull)
	if !ok {
		return nil, fmt.Errorf("lsq: SVD factorisation of constraint matrix failed")
	}
	values := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v) // n x n, columns are right singular vectors

	maxSV := 0.0
	for _, s := range values {
		if s > maxSV {
			maxSV = s
		}
	}
	tol := svdRankTol
	if maxSV > 0 {
		tol = svdRankTol * maxSV
	}

	rank := 0
	for _, s := range values {
		if s > tol {
			rank++
		}
	}
	nFree := n - rank
	if nFree < 0 {
		nFree = 0
	}

	k := mat.NewDense(n, nFree, nil)
	col := 0
	for j := 0; j < n; j++ {
		var sv float64
		if j < len(values) {
			sv = values[j]
		}
		if sv <= tol {
			for i := 0; i < n; i++ {
				k.Set(i, col, v.At(i, j))
			}
			col++
		}
	}

	return &Kernel{n: n, nFree: nFree, k: k, proj: matTranspose(k)}, nil
}

// N returns the full-vector dimension.
func (o *Kernel) N() int { return o.n }

// NFree returns the free-vector dimension n_free = n - rank(C).
func (o *Kernel) NFree() int { return o.nFree }

// Matrix returns the n x n_free kernel matrix K.
func (o *Kernel) Matrix() *mat.Dense { return o.k }

// Expand maps a free vector p0 (length NFree()) to the full vector
// p1 = K * p0.
func (o *Kernel) Expand(p0 []float64) []float64 {
	if len(p0) != o.nFree {
		panic(fmt.Sprintf("lsq: Expand: length mismatch: got %d, want %d", len(p0), o.nFree))
	}
	if o.n == 0 {
		return nil
	}
	x := mat.NewVecDense(o.nFree, p0)
	var y mat.VecDense
	y.MulVec(o.k, x)
	return denseVecData(&y)
}

// Project maps a full vector p1 (length N()) onto the free vector via
// P = (Kᵀ K)⁻¹ Kᵀ. Because K has orthonormal columns by construction,
// KᵀK = I and this reduces to Kᵀ p1, but the public contract keeps the
// general pseudo-inverse name.
func (o *Kernel) Project(p1 []float64) []float64 {
	if len(p1) != o.n {
		panic(fmt.Sprintf("lsq: Project: length mismatch: got %d, want %d", len(p1), o.n))
	}
	if o.nFree == 0 {
		return nil
	}
	x := mat.NewVecDense(o.n, p1)
	var y mat.VecDense
	y.MulVec(o.proj, x)
	return denseVecData(&y)
}

// ResidualNorm returns ||C p||, the constraint-violation norm.
func ResidualNorm(C [][]float64, p []float64) float64 {
	sum := 0.0
	for _, row := range C {
		var dot float64
		for j, c := range row {
			dot += c * p[j]
		}
		sum += dot * dot
	}
	return math.Sqrt(sum)
}

func matTranspose(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	t := mat.NewDense(c, r, nil)
	t.CloneFrom(m.T())
	return t
}

func denseVecData(v *mat.VecDense) []float64 {
	n := v.Len()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = v.AtVec(i)
	}
	return out
}
