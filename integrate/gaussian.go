// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package integrate

import (
	"math"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/lsq"
	"github.com/k61n/openhkl-sub006/peak"
)

func init() { Register("gaussian", func() Integrator { return &Gaussian{} }) }

// Gaussian implements the Gaussian peak-shape integrator: fits
// M(x) = B + I*exp(-0.5*(x-x0)^T A (x-x0)), with A = L L^T
// parameterised by the 6 free entries of the lower-triangular L,
// via the shared Levenberg-Marquardt solver of package lsq.
type Gaussian struct{}

const pearsonRejectBelow = 0.75

func (g *Gaussian) Compute(p *peak.Peak, region Region, voxels []Voxel) Result {
	var samples []Voxel
	for _, v := range voxels {
		c := region.Classify(v.Pos)
		if c == Peak || c == Background {
			samples = append(samples, v)
		}
	}
	if len(samples) < 10 {
		return Result{Flag: peak.TooFewPoints}
	}

	x0 := region.Shape.Centre
	L := choleskyOf(region.Shape.Metric)
	params := []float64{
		region.Shape.Centre[0], region.Shape.Centre[1], region.Shape.Centre[2],
		L[0][0], L[1][0], L[1][1], L[2][0], L[2][1], L[2][2],
		0, 1, // B, I
	}
	B0 := meanBackgroundEstimate(samples)
	params[9] = B0
	params[10] = math.Max(1, maxCount(samples)-B0)

	weights := make([]float64, len(samples))
	for i, v := range samples {
		if v.Count > 0 {
			weights[i] = 1 / v.Count
		}
	}

	problem := lsq.Problem{
		NFree: len(params),
		Residual: func(free []float64) []float64 {
			res := make([]float64, len(samples))
			cx, cy, cf := free[0], free[1], free[2]
			Lm := geom.Mat3{{free[3], 0, 0}, {free[4], free[5], 0}, {free[6], free[7], free[8]}}
			A := Lm.Mul(Lm.T())
			Bv, I := free[9], free[10]
			for i, v := range samples {
				d := geom.Vec3{v.Pos[0] - cx, v.Pos[1] - cy, v.Pos[2] - cf}
				m2 := A.MulVec(d).Dot(d)
				model := Bv + I*math.Exp(-0.5*m2)
				res[i] = model - v.Count
			}
			return res
		},
		Weights: weights,
	}

	opts := lsq.DefaultOptions()
	result, err := lsq.Fit(params, problem, opts)
	if err != nil {
		return Result{Flag: peak.BadGaussianFit}
	}

	free := result.P0
	fitCentre := geom.Vec3{free[0], free[1], free[2]}
	Lm := geom.Mat3{{free[3], 0, 0}, {free[4], free[5], 0}, {free[6], free[7], free[8]}}
	A := Lm.Mul(Lm.T())
	newShape := peak.Ellipsoid{Centre: fitCentre, Metric: A}
	if !newShape.IsPositiveDefinite() {
		return Result{Flag: peak.InvalidCovariance}
	}
	if fitCentre.Sub(x0).Norm() > 5 {
		return Result{Flag: peak.CentreOutOfBounds}
	}

	r := pearsonCorrelation(samples, free)
	if r <= pearsonRejectBelow {
		return Result{Flag: peak.BadGaussianFit}
	}

	Bv, I := free[9], free[10]
	return Result{
		Sum:        peak.IntensityVariance{Value: I, Variance: math.Abs(I)},
		Background: peak.IntensityVariance{Value: Bv, Variance: math.Abs(Bv)},
		Shape:      newShape,
		ShapeRefit: true,
		Flag:       peak.NotRejected,
	}
}

func choleskyOf(A geom.Mat3) geom.Mat3 {
	var L geom.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j <= i; j++ {
			sum := A[i][j]
			for k := 0; k < j; k++ {
				sum -= L[i][k] * L[j][k]
			}
			if i == j {
				L[i][j] = math.Sqrt(math.Max(sum, 1e-12))
			} else {
				L[i][j] = sum / L[j][j]
			}
		}
	}
	return L
}

func meanBackgroundEstimate(samples []Voxel) float64 {
	sorted := make([]float64, len(samples))
	for i, v := range samples {
		sorted[i] = v.Count
	}
	sortFloats(sorted)
	n := len(sorted) / 4
	if n == 0 {
		n = 1
	}
	return meanOf(sorted[:n])
}

func maxCount(samples []Voxel) float64 {
	m := 0.0
	for _, v := range samples {
		if v.Count > m {
			m = v.Count
		}
	}
	return m
}

func sortFloats(xs []float64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func pearsonCorrelation(samples []Voxel, free []float64) float64 {
	cx, cy, cf := free[0], free[1], free[2]
	Lm := geom.Mat3{{free[3], 0, 0}, {free[4], free[5], 0}, {free[6], free[7], free[8]}}
	A := Lm.Mul(Lm.T())
	Bv, I := free[9], free[10]

	n := len(samples)
	obs := make([]float64, n)
	model := make([]float64, n)
	for i, v := range samples {
		d := geom.Vec3{v.Pos[0] - cx, v.Pos[1] - cy, v.Pos[2] - cf}
		m2 := A.MulVec(d).Dot(d)
		model[i] = Bv + I*math.Exp(-0.5*m2)
		obs[i] = v.Count
	}
	mo, mm := meanOf(obs), meanOf(model)
	var cov, vo, vm float64
	for i := 0; i < n; i++ {
		do, dm := obs[i]-mo, model[i]-mm
		cov += do * dm
		vo += do * do
		vm += dm * dm
	}
	if vo <= 0 || vm <= 0 {
		return 0
	}
	return cov / math.Sqrt(vo*vm)
}
