// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rescale implements the per-frame scale-factor optimizer: a
// derivative-free augmented-Lagrangian wrapper around a local
// Nelder-Mead search, subject to a gauge-fixing equality and
// frame-to-frame ratio inequalities.
package rescale

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/k61n/openhkl-sub006/coreprogress"
	"github.com/k61n/openhkl-sub006/corelog"
	"github.com/k61n/openhkl-sub006/merge"
)

// Parameters bundles the rescaler's tolerances and iteration limits.
type Parameters struct {
	SumIntensity bool
	Friedel      bool
	FTol, XTol, CTol float64
	MaxIter      int
	InitStep     float64
	FrameRatio   float64

	// Progress, if non-nil, is called once per outer augmented-Lagrangian
	// iteration; returning true aborts Rescale with the best scales found
	// so far and Result.Success set to false.
	Progress coreprogress.Func
}

// DefaultParameters returns a sane starting parameter bundle.
func DefaultParameters() Parameters {
	return Parameters{
		SumIntensity: true,
		FTol:         1e-8,
		XTol:         1e-8,
		CTol:         1e-6,
		MaxIter:      200,
		InitStep:     0.1,
		FrameRatio:   0.2,
	}
}

// Observation is one (merged group, member peak, frame) triple feeding
// the rescaler's objective.
type Observation struct {
	GroupIndex int
	Frame      int
	Intensity  float64
	Variance   float64
}

// Result carries the per-frame scale factors recovered by Rescale.
type Result struct {
	Success bool
	Scales  []float64
	Iterations int
}

// buildObservations flattens a merge.Collection into per-frame
// intensity samples, tagging each with the group it belongs to so the
// objective can recompute each group's rescaled mean.
func buildObservations(mps []*merge.MergedPeak, frameOf func(i int) int) []Observation {
	var obs []Observation
	for gi, mp := range mps {
		for i := range mp.Peaks {
			obs = append(obs, Observation{
				GroupIndex: gi,
				Frame:      frameOf(i),
				Intensity:  mp.Peaks[i].SumIntensity.Value,
				Variance:   mp.Peaks[i].SumIntensity.Variance,
			})
		}
	}
	return obs
}

// chiSquaredObjective computes sum_h chi2_h after applying
// I -> s_f * I.
func chiSquaredObjective(obs []Observation, nGroups int, scales []float64) float64 {
	sums := make([]float64, nGroups)
	sumWeights := make([]float64, nGroups)
	scaled := make([]float64, len(obs))
	varScaled := make([]float64, len(obs))

	for i, o := range obs {
		s := scales[o.Frame]
		scaled[i] = s * o.Intensity
		varScaled[i] = s * s * o.Variance
		if varScaled[i] > 0 {
			w := 1 / varScaled[i]
			sums[o.GroupIndex] += w * scaled[i]
			sumWeights[o.GroupIndex] += w
		}
	}

	means := make([]float64, nGroups)
	for g := range means {
		if sumWeights[g] > 0 {
			means[g] = sums[g] / sumWeights[g]
		}
	}

	var chi2 float64
	for i, o := range obs {
		if varScaled[i] <= 0 {
			continue
		}
		d := scaled[i] - means[o.GroupIndex]
		chi2 += d * d / varScaled[i]
	}
	return chi2
}

// constraintViolations returns the signed violation of each inequality
// $s_f \le (1+r)s_{f-1}$ and $-s_f \le -(1-r)s_{f-1}$ for f>0, positive
// when violated.
func constraintViolations(scales []float64, ratio float64) []float64 {
	var v []float64
	for f := 1; f < len(scales); f++ {
		upper := (1 + ratio) * scales[f-1]
		lower := (1 - ratio) * scales[f-1]
		v = append(v, scales[f]-upper)
		v = append(v, lower-scales[f])
	}
	return v
}

// Rescale finds one scale factor per frame. nFrames is the number of
// frames spanned by obs; frame 0 is gauge-fixed to s_0=1.
func Rescale(obs []Observation, nGroups, nFrames int, p Parameters) Result {
	if nFrames == 0 {
		return Result{Success: true}
	}

	// free parameters are s_1..s_{nFrames-1}; s_0 is held at the gauge
	// value by the equality constraint and never optimized directly.
	nFree := nFrames - 1
	lambda := make([]float64, 2*nFree)
	mu := 10.0

	scales := make([]float64, nFrames)
	for i := range scales {
		scales[i] = 1
	}

	augmented := func(x []float64) float64 {
		full := append([]float64{1}, x...)
		obj := chiSquaredObjective(obs, nGroups, full)
		viol := constraintViolations(full, p.FrameRatio)
		for i, c := range viol {
			if i < len(lambda) {
				penalty := math.Max(0, c+lambda[i]/mu)
				obj += 0.5 * mu * penalty * penalty
			}
		}
		return obj
	}

	problem := optimize.Problem{Func: augmented}
	x0 := make([]float64, nFree)
	copy(x0, scales[1:])

	iterations := 0
	for outer := 0; outer < p.MaxIter; outer++ {
		if coreprogress.Cancelled(p.Progress, outer, p.MaxIter) {
			copy(scales[1:], x0)
			return Result{Success: false, Scales: scales, Iterations: iterations}
		}
		method := &optimize.NelderMead{}
		settings := &optimize.Settings{
			Converger: &optimize.FunctionConverge{
				Absolute:   p.FTol,
				Iterations: 100,
			},
		}
		res, err := optimize.Minimize(problem, x0, settings, method)
		if err != nil && res == nil {
			corelog.Warnf("rescale: outer iteration %d: optimizer failed: %v", outer, err)
			return Result{Success: false, Iterations: iterations}
		}
		iterations += res.Stats.MajorIterations

		full := append([]float64{1}, res.X...)
		viol := constraintViolations(full, p.FrameRatio)
		maxViol := 0.0
		for i, c := range viol {
			if i < len(lambda) {
				lambda[i] = math.Max(0, lambda[i]+mu*c)
			}
			if c > maxViol {
				maxViol = c
			}
		}
		mu *= 2

		dx := 0.0
		for i := range res.X {
			dx = math.Max(dx, math.Abs(res.X[i]-x0[i]))
		}
		x0 = res.X

		if maxViol < p.CTol && dx < p.XTol {
			copy(scales[1:], x0)
			return Result{Success: true, Scales: scales, Iterations: iterations}
		}
	}

	copy(scales[1:], x0)
	return Result{Success: false, Scales: scales, Iterations: iterations}
}
