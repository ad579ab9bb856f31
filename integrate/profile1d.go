// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package integrate

import (
	"math"

	"github.com/k61n/openhkl-sub006/peak"
)

func init() { Register("profile1d", func() Integrator { return &Profile1D{N: 20} }) }

// Profile1D implements the radial profile integrator: bins the
// squared Mahalanobis distance into N equal-volume shells, each with
// endpoint e_i = (i*dr^3)^(2/3), and normalises against the outermost
// shell.
type Profile1D struct {
	N int
}

func (pi *Profile1D) Compute(p *peak.Peak, region Region, voxels []Voxel) Result {
	n := pi.N
	if n <= 0 {
		n = 20
	}
	maxR2 := region.BkgR1 * region.BkgR1

	cumCount := make([]float64, n)
	sampleCount := make([]int, n)

	var bkgCounts []float64
	for _, v := range voxels {
		if region.Classify(v.Pos) == Background {
			bkgCounts = append(bkgCounts, v.Count)
		}
	}
	bMean, _, nb := estimateBackground(bkgCounts)
	if nb == 0 {
		return Result{Flag: peak.InvalidBkgSigma}
	}

	for _, v := range voxels {
		if region.Classify(v.Pos) != Peak {
			continue
		}
		d2 := mahalanobis2(region.Shape, v.Pos)
		if d2 > maxR2 {
			continue
		}
		shell := shellIndex(d2, maxR2, n)
		for s := shell; s < n; s++ {
			cumCount[s] += v.Count
			sampleCount[s]++
		}
	}

	Cmax := cumCount[n-1]
	nmax := sampleCount[n-1]
	denom := Cmax - bMean*float64(nmax)
	if denom == 0 {
		return Result{Flag: peak.BadIntegrationFit}
	}

	profile := make([]float64, n)
	variance := make([]float64, n)
	for i := 0; i < n; i++ {
		num := cumCount[i] - bMean*float64(sampleCount[i])
		profile[i] = num / denom
		// propagated variance, accounting for the shared background term
		// between shell i and the outer normalising shell.
		varI := cumCount[i] + float64(sampleCount[i])*bMean
		varMax := Cmax + float64(nmax)*bMean
		cov := math.Min(varI, varMax)
		variance[i] = (varI + profile[i]*profile[i]*varMax - 2*profile[i]*cov) / (denom * denom)
		if variance[i] < 0 {
			variance[i] = 0
		}
	}

	return Result{
		Sum:        peak.IntensityVariance{Value: denom, Variance: variance[n-1] * denom * denom},
		Background: peak.IntensityVariance{Value: bMean, Variance: bMean / math.Max(float64(nb), 1)},
		Flag:       peak.NotRejected,
	}
}

// shellIndex returns which of n equal-reciprocal-volume shells d2
// (squared Mahalanobis radius) falls into, using endpoints
// e_i = (i/n * maxR2^1.5)^(2/3).
func shellIndex(d2, maxR2 float64, n int) int {
	r := math.Sqrt(d2)
	rmax := math.Sqrt(maxR2)
	frac := (r * r * r) / (rmax * rmax * rmax)
	idx := int(frac * float64(n))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
