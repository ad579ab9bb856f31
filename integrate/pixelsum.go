// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package integrate

import (
	"math"

	"github.com/cpmech/gosl/la"
	"gonum.org/v1/gonum/mat"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/peak"
)

func init() { Register("pixelsum", func() Integrator { return &PixelSum{} }) }

// PixelSum implements the pixel-sum integrator: iteratively
// estimated background, background-subtracted peak sum, an optional
// shape refit, and a per-frame rocking curve.
type PixelSum struct {
	// RefitShape enables step (c): recomputing centre/covariance from a
	// weighted blob of bright pixels.
	RefitShape bool
}

// refitCovarianceRatioMax bounds ||A_new-A_old||/||A_old|| in rejection
// test (ii); refitEigenMin/Max bound the new covariance's eigenvalues
// in rejection test (iii).
const (
	refitCovarianceRatioMax = 2.0
	refitEigenMin           = 0.1
	refitEigenMax           = 100.0
)

const (
	bgOutlierSigma  = 3.0
	bgMaxIter       = 20
	bgConvergeRelTol = 1e-9
)

// estimateBackground implements step (a): iterative mean with +-3sigma
// rejection (sigma being the standard deviation of the counts still
// kept), sigma_b = mean/n (Poisson on the estimate).
func estimateBackground(bkgCounts []float64) (mean, sigma float64, n int) {
	active := append([]float64(nil), bkgCounts...)
	mean = meanOf(active)
	for iter := 0; iter < bgMaxIter; iter++ {
		var ss float64
		for _, c := range active {
			ss += (c - mean) * (c - mean)
		}
		sd := math.Sqrt(ss / float64(len(active)))
		kept := active[:0:0]
		for _, c := range active {
			if math.Abs(c-mean) <= bgOutlierSigma*sd || sd == 0 {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			break
		}
		newMean := meanOf(kept)
		rel := math.Abs(newMean-mean) / math.Max(math.Abs(mean), 1e-300)
		active = kept
		mean = newMean
		if rel < bgConvergeRelTol {
			break
		}
	}
	n = len(active)
	if n == 0 {
		return 0, 0, 0
	}
	return mean, mean / float64(n), n
}

// backgroundGradient fits a line of background count against frame
// number via ordinary least squares and returns the slope and the
// squared standard error of the slope, used to flag peaks sitting on
// a steeply sloped background plane.
func backgroundGradient(frames []int, counts []float64) (slope, sigmaSq float64) {
	n := len(frames)
	if n < 3 {
		return 0, 0
	}
	var sumX, sumY float64
	for i, f := range frames {
		sumX += float64(f)
		sumY += counts[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var sxx, sxy float64
	for i, f := range frames {
		dx := float64(f) - meanX
		sxy += dx * (counts[i] - meanY)
		sxx += dx * dx
	}
	if sxx == 0 {
		return 0, 0
	}
	slope = sxy / sxx

	var resSS float64
	for i, f := range frames {
		pred := meanY + slope*(float64(f)-meanX)
		d := counts[i] - pred
		resSS += d * d
	}
	if n <= 2 {
		return slope, 0
	}
	mse := resSS / float64(n-2)
	sigmaSq = mse / sxx
	return slope, sigmaSq
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func (ps *PixelSum) Compute(p *peak.Peak, region Region, voxels []Voxel) Result {
	var peakCounts, bkgCounts []float64
	framePeakSum := map[int]float64{}
	framePeakN := map[int]int{}

	var bkgFrames []int
	for _, v := range voxels {
		switch region.Classify(v.Pos) {
		case Peak:
			peakCounts = append(peakCounts, v.Count)
			framePeakSum[v.Frame] += v.Count
			framePeakN[v.Frame]++
		case Background:
			bkgCounts = append(bkgCounts, v.Count)
			bkgFrames = append(bkgFrames, v.Frame)
		}
	}

	if len(peakCounts) == 0 {
		return Result{Flag: peak.TooFewPoints}
	}

	bMean, bSigma, nb := estimateBackground(bkgCounts)
	if nb == 0 {
		return Result{Flag: peak.InvalidBkgSigma}
	}

	np := len(peakCounts)
	var rawSum float64
	for _, c := range peakCounts {
		rawSum += c
	}
	S := rawSum - float64(np)*bMean
	variance := S + float64(np)*bMean + float64(np)*float64(np)*bSigma*bSigma
	if variance < 0 || math.IsNaN(variance) {
		return Result{Flag: peak.InvalidSigma}
	}

	frames := make([]int, 0, len(framePeakSum))
	for f := range framePeakSum {
		frames = append(frames, f)
	}
	sortInts(frames)
	rocking := make([]float64, len(frames))
	for i, f := range frames {
		rocking[i] = framePeakSum[f] - bMean*float64(framePeakN[f])
	}

	gradValue, gradVariance := backgroundGradient(bkgFrames, bkgCounts)

	result := Result{
		Sum:                peak.IntensityVariance{Value: S, Variance: variance},
		Background:         peak.IntensityVariance{Value: bMean, Variance: bSigma * bSigma},
		BackgroundGradient: peak.IntensityVariance{Value: gradValue, Variance: gradVariance},
		RockingCurve:       rocking,
		Shape:              region.Shape,
		Flag:               peak.NotRejected,
	}

	if ps.RefitShape {
		if refit, ok := refitShape(region.Shape, voxels, bMean); ok {
			result.Shape = refit
			result.ShapeRefit = true
		}
	}
	return result
}

// refitShape implements step (c): recompute centre and covariance from
// the weighted blob of voxels brighter than bMean+sqrt(bMean), and
// reject the refit on any of the three tests in spec §4.E — new centre
// outside the old shape, metric (inverse covariance) changed by
// refitCovarianceRatioMax or more in relative Frobenius norm, or new-covariance
// eigenvalues outside [refitEigenMin,refitEigenMax].
func refitShape(old peak.Ellipsoid, voxels []Voxel, bMean float64) (peak.Ellipsoid, bool) {
	threshold := bMean + math.Sqrt(math.Max(bMean, 0))
	var sumW float64
	var sumWX geom.Vec3
	type bright struct {
		pos geom.Vec3
		w   float64
	}
	var blob []bright
	for _, v := range voxels {
		if v.Count <= threshold {
			continue
		}
		w := v.Count - bMean
		blob = append(blob, bright{pos: v.Pos, w: w})
		sumW += w
		sumWX = sumWX.Add(v.Pos.Scale(w))
	}
	if sumW <= 0 || len(blob) < 6 {
		return peak.Ellipsoid{}, false
	}
	centre := sumWX.Scale(1 / sumW)

	// accumulate the weighted outer-product sum in a raw [][]float64
	// buffer (cheaper to zero/reuse across many peaks than a geom.Mat3
	// literal per blob) before folding it into a geom.Mat3.
	acc := la.MatAlloc(3, 3)
	la.MatFill(acc, 0)
	for _, b := range blob {
		d := b.pos.Sub(centre)
		w := b.w / sumW
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				acc[i][j] += w * d[i] * d[j]
			}
		}
	}
	cov := geom.Mat3{
		{acc[0][0], acc[0][1], acc[0][2]},
		{acc[1][0], acc[1][1], acc[1][2]},
		{acc[2][0], acc[2][1], acc[2][2]},
	}

	// (i) centre must lie within the current shape.
	if !old.Contains(centre) {
		return peak.Ellipsoid{}, false
	}

	metric, ok := cov.Inverse()
	if !ok {
		return peak.Ellipsoid{}, false
	}

	// (ii) relative change in the metric (A) must stay below the ratio
	// cap.
	oldNorm := old.Metric.FrobeniusNorm()
	if oldNorm > 0 && metric.FrobeniusDistance(old.Metric)/oldNorm >= refitCovarianceRatioMax {
		return peak.Ellipsoid{}, false
	}

	// (iii) eigenvalues of the new covariance (not the metric) must lie
	// within [refitEigenMin,refitEigenMax].
	eig := symEigenvalues3(cov)
	for _, e := range eig {
		if e < refitEigenMin || e > refitEigenMax {
			return peak.Ellipsoid{}, false
		}
	}

	refit := peak.Ellipsoid{Centre: centre, Metric: metric}
	if !refit.IsPositiveDefinite() {
		return peak.Ellipsoid{}, false
	}
	return refit, true
}

// symEigenvalues3 returns the eigenvalues of a symmetric 3x3 matrix via
// gonum's dense symmetric eigendecomposition.
func symEigenvalues3(m geom.Mat3) []float64 {
	sym := mat.NewSymDense(3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return nil
	}
	return eig.Values(nil)
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}
