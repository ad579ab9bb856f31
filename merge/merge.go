// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package merge implements symmetry-aware equivalence grouping,
// merged-peak statistics and resolution-shell quality metrics.
package merge

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/corerand"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/peak"
)

// MergedPeak owns the peaks judged symmetry-equivalent under a chosen
// representative index.
type MergedPeak struct {
	Representative cell.MillerIndex
	Peaks          []*peak.Peak
	Intensity      peak.IntensityVariance
}

// computeIntensity averages arithmetically, with variance =
// sum(sigma_i^2)/n^2, over either the sum or the profile intensity of
// each peak depending on useProfile.
func computeIntensity(peaks []*peak.Peak, useProfile bool) peak.IntensityVariance {
	n := float64(len(peaks))
	var sum, varSum float64
	for _, p := range peaks {
		iv := p.SumIntensity
		if useProfile {
			iv = p.ProfileIntensity
		}
		sum += iv.Value
		varSum += iv.Variance
	}
	return peak.IntensityVariance{Value: sum / n, Variance: varSum / (n * n)}
}

// meanValue is computeIntensity's Value-only counterpart, used by
// shellStat where only the scalar mean (for both the sum and the
// profile intensity source) is needed.
func meanValue(peaks []*peak.Peak, useProfile bool) float64 {
	n := float64(len(peaks))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, p := range peaks {
		if useProfile {
			sum += p.ProfileIntensity.Value
		} else {
			sum += p.SumIntensity.Value
		}
	}
	return sum / n
}

// Chi2 returns sum_i (I_i - Ibar)^2 / sigma_i^4, the merged-peak
// chi-squared statistic (approximately chi-squared with n-1 dof).
func (m *MergedPeak) Chi2() float64 {
	var s float64
	for _, p := range m.Peaks {
		if p.SumIntensity.Variance <= 0 {
			continue
		}
		d := p.SumIntensity.Value - m.Intensity.Value
		s += d * d / (p.SumIntensity.Variance * p.SumIntensity.Variance)
	}
	return s
}

// PValue returns the CDF of chi2_{n-1} at Chi2(), via gonum's
// stat/distuv chi-squared distribution.
func (m *MergedPeak) PValue() float64 {
	n := len(m.Peaks)
	if n <= 1 {
		return 1
	}
	dist := distuv.ChiSquared{K: float64(n - 1)}
	return dist.CDF(m.Chi2())
}

// representativeIndex applies every rotation of g (and, if friedel,
// also its Friedel-inverted image) to h and returns the
// lexicographically-maximal result.
func representativeIndex(g *cell.SpaceGroup, h cell.MillerIndex, friedel bool) cell.MillerIndex {
	best := h
	consider := func(c cell.MillerIndex) {
		if lexLess(best, c) {
			best = c
		}
	}
	for _, op := range g.Operations {
		hv := op.R.MulVec(geom.Vec3{float64(h.H), float64(h.K), float64(h.L)})
		cand := roundMiller(hv)
		consider(cand)
		if friedel {
			consider(cell.MillerIndex{H: -cand.H, K: -cand.K, L: -cand.L})
		}
	}
	return best
}

func roundMiller(v geom.Vec3) cell.MillerIndex {
	round := func(x float64) int {
		if x >= 0 {
			return int(x + 0.5)
		}
		return -int(-x + 0.5)
	}
	return cell.MillerIndex{H: round(v[0]), K: round(v[1]), L: round(v[2])}
}

func lexLess(a, b cell.MillerIndex) bool {
	if a.H != b.H {
		return a.H < b.H
	}
	if a.K != b.K {
		return a.K < b.K
	}
	return a.L < b.L
}

// Collection is an ordered set of MergedPeaks keyed by representative
// index.
type Collection struct {
	Group      *cell.SpaceGroup
	Friedel    bool
	SumNotProfile bool
	DMin, DMax float64
	byIndex    map[cell.MillerIndex]*MergedPeak
	order      []cell.MillerIndex
}

// NewCollection returns an empty merged collection under group g.
// SumNotProfile defaults to true, so MergedPeak.Intensity (and
// therefore Chi2/PValue) is sum-based unless the caller explicitly
// asks for the profile-fitted intensity instead.
func NewCollection(g *cell.SpaceGroup, friedel bool) *Collection {
	return &Collection{Group: g, Friedel: friedel, SumNotProfile: true, byIndex: map[cell.MillerIndex]*MergedPeak{}}
}

// Add assigns p to the MergedPeak for its representative index,
// creating one if needed. Calling Merge twice over the same peaks
// reproduces the same grouping, since representativeIndex is a pure
// function of p.Miller.
func (c *Collection) Add(p *peak.Peak) {
	rep := representativeIndex(c.Group, p.Miller, c.Friedel)
	mp, ok := c.byIndex[rep]
	if !ok {
		mp = &MergedPeak{Representative: rep}
		c.byIndex[rep] = mp
		c.order = append(c.order, rep)
	}
	mp.Peaks = append(mp.Peaks, p)
	mp.Intensity = computeIntensity(mp.Peaks, !c.SumNotProfile)
}

// Merge builds a Collection from peaks in one pass.
func Merge(peaks []*peak.Peak, g *cell.SpaceGroup, friedel bool) *Collection {
	c := NewCollection(g, friedel)
	for _, p := range peaks {
		c.Add(p)
	}
	return c
}

// MergedPeaks returns the collection's merged peaks, ordered by
// representative hkl.
func (c *Collection) MergedPeaks() []*MergedPeak {
	sort.Slice(c.order, func(i, j int) bool { return lexLess(c.order[i], c.order[j]) })
	out := make([]*MergedPeak, len(c.order))
	for i, idx := range c.order {
		out[i] = c.byIndex[idx]
	}
	return out
}

// ShellStats carries per-resolution-shell merging-quality statistics,
// computed twice: once from each peak's sum intensity, once from its
// profile-fitted intensity. A merged collection is ambiguous about
// which one the "true" merged intensity should be, so both variants
// are always produced together for every shell rather than leaving
// the choice to silently pick one.
type ShellStats struct {
	DMin, DMax                                   float64
	RMerge, RMeas, RPim                           float64
	ExpectedRMerge, ExpectedRMeas, ExpectedRPim   float64
	CCHalf, CCStar                                float64
	ProfileRMerge, ProfileRMeas, ProfileRPim      float64
	ProfileExpectedRMerge, ProfileExpectedRMeas, ProfileExpectedRPim float64
	ProfileCCHalf, ProfileCCStar                  float64
	Completeness                                  float64
}

// dSpacing computes d from h and the given cell's metric (same formula
// as collection.dSpacing, duplicated locally to avoid an import cycle
// between collection and merge).
func dSpacing(u *cell.UnitCell, h cell.MillerIndex) float64 {
	hv := [3]float64{float64(h.H), float64(h.K), float64(h.L)}
	g := u.Metric()
	ginv, ok := g.Inverse()
	if !ok {
		return math.Inf(1)
	}
	var s float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s += hv[i] * ginv[i][j] * hv[j]
		}
	}
	if s <= 0 {
		return math.Inf(1)
	}
	return 1 / math.Sqrt(s)
}

// ShellStatistics partitions [dMin,dMax] into nShells shells of equal
// reciprocal-space volume (1/d^3 linear) and computes merging-quality
// statistics for each, using corerand for the CC1/2 random half-split.
func ShellStatistics(mps []*MergedPeak, u *cell.UnitCell, dMin, dMax float64, nShells int, theoreticalMax []int) []ShellStats {
	type binned struct {
		mp *MergedPeak
		d  float64
	}
	var items []binned
	for _, mp := range mps {
		d := dSpacing(u, mp.Representative)
		items = append(items, binned{mp, d})
	}

	invMin, invMax := 1/math.Pow(dMax, 3), 1/math.Pow(dMin, 3)
	shellOf := func(d float64) int {
		inv := 1 / math.Pow(d, 3)
		frac := (inv - invMin) / (invMax - invMin)
		idx := int(frac * float64(nShells))
		if idx < 0 {
			idx = 0
		}
		if idx >= nShells {
			idx = nShells - 1
		}
		return idx
	}

	buckets := make([][]*MergedPeak, nShells)
	for _, it := range items {
		s := shellOf(it.d)
		buckets[s] = append(buckets[s], it.mp)
	}

	edges := make([]float64, nShells+1)
	for i := 0; i <= nShells; i++ {
		frac := float64(i) / float64(nShells)
		inv := invMin + frac*(invMax-invMin)
		edges[i] = math.Pow(inv, -1.0/3.0)
	}

	stats := make([]ShellStats, nShells)
	for s := 0; s < nShells; s++ {
		stats[s] = shellStat(buckets[s], edges[s+1], edges[s])
		if theoreticalMax != nil && s < len(theoreticalMax) && theoreticalMax[s] > 0 {
			stats[s].Completeness = float64(len(buckets[s])) / float64(theoreticalMax[s])
		}
	}
	return stats
}

// sqrt2OverPi is sqrt(2/pi), the factor relating a Gaussian intensity
// estimate's sigma to its expected mean absolute deviation; it weights
// the Expected R-factors the same way RMerge/RMeas/RPim are weighted
// by the observed deviations.
const sqrt2OverPi = 0.7978845608028654

// rFactorAccum accumulates the numerator/denominator sums for one
// intensity source (sum or profile) across a shell's merged peaks.
// Merged peaks with redundancy below 2 contribute to neither the
// R-factors nor the CC1/2 half-split: a singleton observation carries
// no merging-quality information.
type rFactorAccum struct {
	numMerge, numMeas, numPim float64
	expMerge, expMeas, expPim float64
	iTotal                    float64
	half1, half2              []float64
}

func (a *rFactorAccum) finish() (rMerge, rMeas, rPim, expMerge, expMeas, expPim, ccHalf, ccStar float64) {
	if a.iTotal > 1e-8 {
		rMerge = a.numMerge / a.iTotal
		rMeas = a.numMeas / a.iTotal
		rPim = a.numPim / a.iTotal
		expMerge = a.expMerge * sqrt2OverPi / a.iTotal
		expMeas = a.expMeas * sqrt2OverPi / a.iTotal
		expPim = a.expPim * sqrt2OverPi / a.iTotal
	}
	if len(a.half1) > 1 {
		ccHalf = stat.Correlation(a.half1, a.half2, nil)
		if ccHalf > -1 {
			ccStar = math.Sqrt(2 * ccHalf / (1 + ccHalf))
		}
	}
	return
}

func shellStat(mps []*MergedPeak, dLo, dHi float64) ShellStats {
	st := ShellStats{DMin: dLo, DMax: dHi}
	sumAcc, profAcc := &rFactorAccum{}, &rFactorAccum{}

	for _, mp := range mps {
		n := len(mp.Peaks)
		if n < 2 {
			continue
		}
		fMeas := math.Sqrt(float64(n) / float64(n-1))
		fPim := math.Sqrt(1 / float64(n-1))

		IbarSum := meanValue(mp.Peaks, false)
		IbarProfile := meanValue(mp.Peaks, true)
		sumAcc.iTotal += math.Abs(IbarSum) * float64(n)
		profAcc.iTotal += math.Abs(IbarProfile) * float64(n)

		for _, p := range mp.Peaks {
			diffSum := math.Abs(p.SumIntensity.Value - IbarSum)
			sumAcc.numMerge += diffSum
			sumAcc.numMeas += fMeas * diffSum
			sumAcc.numPim += fPim * diffSum
			sumAcc.expMerge += p.SumIntensity.Sigma()
			sumAcc.expMeas += p.SumIntensity.Sigma() * fMeas
			sumAcc.expPim += p.SumIntensity.Sigma() * fPim

			diffProfile := math.Abs(p.ProfileIntensity.Value - IbarProfile)
			profAcc.numMerge += diffProfile
			profAcc.numMeas += fMeas * diffProfile
			profAcc.numPim += fPim * diffProfile
			profAcc.expMerge += p.ProfileIntensity.Sigma()
			profAcc.expMeas += p.ProfileIntensity.Sigma() * fMeas
			profAcc.expPim += p.ProfileIntensity.Sigma() * fPim
		}

		groups := corerand.Bool2(n)
		var s1Sum, s2Sum, s1Profile, s2Profile float64
		var c1, c2 int
		for k, g := range groups {
			if g == 0 {
				s1Sum += mp.Peaks[k].SumIntensity.Value
				s1Profile += mp.Peaks[k].ProfileIntensity.Value
				c1++
			} else {
				s2Sum += mp.Peaks[k].SumIntensity.Value
				s2Profile += mp.Peaks[k].ProfileIntensity.Value
				c2++
			}
		}
		if c1 > 0 && c2 > 0 {
			sumAcc.half1 = append(sumAcc.half1, s1Sum/float64(c1))
			sumAcc.half2 = append(sumAcc.half2, s2Sum/float64(c2))
			profAcc.half1 = append(profAcc.half1, s1Profile/float64(c1))
			profAcc.half2 = append(profAcc.half2, s2Profile/float64(c2))
		}
	}

	st.RMerge, st.RMeas, st.RPim, st.ExpectedRMerge, st.ExpectedRMeas, st.ExpectedRPim, st.CCHalf, st.CCStar = sumAcc.finish()
	st.ProfileRMerge, st.ProfileRMeas, st.ProfileRPim, st.ProfileExpectedRMerge, st.ProfileExpectedRMeas, st.ProfileExpectedRPim, st.ProfileCCHalf, st.ProfileCCStar = profAcc.finish()

	st.Completeness = 0 // filled in by the caller when a theoretical maximum is known
	return st
}
