// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index implements the auto-indexer: FFT direction search over
// a half-sphere, triplet enumeration, nonlinear refinement and
// ranking/filtering of candidate unit cells.
package index

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/coreprogress"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/lsq"
)

// Parameters bundles the auto-indexer's tunable options.
type Parameters struct {
	MaxDim                       float64
	NSolutions                   int
	NVertices                    int
	Subdiv                       int
	IndexingTolerance            float64
	NiggliTolerance              float64
	GruberTolerance              float64
	NiggliReduction              bool
	MinUnitCellVolume            float64
	UnitCellEquivalenceTolerance float64
	SolutionCutoff               float64
	FrequencyTolerance           float64

	// Progress, if non-nil, is forwarded to the Levenberg-Marquardt
	// solver driving Refine; returning true aborts the refinement.
	Progress coreprogress.Func
}

// DefaultParameters mirrors the defaults a caller would reach for
// before tuning.
func DefaultParameters() Parameters {
	return Parameters{
		MaxDim: 50, NSolutions: 10, NVertices: 10000, Subdiv: 30,
		IndexingTolerance: 0.2, NiggliTolerance: 1e-3, GruberTolerance: 1e-2,
		NiggliReduction: false, MinUnitCellVolume: 20, UnitCellEquivalenceTolerance: 0.05,
		SolutionCutoff: 80, FrequencyTolerance: 0.7,
	}
}

// Candidate is one auto-indexing result: the fitted cell and a quality
// score in [0,100].
type Candidate struct {
	Cell    *cell.UnitCell
	Quality float64
	Volume  float64
}

// halfSphereDirections returns n unit vectors approximately uniformly
// spaced over a half-sphere, using the usual spiral/Fibonacci
// construction (a stand-in for whatever specific low-discrepancy
// scheme an indexer implementation favours; the only property the FFT search actually needs is near-uniform
// half-sphere coverage).
func halfSphereDirections(n int) []geom.Vec3 {
	dirs := make([]geom.Vec3, 0, n)
	ga := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		z := float64(i) / float64(n) // [0,1): half sphere only
		r := math.Sqrt(1 - z*z)
		theta := ga * float64(i)
		dirs = append(dirs, geom.Vec3{r * math.Cos(theta), r * math.Sin(theta), z})
	}
	return dirs
}

// fftPeakVector finds the strongest direct-lattice-vector candidate
// along direction n by projecting q onto n, histogramming, and taking
// the first local maximum of the DFT magnitude exceeding
// freqTol*|F0| with k>=subdiv/2.
func fftPeakVector(qs []geom.Vec3, n geom.Vec3, maxDim float64, subdiv int, freqTol float64) (geom.Vec3, float64, bool) {
	qMax := 0.0
	for _, q := range qs {
		if nm := q.Norm(); nm > qMax {
			qMax = nm
		}
	}
	if qMax == 0 {
		return geom.Vec3{}, 0, false
	}
	binWidth := 1 / (2 * qMax * float64(subdiv))
	nBins := int(maxDim/binWidth) + 1
	if nBins < 4 {
		nBins = 4
	}
	hist := make([]float64, nBins)
	for _, q := range qs {
		proj := q.Dot(n)
		bin := int(math.Abs(proj) / binWidth)
		if bin >= 0 && bin < nBins {
			hist[bin]++
		}
	}

	fft := fourier.NewFFT(nBins)
	coeffs := fft.Coefficients(nil, hist)
	f0 := math.Hypot(real(coeffs[0]), imag(coeffs[0]))
	if f0 == 0 {
		return geom.Vec3{}, 0, false
	}

	threshold := freqTol * f0
	minK := subdiv / 2
	for k := minK; k < len(coeffs)-1; k++ {
		mag := math.Hypot(real(coeffs[k]), imag(coeffs[k]))
		magPrev := math.Hypot(real(coeffs[k-1]), imag(coeffs[k-1]))
		magNext := math.Hypot(real(coeffs[k+1]), imag(coeffs[k+1]))
		if mag > threshold && mag >= magPrev && mag >= magNext {
			length := float64(k) * float64(subdiv) * maxDim / float64(nBins)
			return n.Scale(length), mag, true
		}
	}
	return geom.Vec3{}, 0, false
}

// FFTDirectionSearch implements the auto-indexer's first phase, returning the
// top NSolutions direct-lattice-vector candidates ranked by magnitude.
func FFTDirectionSearch(qs []geom.Vec3, p Parameters) []geom.Vec3 {
	dirs := halfSphereDirections(p.NVertices)
	type scored struct {
		v   geom.Vec3
		mag float64
	}
	var candidates []scored
	for _, n := range dirs {
		v, mag, ok := fftPeakVector(qs, n, p.MaxDim, p.Subdiv, p.FrequencyTolerance)
		if ok {
			candidates = append(candidates, scored{v, mag})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mag > candidates[j].mag })
	n := p.NSolutions
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]geom.Vec3, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].v
	}
	return out
}

// EnumerateTriplets forms every unordered triplet of the candidate
// lattice vectors into a candidate cell, rejecting those with too
// small a volume or equivalent (within tolerance) to an
// already-accepted candidate.
func EnumerateTriplets(vectors []geom.Vec3, p Parameters) []*cell.UnitCell {
	var accepted []*cell.UnitCell
	n := len(vectors)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				A := geom.FromCols(vectors[i], vectors[j], vectors[k])
				if A.Det() < p.MinUnitCellVolume && A.Det() > -p.MinUnitCellVolume {
					continue
				}
				if A.Det() < 0 {
					A = geom.FromCols(vectors[j], vectors[i], vectors[k])
				}
				candidate := cell.NewFromBasis(A)
				dup := false
				for _, acc := range accepted {
					if candidate.IsSimilar(acc, p.UnitCellEquivalenceTolerance, p.UnitCellEquivalenceTolerance) {
						dup = true
						break
					}
				}
				if !dup {
					accepted = append(accepted, candidate)
				}
			}
		}
	}
	return accepted
}

// whitenedResidual builds the weighted q-space residual for a single
// candidate reciprocal basis B (flattened row-major, 9 components)
// against observed q's and their Miller indices, used by Refine.
func whitenedResidual(qs []geom.Vec3, hkls []cell.MillerIndex, weights []geom.Mat3) func([]float64) []float64 {
	return func(p []float64) []float64 {
		B := geom.Mat3{{p[0], p[1], p[2]}, {p[3], p[4], p[5]}, {p[6], p[7], p[8]}}
		res := make([]float64, 0, 3*len(qs))
		for i, q := range qs {
			h := hkls[i]
			pred := B.T().MulVec(geom.Vec3{float64(h.H), float64(h.K), float64(h.L)}).Scale(2 * math.Pi)
			diff := q.Sub(pred)
			w := weights[i].MulVec(diff)
			res = append(res, w[0], w[1], w[2])
		}
		return res
	}
}

// Refine fits the reciprocal basis of candidate to the observed q
// vectors via the shared Levenberg-Marquardt solver, re-reduces it, and
// returns the refined Candidate with its re-indexing quality score.
func Refine(candidate *cell.UnitCell, qs []geom.Vec3, weights []geom.Mat3, p Parameters) (*Candidate, bool) {
	hkls := make([]cell.MillerIndex, len(qs))
	for i, q := range qs {
		hkls[i] = cell.MillerIndexFromQ(candidate, q)
	}
	B0 := candidate.B
	init := []float64{B0[0][0], B0[0][1], B0[0][2], B0[1][0], B0[1][1], B0[1][2], B0[2][0], B0[2][1], B0[2][2]}

	opts := lsq.DefaultOptions()
	opts.Progress = p.Progress
	problem := lsq.Problem{NFree: 9, Residual: whitenedResidual(qs, hkls, weights)}
	result, err := lsq.Fit(init, problem, opts)
	if err != nil {
		return nil, false
	}
	fp := result.P0
	B := geom.Mat3{{fp[0], fp[1], fp[2]}, {fp[3], fp[4], fp[5]}, {fp[6], fp[7], fp[8]}}
	AT, ok := B.Inverse()
	if !ok {
		return nil, false
	}
	fitted := cell.NewFromBasis(AT.T())
	reduced, err := cell.Reduce(fitted, p.NiggliReduction, p.NiggliTolerance, p.GruberTolerance)
	if err != nil {
		return nil, false
	}

	indexed, reindexed := 0, 0
	for _, q := range qs {
		h0 := cell.MillerIndexFromQ(candidate, q)
		h1 := cell.MillerIndexFromQ(reduced, q)
		if isIndexed(candidate, q, h0, p.IndexingTolerance) {
			indexed++
		}
		if isIndexed(reduced, q, h1, p.IndexingTolerance) {
			reindexed++
		}
	}
	if indexed == 0 {
		return nil, false
	}
	quality := 100 * float64(reindexed) / float64(indexed)
	return &Candidate{Cell: reduced, Quality: quality, Volume: reduced.Volume()}, true
}

func isIndexed(u *cell.UnitCell, q geom.Vec3, h cell.MillerIndex, tol float64) bool {
	pred := u.A.T().MulVec(q.Scale(1 / (2 * math.Pi)))
	delta := pred.Sub(geom.Vec3{float64(h.H), float64(h.K), float64(h.L)})
	return delta.InfNorm() < tol
}

// Rank drops candidates below cutoff and sorts by decreasing quality
// then ascending volume.
func Rank(candidates []*Candidate, cutoff float64) []*Candidate {
	var kept []*Candidate
	for _, c := range candidates {
		if c.Quality >= cutoff {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Quality != kept[j].Quality {
			return kept[i].Quality > kept[j].Quality
		}
		return kept[i].Volume < kept[j].Volume
	})
	return kept
}
