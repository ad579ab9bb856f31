// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"fmt"
	"math"
	"sort"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/geom"
)

// UserDefinedParameters bundles a provisional unit cell (supplied by
// the operator rather than found by FFTDirectionSearch) and the
// tolerances UserDefinedIndex uses to accept or reject it.
type UserDefinedParameters struct {
	Wavelength         float64
	A, B, C            float64
	Alpha, Beta, Gamma float64
	NiggliTolerance    float64
	GruberTolerance    float64
	IndexingTolerance  float64
	IndexingThreshold  float64
	NSolutions         int
	MaxNQVectors       int
	DistanceTolerance  float64
	AngularTolerance   float64
	NiggliReduction    bool
}

// DefaultUserDefinedParameters mirrors the defaults a caller would
// reach for before supplying their own provisional cell.
func DefaultUserDefinedParameters() UserDefinedParameters {
	return UserDefinedParameters{
		Wavelength: 1.0, A: 10, B: 10, C: 10,
		Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2,
		NiggliTolerance: 1e-3, GruberTolerance: 1e-2,
		IndexingTolerance: 0.2, IndexingThreshold: 0.8,
		NSolutions: 10, MaxNQVectors: 200,
		DistanceTolerance: 0.05, AngularTolerance: 0.1,
	}
}

// checkUserDefinedParameters validates p's ranges: the cell edges and
// the wavelength must be positive, and every tolerance must lie in
// [0,2] (grounded on core/algo/UserDefinedIndexer.cpp's
// checkParameters, which tests fabs(x-1.0)<=1.0).
func checkUserDefinedParameters(p UserDefinedParameters) error {
	if p.Wavelength <= 0 {
		return fmt.Errorf("index: wavelength must be positive, got %g", p.Wavelength)
	}
	if p.A <= 0 || p.B <= 0 || p.C <= 0 {
		return fmt.Errorf("index: cell edges must be positive, got %g %g %g", p.A, p.B, p.C)
	}
	for name, v := range map[string]float64{
		"niggli_tolerance":   p.NiggliTolerance,
		"gruber_tolerance":   p.GruberTolerance,
		"indexing_tolerance": p.IndexingTolerance,
		"indexing_threshold": p.IndexingThreshold,
	} {
		if math.Abs(v-1.0) > 1.0 {
			return fmt.Errorf("index: %s must lie in [0,2], got %g", name, v)
		}
	}
	return nil
}

// matchedReflection pairs an observed q with the predicted reflection
// within DistanceTolerance of it.
type matchedReflection struct {
	h cell.MillerIndex
	q geom.Vec3
}

// matchObservedToPredicted finds, for every observed q, the nearest
// predicted (hkl,q) reflection within tol; unmatched observations are
// dropped.
func matchObservedToPredicted(observed []geom.Vec3, predicted []cell.MillerIndex, predictedQ []geom.Vec3, tol float64) []matchedReflection {
	var out []matchedReflection
	for _, qo := range observed {
		best := -1
		bestDist := tol
		for i, qp := range predictedQ {
			d := qo.Sub(qp).Norm()
			if d <= bestDist {
				bestDist = d
				best = i
			}
		}
		if best >= 0 {
			out = append(out, matchedReflection{h: predicted[best], q: qo})
		}
	}
	return out
}

// tripletAngleConsistent reports whether the angle between two
// matched reflections' predicted hkl directions (under provisional)
// agrees with the angle between their observed q's, within tol
// radians.
func tripletAngleConsistent(provisional *cell.UnitCell, a, b matchedReflection, tol float64) bool {
	qa := provisional.PredictQ(a.h)
	qb := provisional.PredictQ(b.h)
	na, nb := qa.Norm(), qb.Norm()
	if na == 0 || nb == 0 {
		return false
	}
	predictedAngle := math.Acos(clamp(qa.Dot(qb)/(na*nb), -1, 1))

	oa, ob := a.q.Norm(), b.q.Norm()
	if oa == 0 || ob == 0 {
		return false
	}
	observedAngle := math.Acos(clamp(a.q.Dot(b.q)/(oa*ob), -1, 1))

	return math.Abs(predictedAngle-observedAngle) <= tol
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// buMatrix solves Q = 2*pi*H*B for B given three matched reflections,
// returning B and whether H was invertible (non-coplanar hkl triplet).
func buMatrix(trip [3]matchedReflection) (geom.Mat3, bool) {
	H := geom.Mat3{
		{float64(trip[0].h.H), float64(trip[0].h.K), float64(trip[0].h.L)},
		{float64(trip[1].h.H), float64(trip[1].h.K), float64(trip[1].h.L)},
		{float64(trip[2].h.H), float64(trip[2].h.K), float64(trip[2].h.L)},
	}
	Q := geom.Mat3{
		{trip[0].q[0], trip[0].q[1], trip[0].q[2]},
		{trip[1].q[0], trip[1].q[1], trip[1].q[2]},
		{trip[2].q[0], trip[2].q[1], trip[2].q[2]},
	}
	Hinv, ok := H.Inverse()
	if !ok {
		return geom.Mat3{}, false
	}
	BU := Hinv.Mul(Q).Scale(1 / (2 * math.Pi))
	return BU, true
}

// UserDefinedIndex implements the user-defined auto-indexer variant:
// starting from an operator-supplied provisional cell rather than an
// FFT direction search, it predicts every reflection in [dMin,dMax],
// matches each against the observed q's within DistanceTolerance and
// AngularTolerance, solves BU=H^-1 Q for the triplets that pass, and
// accepts the first candidate with det(BU)>0 whose indexed fraction
// reaches IndexingThreshold (grounded on
// core/algo/UserDefinedIndexer.cpp's index()).
func UserDefinedIndex(p UserDefinedParameters, qs []geom.Vec3, weights []geom.Mat3, dMin, dMax float64) (*Candidate, bool) {
	if err := checkUserDefinedParameters(p); err != nil {
		return nil, false
	}

	provisional, err := cell.NewFromCharacter(cell.Character{A: p.A, B: p.B, C: p.C, Alpha: p.Alpha, Beta: p.Beta, Gamma: p.Gamma})
	if err != nil {
		return nil, false
	}

	predicted := cell.GenerateReflectionsInShell(provisional, dMin, dMax)
	if len(predicted) < 3 {
		return nil, false
	}
	predictedQ := make([]geom.Vec3, len(predicted))
	for i, h := range predicted {
		predictedQ[i] = provisional.PredictQ(h)
	}

	observed := qs
	if p.MaxNQVectors > 0 && len(observed) > p.MaxNQVectors {
		sorted := append([]geom.Vec3(nil), observed...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Norm() < sorted[j].Norm() })
		observed = sorted[:p.MaxNQVectors]
	}

	matches := matchObservedToPredicted(observed, predicted, predictedQ, p.DistanceTolerance)
	if len(matches) < 3 {
		return nil, false
	}

	n := len(matches)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !tripletAngleConsistent(provisional, matches[i], matches[j], p.AngularTolerance) {
				continue
			}
			for k := j + 1; k < n; k++ {
				if !tripletAngleConsistent(provisional, matches[i], matches[k], p.AngularTolerance) {
					continue
				}
				if !tripletAngleConsistent(provisional, matches[j], matches[k], p.AngularTolerance) {
					continue
				}
				BU, ok := buMatrix([3]matchedReflection{matches[i], matches[j], matches[k]})
				if !ok || BU.Det() <= 0 {
					continue
				}

				AT, ok := BU.Inverse()
				if !ok {
					continue
				}
				fitted := cell.NewFromBasis(AT.T())

				indexedN := 0
				for _, q := range qs {
					h := cell.MillerIndexFromQ(fitted, q)
					if isIndexed(fitted, q, h, p.IndexingTolerance) {
						indexedN++
					}
				}
				if len(qs) == 0 || float64(indexedN)/float64(len(qs)) < p.IndexingThreshold {
					continue
				}

				reduced, err := cell.Reduce(fitted, p.NiggliReduction, p.NiggliTolerance, p.GruberTolerance)
				if err != nil {
					reduced = fitted
				}
				refineParams := Parameters{
					IndexingTolerance: p.IndexingTolerance,
					NiggliTolerance:   p.NiggliTolerance,
					GruberTolerance:   p.GruberTolerance,
					NiggliReduction:   p.NiggliReduction,
				}
				if refined, ok := Refine(reduced, qs, weights, refineParams); ok {
					return refined, true
				}
				quality := 100 * float64(indexedN) / float64(len(qs))
				return &Candidate{Cell: reduced, Quality: quality, Volume: reduced.Volume()}, true
			}
		}
	}
	return nil, false
}
