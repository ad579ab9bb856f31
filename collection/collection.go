// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package collection implements the in-memory peak table, predicate
// filtering and the octree used for overlap detection.
package collection

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/instrument"
	"github.com/k61n/openhkl-sub006/peak"
)

// Kind tags a PeakCollection's provenance.
type Kind int

const (
	Found Kind = iota
	Predicted
	Filtered
	Reference
)

// Collection owns a set of peaks and tracks processing milestones.
type Collection struct {
	Kind        Kind
	Peaks       []*peak.Peak
	Indexed     bool
	Integrated  bool
	HasShapeModel bool
}

// NewCollection returns an empty collection of the given kind.
func NewCollection(kind Kind) *Collection { return &Collection{Kind: kind} }

// Add appends a peak; the merger-idempotence property depends on this
// being a plain append with no dedup, so adding the same peak twice
// really does count it twice.
func (c *Collection) Add(p *peak.Peak) { c.Peaks = append(c.Peaks, p) }

// Len returns the number of owned peaks.
func (c *Collection) Len() int { return len(c.Peaks) }

// Predicate reports whether a peak should be kept by a filter stage.
type Predicate func(p *peak.Peak) bool

// FilterParameters bundles the peak-filter options the predicates
// below consume.
type FilterParameters struct {
	DMin, DMax               float64
	StrengthMin, StrengthMax float64
	UnitCell                 *cell.UnitCell
	UnitCellTolerance        float64
	Significance             float64
	Sparse                   int
	FirstFrame, LastFrame    int
	RejectionFlag            peak.RejectionFlag
	IntensityMin, IntensityMax float64
	SigmaMin, SigmaMax       float64
	SpaceGroup               *cell.SpaceGroup
	GradientMin, GradientMax           float64
	GradientSigmaMin, GradientSigmaMax float64
	PeakEnd, BkgEnd                     float64
}

// Enabled keeps peaks that are selected and not masked.
func Enabled() Predicate { return func(p *peak.Peak) bool { return p.Enabled() } }

// Masked keeps masked peaks.
func Masked() Predicate { return func(p *peak.Peak) bool { return p.Masked } }

// Indexed keeps peaks that have been assigned a unit cell, with no
// regard to how well the assignment fits.
func Indexed() Predicate {
	return func(p *peak.Peak) bool { return p.Cell != nil }
}

// IndexedWithinTolerance keeps peaks whose assigned cell predicts a
// q-vector for p.Miller within tol (in inverse length) of the peak's
// own observed q, computed from its detector-space shape via states.
// This is strictly stronger than Indexed: a peak can carry a cell
// whose prediction for its own hkl misses badly, and such a peak must
// still be rejected by this predicate even though Indexed would keep it.
func IndexedWithinTolerance(tol float64, states []instrument.State) Predicate {
	return func(p *peak.Peak) bool {
		if p.Cell == nil {
			return false
		}
		h := p.Miller
		pred := p.Cell.B.T().MulVec(geom.Vec3{float64(h.H), float64(h.K), float64(h.L)}).Scale(2 * math.Pi)
		qShape, err := p.QShape(states)
		if err != nil {
			return false
		}
		return pred.Sub(qShape.Centre).Norm() <= tol
	}
}

// StrengthRange keeps peaks with I/sigma in [min,max].
func StrengthRange(min, max float64) Predicate {
	return func(p *peak.Peak) bool {
		sigma := p.SumIntensity.Sigma()
		if sigma == 0 {
			return false
		}
		strength := p.SumIntensity.Value / sigma
		return strength >= min && strength <= max
	}
}

// IntensityRange keeps peaks whose sum-intensity value lies in [min,max].
func IntensityRange(min, max float64) Predicate {
	return func(p *peak.Peak) bool {
		v := p.SumIntensity.Value
		return v >= min && v <= max
	}
}

// SigmaRange keeps peaks whose sum-intensity sigma lies in [min,max].
func SigmaRange(min, max float64) Predicate {
	return func(p *peak.Peak) bool {
		s := p.SumIntensity.Sigma()
		return s >= min && s <= max
	}
}

// HasRejectionFlag keeps peaks whose effective rejection flag equals
// flag.
func HasRejectionFlag(flag peak.RejectionFlag) Predicate {
	return func(p *peak.Peak) bool { return p.EffectiveRejection() == flag }
}

// SpaceGroupExtinct keeps peaks whose Miller index is systematically
// absent under g.
func SpaceGroupExtinct(g *cell.SpaceGroup) Predicate {
	return func(p *peak.Peak) bool { return g.IsExtinct(p.Miller) }
}

// Significance keeps peaks whose chi-squared p-value (against a single
// observation, dof=1) is at or above the threshold, matching the
// chi-squared significance test used by the merger.
func Significance(threshold float64) Predicate {
	return func(p *peak.Peak) bool {
		v := p.SumIntensity.Variance
		if v <= 0 {
			return false
		}
		chi2 := p.SumIntensity.Value * p.SumIntensity.Value / v
		dist := distuv.ChiSquared{K: 1}
		pValue := 1 - dist.CDF(chi2)
		return pValue >= threshold
	}
}

// FrameRange keeps peaks with centre frame in [first,last].
func FrameRange(first, last int) Predicate {
	return func(p *peak.Peak) bool {
		f := p.Shape.Centre[2]
		return f >= float64(first) && f <= float64(last)
	}
}

// Overlapping keeps peaks that collide with no other peak in the same
// set and rejects both peaks of every colliding pair. Peaks are placed
// in an octree by their bounding boxes at peakEnd scaling; a collision
// is an intersection of two bounding boxes at bkgEnd scaling (see
// Octree.GetCollisions).
func Overlapping(peaks []*peak.Peak, peakEnd, bkgEnd float64) Predicate {
	overlaps := map[*peak.Peak]bool{}
	if len(peaks) > 0 {
		lo := geom.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
		hi := geom.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		for _, p := range peaks {
			for i := 0; i < 3; i++ {
				if p.Shape.Centre[i] < lo[i] {
					lo[i] = p.Shape.Centre[i]
				}
				if p.Shape.Centre[i] > hi[i] {
					hi[i] = p.Shape.Centre[i]
				}
			}
		}
		tree := NewOctree(AABB{Lo: lo, Hi: hi})
		for _, p := range peaks {
			tree.Insert(p, peakEnd)
		}
		for _, pair := range tree.GetCollisions(peakEnd, bkgEnd) {
			overlaps[pair.A] = true
			overlaps[pair.B] = true
		}
	}
	return func(p *peak.Peak) bool { return !overlaps[p] }
}

// SparseDataset keeps every peak in a set unless the set's size falls
// at or below the sparse threshold, in which case the whole set (being
// too small to trust) is rejected: a data set with few peaks biases
// downstream statistics more than it contributes to them.
func SparseDataset(peaks []*peak.Peak, sparse int) Predicate {
	keep := len(peaks) > sparse
	return func(p *peak.Peak) bool { return keep }
}

// GradientRange keeps peaks whose mean background-gradient value lies
// in [min,max].
func GradientRange(min, max float64) Predicate {
	return func(p *peak.Peak) bool {
		g := p.BackgroundGradient.Value
		return g >= min && g <= max
	}
}

// GradientSigmaRange keeps peaks whose mean background-gradient sigma
// lies in [min,max].
func GradientSigmaRange(min, max float64) Predicate {
	return func(p *peak.Peak) bool {
		s := p.BackgroundGradient.Sigma()
		return s >= min && s <= max
	}
}

// Member keeps peaks that belong to set (by pointer identity).
func Member(set *Collection) Predicate {
	members := map[*peak.Peak]bool{}
	for _, p := range set.Peaks {
		members[p] = true
	}
	return func(p *peak.Peak) bool { return members[p] }
}

// And composes predicates with logical AND.
func And(preds ...Predicate) Predicate {
	return func(p *peak.Peak) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

// BuildPredicate composes every enabled criterion in fp into a single
// AND-combined predicate over peaks, the set the filter will run
// against (needed up front by Overlapping/SparseDataset, which judge a
// peak relative to the whole candidate set rather than in isolation).
// A zero-valued field in fp leaves the corresponding criterion out:
// DMin==DMax==0 skips the d-range check, fp.UnitCell==nil skips the
// indexing checks, and so on.
func BuildPredicate(peaks []*peak.Peak, fp FilterParameters, states []instrument.State) Predicate {
	var preds []Predicate
	if fp.DMin != 0 || fp.DMax != 0 {
		preds = append(preds, DRange(fp.DMin, fp.DMax))
	}
	if fp.StrengthMin != 0 || fp.StrengthMax != 0 {
		preds = append(preds, StrengthRange(fp.StrengthMin, fp.StrengthMax))
	}
	if fp.IntensityMin != 0 || fp.IntensityMax != 0 {
		preds = append(preds, IntensityRange(fp.IntensityMin, fp.IntensityMax))
	}
	if fp.SigmaMin != 0 || fp.SigmaMax != 0 {
		preds = append(preds, SigmaRange(fp.SigmaMin, fp.SigmaMax))
	}
	if fp.GradientMin != 0 || fp.GradientMax != 0 {
		preds = append(preds, GradientRange(fp.GradientMin, fp.GradientMax))
	}
	if fp.GradientSigmaMin != 0 || fp.GradientSigmaMax != 0 {
		preds = append(preds, GradientSigmaRange(fp.GradientSigmaMin, fp.GradientSigmaMax))
	}
	if fp.UnitCell != nil {
		preds = append(preds, Indexed())
		if fp.UnitCellTolerance > 0 {
			preds = append(preds, IndexedWithinTolerance(fp.UnitCellTolerance, states))
		}
	}
	if fp.SpaceGroup != nil {
		preds = append(preds, func(p *peak.Peak) bool { return !fp.SpaceGroup.IsExtinct(p.Miller) })
	}
	if fp.Significance > 0 {
		preds = append(preds, Significance(fp.Significance))
	}
	if fp.Sparse > 0 {
		preds = append(preds, SparseDataset(peaks, fp.Sparse))
	}
	if fp.PeakEnd > 0 && fp.BkgEnd > 0 {
		preds = append(preds, Overlapping(peaks, fp.PeakEnd, fp.BkgEnd))
	}
	if fp.LastFrame > 0 || fp.FirstFrame > 0 {
		preds = append(preds, FrameRange(fp.FirstFrame, fp.LastFrame))
	}
	return And(preds...)
}

// Apply partitions peaks into caught (pass every predicate) and
// rejected, recording CaughtByFilter/RejectedByFilter on each peak.
func Apply(peaks []*peak.Peak, pred Predicate) (caught, rejected []*peak.Peak) {
	for _, p := range peaks {
		if pred(p) {
			p.CaughtByFilter = true
			caught = append(caught, p)
		} else {
			p.RejectedByFilter = true
			rejected = append(rejected, p)
		}
	}
	return caught, rejected
}

// dSpacing returns 1/(2*sin(theta)) style d-spacing from a Miller index
// and cell, used by the d-range predicate.
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

// DRange keeps peaks whose own cell's d-spacing at their Miller index
// lies in [dMin,dMax].
func DRange(dMin, dMax float64) Predicate {
	return func(p *peak.Peak) bool {
		if p.Cell == nil {
			return false
		}
		d := dSpacing(p.Cell, p.Miller)
		return d >= dMin && d <= dMax
	}
}
