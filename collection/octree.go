// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collection

import (
	"math"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/peak"
)

// AABB is an axis-aligned bounding box in detector/frame space.
type AABB struct {
	Lo, Hi geom.Vec3
}

func (b AABB) Intersects(o AABB) bool {
	for i := 0; i < 3; i++ {
		if b.Hi[i] < o.Lo[i] || o.Hi[i] < b.Lo[i] {
			return false
		}
	}
	return true
}

func boundingBox(e peak.Ellipsoid, scale float64) AABB {
	// the AABB of an ellipsoid scaled by `scale` is found from the
	// per-axis extent sqrt(scale^2 * (A^-1)_ii); A is the ellipsoid's
	// metric, so A^-1 is its covariance.
	cov, ok := e.Metric.Inverse()
	if !ok {
		return AABB{Lo: e.Centre, Hi: e.Centre}
	}
	var lo, hi geom.Vec3
	for i := 0; i < 3; i++ {
		extent := scale * sqrtNonNeg(cov[i][i])
		lo[i] = e.Centre[i] - extent
		hi[i] = e.Centre[i] + extent
	}
	return AABB{Lo: lo, Hi: hi}
}

func sqrtNonNeg(x float64) float64 {
	if x < 0 {
		return 0
	}
	return math.Sqrt(x)
}

// leafEntry pairs a peak with its AABB at peak-radius scaling, cached
// so subdivide can redistribute entries without recomputing it.
type leafEntry struct {
	p   *peak.Peak
	box AABB
}

// octreeMaxStorage and octreeMaxDepth bound node subdivision: a leaf
// subdivides once it holds more than octreeMaxStorage entries, down to
// octreeMaxDepth. The tree always works in three dimensions, so the
// multiplicity is fixed at 8 rather than carried as a generic
// dimension parameter (documented open-question decision, see
// DESIGN.md).
const (
	octreeMaxStorage = 8
	octreeMaxDepth   = 10
)

// Octree is an axis-aligned-bounding-box tree over peak ellipsoids.
type Octree struct {
	bounds   AABB
	depth    int
	entries  []leafEntry
	children [8]*Octree
}

// NewOctree returns an empty octree covering bounds.
func NewOctree(bounds AABB) *Octree {
	return &Octree{bounds: bounds}
}

func (o *Octree) isLeaf() bool { return o.children[0] == nil }

// Insert adds a peak, scaled to peakEnd for bounding purposes.
func (o *Octree) Insert(p *peak.Peak, peakEnd float64) {
	o.insert(leafEntry{p: p, box: boundingBox(p.Shape, peakEnd)})
}

func (o *Octree) insert(e leafEntry) {
	if o.isLeaf() {
		o.entries = append(o.entries, e)
		if len(o.entries) > octreeMaxStorage && o.depth < octreeMaxDepth {
			o.subdivide()
		}
		return
	}
	for _, c := range o.children {
		if c.bounds.Intersects(e.box) {
			c.insert(e)
		}
	}
}

func (o *Octree) subdivide() {
	mid := o.bounds.Lo.Add(o.bounds.Hi).Scale(0.5)
	idx := 0
	for bx := 0; bx < 2; bx++ {
		for by := 0; by < 2; by++ {
			for bz := 0; bz < 2; bz++ {
				lo, hi := o.bounds.Lo, o.bounds.Hi
				if bx == 0 {
					hi[0] = mid[0]
				} else {
					lo[0] = mid[0]
				}
				if by == 0 {
					hi[1] = mid[1]
				} else {
					lo[1] = mid[1]
				}
				if bz == 0 {
					hi[2] = mid[2]
				} else {
					lo[2] = mid[2]
				}
				o.children[idx] = &Octree{bounds: AABB{Lo: lo, Hi: hi}, depth: o.depth + 1}
				idx++
			}
		}
	}
	entries := o.entries
	o.entries = nil
	for _, e := range entries {
		for _, c := range o.children {
			if c.bounds.Intersects(e.box) {
				c.insert(e)
			}
		}
	}
}

// CollisionPair is one pair of overlapping peaks found by GetCollisions.
type CollisionPair struct {
	A, B *peak.Peak
}

// GetCollisions returns every pair of distinct peaks whose axis-aligned
// bounding boxes, each computed from the ellipsoid scaled by bkgEnd,
// intersect. The boxes are compared, not the ellipsoids themselves, and
// peakEnd is not used by the test. Both peaks in a colliding pair
// should be marked OverlappingPeak/OverlappingBkg by the caller.
func (o *Octree) GetCollisions(peakEnd, bkgEnd float64) []CollisionPair {
	var all []leafEntry
	o.collectAll(&all)

	// dedup peaks that landed in more than one leaf (boundary overlap)
	// before pairing, assigning each distinct peak a stable ordinal so
	// pairs can be deduplicated without relying on pointer ordering
	// (pointers are not ordered in Go).
	id := map[*peak.Peak]int{}
	var unique []leafEntry
	for _, e := range all {
		if _, ok := id[e.p]; ok {
			continue
		}
		id[e.p] = len(unique)
		unique = append(unique, e)
	}

	var pairs []CollisionPair
	for i := 0; i < len(unique); i++ {
		bi := boundingBox(unique[i].p.Shape, bkgEnd)
		for j := i + 1; j < len(unique); j++ {
			bj := boundingBox(unique[j].p.Shape, bkgEnd)
			if bi.Intersects(bj) {
				pairs = append(pairs, CollisionPair{A: unique[i].p, B: unique[j].p})
			}
		}
	}
	_ = peakEnd
	return pairs
}

func (o *Octree) collectAll(out *[]leafEntry) {
	if o.isLeaf() {
		*out = append(*out, o.entries...)
		return
	}
	for _, c := range o.children {
		c.collectAll(out)
	}
}
