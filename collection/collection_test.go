// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collection

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/instrument"
	"github.com/k61n/openhkl-sub006/peak"
)

func TestAddIsIdempotentFree(t *testing.T) {
	c := NewCollection(Found)
	p := peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()})
	c.Add(p)
	c.Add(p)
	if c.Len() != 2 {
		t.Fatalf("expected adding the same peak twice to count twice, got %d", c.Len())
	}
}

func TestEnabledPredicate(t *testing.T) {
	p1 := peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()})
	p2 := peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()})
	p2.Masked = true
	caught, rejected := Apply([]*peak.Peak{p1, p2}, Enabled())
	if len(caught) != 1 || len(rejected) != 1 {
		t.Fatalf("expected 1 caught, 1 rejected; got %d, %d", len(caught), len(rejected))
	}
}

func TestIndexedDistinctFromIndexedWithinTolerance(t *testing.T) {
	c, err := cell.NewFromCharacter(cell.Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	if err != nil {
		t.Fatalf("NewFromCharacter: %v", err)
	}
	det := instrument.Detector{Origin: geom.Vec3{-50, -50, 500}, DX: geom.Vec3{1, 0, 0}, DY: geom.Vec3{0, 1, 0}}
	s := instrument.NewState(geom.Vec3{}, geom.IdentityQuaternion(), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1, 0.05, det)
	states := []instrument.State{s, s}

	k := 2 * math.Pi
	ki := geom.Vec3{0, 0, 1}.Scale(k)
	h := cell.MillerIndex{H: 1, K: 0, L: 0}
	predQ := c.B.T().MulVec(geom.Vec3{1, 0, 0}).Scale(2 * math.Pi)
	kf := predQ.Add(ki)
	d := kf.Normalize()
	tRay := 500 / d[2]
	pixel := d.Scale(tRay)

	goodFit := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{pixel[0] + 50, pixel[1] + 50, 0}, Metric: geom.Identity3()})
	goodFit.Miller = h
	goodFit.Cell = c

	badFit := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{10, 10, 0}, Metric: geom.Identity3()})
	badFit.Miller = h
	badFit.Cell = c

	uncelled := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{10, 10, 0}, Metric: geom.Identity3()})

	indexed := Indexed()
	if !indexed(goodFit) || !indexed(badFit) {
		t.Fatal("Indexed should keep any peak carrying a cell, regardless of fit quality")
	}
	if indexed(uncelled) {
		t.Fatal("Indexed should reject a peak without a cell")
	}

	tol := IndexedWithinTolerance(1e-6, states)
	if !tol(goodFit) {
		t.Fatal("IndexedWithinTolerance should keep a peak whose observed q matches its hkl prediction")
	}
	if tol(badFit) {
		t.Fatal("IndexedWithinTolerance should reject a peak whose observed q is far from its hkl prediction")
	}
}

func TestSparseDatasetRejectsSmallSets(t *testing.T) {
	small := []*peak.Peak{peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()}), peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()})}
	pred := SparseDataset(small, 5)
	for _, p := range small {
		if pred(p) {
			t.Fatal("expected a dataset with fewer peaks than the sparse threshold to be rejected entirely")
		}
	}

	var large []*peak.Peak
	for i := 0; i < 10; i++ {
		large = append(large, peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()}))
	}
	pred = SparseDataset(large, 5)
	for _, p := range large {
		if !pred(p) {
			t.Fatal("expected a dataset larger than the sparse threshold to be kept")
		}
	}
}

func TestOverlappingPredicateRejectsCollidingPeaks(t *testing.T) {
	p1 := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{0, 0, 0}, Metric: geom.Identity3()})
	p2 := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{0.5, 0, 0}, Metric: geom.Identity3()})
	p3 := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{50, 50, 50}, Metric: geom.Identity3()})
	pred := Overlapping([]*peak.Peak{p1, p2, p3}, 1.5, 3)
	if pred(p1) || pred(p2) {
		t.Fatal("expected the colliding pair to be rejected by Overlapping")
	}
	if !pred(p3) {
		t.Fatal("expected the isolated peak to be kept by Overlapping")
	}
}

func TestGradientRangePredicate(t *testing.T) {
	p := peak.NewPeak(peak.Ellipsoid{Metric: geom.Identity3()})
	p.BackgroundGradient = peak.IntensityVariance{Value: 5, Variance: 1}
	if !GradientRange(0, 10)(p) {
		t.Fatal("expected gradient within range to be kept")
	}
	if GradientRange(0, 2)(p) {
		t.Fatal("expected gradient outside range to be rejected")
	}
}

func TestOctreeFindsOverlappingPeaks(t *testing.T) {
	o := NewOctree(AABB{Lo: geom.Vec3{-100, -100, -100}, Hi: geom.Vec3{100, 100, 100}})
	p1 := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{0, 0, 0}, Metric: geom.Identity3()})
	p2 := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{0.5, 0, 0}, Metric: geom.Identity3()})
	p3 := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{50, 50, 50}, Metric: geom.Identity3()})
	o.Insert(p1, 2)
	o.Insert(p2, 2)
	o.Insert(p3, 2)
	pairs := o.GetCollisions(1.5, 3)
	if len(pairs) != 1 {
		t.Fatalf("expected exactly one colliding pair, got %d", len(pairs))
	}
}
