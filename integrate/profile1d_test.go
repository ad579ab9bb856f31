// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package integrate

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/peak"
)

func TestShellIndexMonotonicAndBounded(t *testing.T) {
	maxR2 := 9.0
	n := 10
	if got := shellIndex(0, maxR2, n); got != 0 {
		t.Errorf("expected shell 0 at the centre, got %d", got)
	}
	if got := shellIndex(maxR2, maxR2, n); got != n-1 {
		t.Errorf("expected the outermost shell at the boundary, got %d", got)
	}
	prev := -1
	for _, d2 := range []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9} {
		got := shellIndex(d2, maxR2, n)
		if got < prev {
			t.Errorf("shellIndex must be monotonic in d2, got %d after %d", got, prev)
		}
		if got < 0 || got >= n {
			t.Errorf("shellIndex %d out of range [0,%d)", got, n)
		}
		prev = got
	}
}

func TestProfile1DComputeFlatSourceRecoversBackgroundAndPositiveSum(t *testing.T) {
	region := Region{Shape: unitShape(geom.Vec3{}), PeakR: 3, BkgR0: 3, BkgR1: 4}
	var voxels []Voxel
	for x := -4.0; x <= 4.0; x++ {
		for y := -4.0; y <= 4.0; y++ {
			for z := -4.0; z <= 4.0; z++ {
				pos := geom.Vec3{x, y, z}
				switch region.Classify(pos) {
				case Peak:
					voxels = append(voxels, Voxel{Pos: pos, Count: 150})
				case Background:
					voxels = append(voxels, Voxel{Pos: pos, Count: 100})
				}
			}
		}
	}
	pi := &Profile1D{N: 10}
	result := pi.Compute(nil, region, voxels)
	if result.Flag != peak.NotRejected {
		t.Fatalf("expected NotRejected, got %v", result.Flag)
	}
	if math.Abs(result.Background.Value-100) > 1e-6 {
		t.Errorf("expected background ~100, got %v", result.Background.Value)
	}
	// Result does not expose the normalised profile itself; Sum is its
	// background-subtracted normalising total, positive here because the
	// peak voxels sit 50 counts above background.
	if result.Sum.Value <= 0 {
		t.Errorf("expected a positive background-subtracted sum, got %v", result.Sum.Value)
	}
}

func TestProfile1DComputeZeroNWithoutVoxelsFlagsInvalidBkgSigma(t *testing.T) {
	region := Region{Shape: unitShape(geom.Vec3{}), PeakR: 3, BkgR0: 3, BkgR1: 4}
	pi := &Profile1D{}
	// with no voxels at all the background estimate has zero samples,
	// which must be flagged rather than panicking on a divide-by-zero.
	result := pi.Compute(nil, region, nil)
	if result.Flag != peak.InvalidBkgSigma {
		t.Errorf("expected InvalidBkgSigma with no voxels, got %v", result.Flag)
	}
}

func TestProfile1DComputeFlagsBadIntegrationFitWhenOuterShellEmpty(t *testing.T) {
	region := Region{Shape: unitShape(geom.Vec3{}), PeakR: 3, BkgR0: 3, BkgR1: 4}
	// background voxels present, but nothing at all classifies as Peak,
	// so every shell (including the outermost) stays at zero and the
	// normalising denominator is exactly zero.
	var voxels []Voxel
	for x := -4.0; x <= 4.0; x++ {
		pos := geom.Vec3{x, 0, 0}
		if region.Classify(pos) == Background {
			voxels = append(voxels, Voxel{Pos: pos, Count: 100})
		}
	}
	pi := &Profile1D{N: 10}
	result := pi.Compute(nil, region, voxels)
	if result.Flag != peak.BadIntegrationFit {
		t.Errorf("expected BadIntegrationFit with no peak voxels, got %v", result.Flag)
	}
}
