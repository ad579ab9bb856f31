// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package integrate

import (
	"testing"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/peak"
)

func unitShape(centre geom.Vec3) peak.Ellipsoid {
	return peak.Ellipsoid{Centre: centre, Metric: geom.Identity3()}
}

func TestRegionClassifyPeakBackgroundExcluded(t *testing.T) {
	r := Region{Shape: unitShape(geom.Vec3{}), PeakR: 1, BkgR0: 2, BkgR1: 3}

	if got := r.Classify(geom.Vec3{0.5, 0, 0}); got != Peak {
		t.Errorf("expected Peak at radius 0.5, got %v", got)
	}
	if got := r.Classify(geom.Vec3{2.5, 0, 0}); got != Background {
		t.Errorf("expected Background at radius 2.5, got %v", got)
	}
	if got := r.Classify(geom.Vec3{1.5, 0, 0}); got != Excluded {
		t.Errorf("expected Excluded at radius 1.5 (gap between peak and bkg), got %v", got)
	}
	if got := r.Classify(geom.Vec3{10, 0, 0}); got != Excluded {
		t.Errorf("expected Excluded far outside the annulus, got %v", got)
	}
}

func TestRegionClassifyForbiddenTakesPrecedence(t *testing.T) {
	r := Region{
		Shape:     unitShape(geom.Vec3{}),
		PeakR:     1,
		BkgR0:     2,
		BkgR1:     3,
		Forbidden: []peak.Ellipsoid{unitShape(geom.Vec3{0.5, 0, 0})},
	}
	if got := r.Classify(geom.Vec3{0.5, 0, 0}); got != Forbidden {
		t.Errorf("expected Forbidden to override Peak, got %v", got)
	}
}

type countingIntegrator struct{ calls int }

func (c *countingIntegrator) Compute(p *peak.Peak, region Region, voxels []Voxel) Result {
	c.calls++
	return Result{Sum: peak.IntensityVariance{Value: float64(c.calls)}}
}

func TestRunBatchProcessesEveryJobWhenNotCancelled(t *testing.T) {
	jobs := make([]Job, 3)
	integrator := &countingIntegrator{}
	results := RunBatch(jobs, integrator, nil)
	if integrator.calls != 3 {
		t.Fatalf("expected all 3 jobs to be computed, got %d calls", integrator.calls)
	}
	for i, r := range results {
		if r.Flag != peak.NotRejected {
			t.Errorf("job %d: expected NotRejected, got %v", i, r.Flag)
		}
	}
}

func TestRunBatchCancellationFlagsRemainingJobs(t *testing.T) {
	jobs := make([]Job, 5)
	integrator := &countingIntegrator{}
	progress := func(step, total int) bool { return step >= 2 }
	results := RunBatch(jobs, integrator, progress)
	if integrator.calls != 2 {
		t.Fatalf("expected exactly 2 jobs computed before cancelling, got %d calls", integrator.calls)
	}
	for i := 0; i < 2; i++ {
		if results[i].Flag == peak.Cancelled {
			t.Errorf("job %d: already-processed job must not be marked Cancelled", i)
		}
	}
	for i := 2; i < 5; i++ {
		if results[i].Flag != peak.Cancelled {
			t.Errorf("job %d: expected Cancelled, got %v", i, results[i].Flag)
		}
	}
}

func TestRegisteredIntegratorVariantsConstructAndUnknownNameIsNil(t *testing.T) {
	for _, name := range []string{"pixelsum", "gaussian", "profile1d"} {
		if New(name) == nil {
			t.Errorf("expected %q to be registered", name)
		}
	}
	if New("does-not-exist") != nil {
		t.Error("expected an unknown variant name to return nil")
	}
}
