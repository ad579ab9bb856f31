// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package integrate implements the integration region voxel
// classification and the PixelSum/Gaussian/Profile1D integrators,
// dispatched through a registry of self-registering named variants.
package integrate

import (
	"github.com/k61n/openhkl-sub006/coreprogress"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/peak"
)

// VoxelClass classifies one detector/frame voxel relative to a peak's
// integration region.
type VoxelClass int

const (
	Excluded VoxelClass = iota
	Peak
	Background
	Forbidden
)

// Region is a peak's ellipsoid scaled to a peak radius and background
// annulus.
type Region struct {
	Shape   peak.Ellipsoid
	PeakR   float64
	BkgR0   float64
	BkgR1   float64
	// Forbidden holds neighbouring peaks' scaled shapes; a voxel inside
	// one of these downgrades from PEAK/BACKGROUND to FORBIDDEN.
	Forbidden []peak.Ellipsoid
}

// mahalanobis2 returns (v-c)^T A (v-c).
func mahalanobis2(shape peak.Ellipsoid, v geom.Vec3) float64 {
	d := v.Sub(shape.Centre)
	return shape.Metric.MulVec(d).Dot(d)
}

// Classify returns the VoxelClass of voxel v.
func (r Region) Classify(v geom.Vec3) VoxelClass {
	for _, f := range r.Forbidden {
		if mahalanobis2(f, v) <= 1 {
			return Forbidden
		}
	}
	d2 := mahalanobis2(r.Shape, v)
	switch {
	case d2 <= r.PeakR*r.PeakR:
		return Peak
	case d2 > r.BkgR0*r.BkgR0 && d2 <= r.BkgR1*r.BkgR1:
		return Background
	default:
		return Excluded
	}
}

// Voxel is one sampled pixel/frame location with its recorded count.
type Voxel struct {
	Pos   geom.Vec3
	Count float64
	Frame int
}

// Integrator is the common entry point for all integration variants,
// modeled as a tagged variant behind a single compute call rather than
// a class hierarchy.
type Integrator interface {
	Compute(p *peak.Peak, region Region, voxels []Voxel) Result
}

// Result carries everything an Integrator contributes back to a Peak.
type Result struct {
	Sum                peak.IntensityVariance
	Background         peak.IntensityVariance
	BackgroundGradient peak.IntensityVariance
	RockingCurve       []float64
	Shape              peak.Ellipsoid
	ShapeRefit         bool
	Flag               peak.RejectionFlag
}

// allocators is the registry of integrator variants, keyed by name; each
// variant registers its constructor from its own init().
var allocators = map[string]func() Integrator{}

// Register adds a named integrator constructor to the registry; called
// from each variant's init().
func Register(name string, alloc func() Integrator) {
	allocators[name] = alloc
}

// New returns a new Integrator instance for the named variant, or nil
// if name is unknown.
func New(name string) Integrator {
	if alloc, ok := allocators[name]; ok {
		return alloc()
	}
	return nil
}

// Job is one peak's integration unit: its region and sampled voxels.
type Job struct {
	Peak   *peak.Peak
	Region Region
	Voxels []Voxel
}

// RunBatch runs integrator over every job in order, reporting progress
// once per job via progress. If progress requests cancellation before
// a job starts, that job and every job after it are reported with
// Flag: peak.Cancelled and left otherwise zero-valued; results for
// already-processed jobs are returned untouched.
func RunBatch(jobs []Job, integrator Integrator, progress coreprogress.Func) []Result {
	results := make([]Result, len(jobs))
	for i, j := range jobs {
		if coreprogress.Cancelled(progress, i, len(jobs)) {
			for k := i; k < len(jobs); k++ {
				results[k] = Result{Flag: peak.Cancelled}
			}
			return results
		}
		results[i] = integrator.Compute(j.Peak, j.Region, j.Voxels)
	}
	return results
}
