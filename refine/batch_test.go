// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package refine

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/instrument"
	"github.com/k61n/openhkl-sub006/peak"
)

func testDetector() instrument.Detector {
	return instrument.Detector{Origin: geom.Vec3{-50, -50, 500}, DX: geom.Vec3{1, 0, 0}, DY: geom.Vec3{0, 1, 0}}
}

func TestPartitionSplitsByFrameWithoutOverlap(t *testing.T) {
	c, _ := cell.NewFromCharacter(cell.Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	det := testDetector()
	states := make([]instrument.State, 10)
	for i := range states {
		states[i] = instrument.NewState(geom.Vec3{}, geom.IdentityQuaternion(), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1, 0.05, det)
	}
	var peaks []*peak.Peak
	for f := 0; f < 10; f++ {
		p := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{10, 10, float64(f)}, Metric: geom.Identity3()})
		peaks = append(peaks, p)
	}
	batches := Partition(peaks, states, c, 3)
	if len(batches) == 0 {
		t.Fatal("expected at least one batch")
	}
	seen := map[int]bool{}
	for _, b := range batches {
		for _, p := range b.Peaks {
			f := int(p.Shape.Centre[2])
			if seen[f] {
				t.Errorf("frame %d appears in more than one batch", f)
			}
			seen[f] = true
		}
	}
}

func TestRefineRunsWithoutError(t *testing.T) {
	c, _ := cell.NewFromCharacter(cell.Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	det := testDetector()
	states := make([]instrument.State, 3)
	for i := range states {
		states[i] = instrument.NewState(geom.Vec3{}, geom.IdentityQuaternion(), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1, 0.05, det)
	}
	var peaks []*peak.Peak
	for i := 0; i < 5; i++ {
		p := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{10 + float64(i), 10, 1}, Metric: geom.Identity3()})
		p.Miller = cell.MillerIndex{H: 1, K: 0, L: 0}
		peaks = append(peaks, p)
	}
	batch := &Batch{FirstFrame: 0, LastFrame: 2, Peaks: peaks, Cell: c, States: states, Weights: identityWeights(len(peaks))}
	params := Parameters{RefineUB: true, MaxIter: 50}
	result := Refine(batch, params)
	if !result.Success {
		t.Fatal("expected refine to report success")
	}
	if result.Cell == nil {
		t.Fatal("expected a refined cell")
	}
}

func TestRefineCancelledByProgressReportsFailure(t *testing.T) {
	c, _ := cell.NewFromCharacter(cell.Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	det := testDetector()
	states := make([]instrument.State, 3)
	for i := range states {
		states[i] = instrument.NewState(geom.Vec3{}, geom.IdentityQuaternion(), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1, 0.05, det)
	}
	var peaks []*peak.Peak
	for i := 0; i < 5; i++ {
		p := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{10 + float64(i), 10, 1}, Metric: geom.Identity3()})
		p.Miller = cell.MillerIndex{H: 1, K: 0, L: 0}
		peaks = append(peaks, p)
	}
	batch := &Batch{FirstFrame: 0, LastFrame: 2, Peaks: peaks, Cell: c, States: states, Weights: identityWeights(len(peaks))}
	params := Parameters{RefineUB: true, MaxIter: 50, Progress: func(step, total int) bool { return true }}
	result := Refine(batch, params)
	if result.Success {
		t.Fatal("expected a cancelled refine to report failure")
	}
}

// TestComputeResidualsQSpaceUsesObservedQNotDetectorCoords builds peaks
// whose detector pixel is the exact forward-projection of the true
// cell's predicted q-vector, then checks the default (q-space)
// residual is ~0 for every peak. A residual computed by differencing a
// q-space prediction against the peak's raw detector-space
// Shape.Centre (a unit mismatch) would not be anywhere near zero here.
func TestComputeResidualsQSpaceUsesObservedQNotDetectorCoords(t *testing.T) {
	trueCell, err := cell.NewFromCharacter(cell.Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	if err != nil {
		t.Fatalf("cell: %v", err)
	}
	det := testDetector()
	s := instrument.NewState(geom.Vec3{}, geom.IdentityQuaternion(), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1, 0.05, det)
	states := []instrument.State{s, s}

	k := 2 * math.Pi
	ki := geom.Vec3{0, 0, 1}.Scale(k)

	// each hkl lies on the Ewald sphere |q + k_i| = |k_i| for a=5,
	// lambda=1 and identity orientation (h^2+k^2+l^2 = -10*l), so its
	// elastic detector pixel reproduces q exactly.
	hkls := []cell.MillerIndex{{H: 3, K: 0, L: -1}, {H: 0, K: 3, L: -1}, {H: 4, K: 0, L: -2}}
	var peaks []*peak.Peak
	for _, h := range hkls {
		predQ := trueCell.B.T().MulVec(geom.Vec3{float64(h.H), float64(h.K), float64(h.L)}).Scale(2 * math.Pi)
		kf := predQ.Add(ki)
		d := kf.Normalize()
		tRay := 500 / d[2]
		pixel := d.Scale(tRay)
		p := peak.NewPeak(peak.Ellipsoid{Centre: geom.Vec3{pixel[0] + 50, pixel[1] + 50, 0}, Metric: geom.Identity3()})
		p.Miller = h
		peaks = append(peaks, p)
	}

	batch := &Batch{FirstFrame: 0, LastFrame: 1, Peaks: peaks, Cell: trueCell, States: states, Weights: identityWeights(len(peaks))}

	G := trueCell.Metric()
	cellParams := []float64{G[0][0], G[1][1], G[2][2], G[1][2], G[0][2], G[0][1]}
	samplePos := make([][3]float64, len(states))
	orientOff := make([][3]float64, len(states))
	detOff := make([][3]float64, len(states))
	beam := make([][2]float64, len(states))

	res := computeResiduals(batch, geom.Identity3(), geom.Vec3{}, cellParams, cell.NiggliCharacter{}, states, samplePos, orientOff, detOff, beam, Parameters{ResidualType: ResidualQSpace})
	for i, r := range res {
		if math.Abs(r) > 1e-6 {
			t.Errorf("residual[%d] = %v, want ~0 for a self-consistent peak", i, r)
		}
	}
}

func identityWeights(n int) []geom.Mat3 {
	w := make([]geom.Mat3, n)
	for i := range w {
		w[i] = geom.Identity3()
	}
	return w
}
