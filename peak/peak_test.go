// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package peak

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/instrument"
)

func TestIntensityAlgebraLinear(t *testing.T) {
	a := IntensityVariance{Value: 10, Variance: 4}
	b := IntensityVariance{Value: 5, Variance: 2}
	sum := a.Add(b)
	if sum.Value != 15 || sum.Variance != 6 {
		t.Fatalf("unexpected sum: %+v", sum)
	}
	scaled := a.Scale(3)
	if scaled.Value != 30 || scaled.Variance != 36 {
		t.Fatalf("unexpected scale: %+v", scaled)
	}
}

func TestEffectiveRejectionPrecedence(t *testing.T) {
	p := NewPeak(Ellipsoid{Metric: geom.Identity3()})
	p.SumIntegrationFlag = SaturatedPixel
	p.ProfileIntegrationFlag = TooWide
	if got := p.EffectiveRejection(); got != SaturatedPixel {
		t.Fatalf("expected SumIntegrationFlag to take precedence, got %v", got)
	}
	p.PreIntegrationFlag = Masked
	if got := p.EffectiveRejection(); got != Masked {
		t.Fatalf("expected PreIntegrationFlag to take precedence, got %v", got)
	}
}

func TestEnabledRequiresSelectedAndUnmasked(t *testing.T) {
	p := NewPeak(Ellipsoid{Metric: geom.Identity3()})
	if !p.Enabled() {
		t.Fatal("new peak should be enabled")
	}
	p.Masked = true
	if p.Enabled() {
		t.Fatal("masked peak should be disabled")
	}
}

func testDetector() instrument.Detector {
	return instrument.Detector{Origin: geom.Vec3{-50, -50, 500}, DX: geom.Vec3{1, 0, 0}, DY: geom.Vec3{0, 1, 0}}
}

func TestQShapeAndCorrectedIntensityRequireValidState(t *testing.T) {
	det := testDetector()
	states := []instrument.State{
		instrument.NewState(geom.Vec3{}, geom.IdentityQuaternion(), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1.0, 0.05, det),
		// rotated so that q moves with the frame and the Jacobian is invertible
		instrument.NewState(geom.Vec3{}, geom.FromAxisAngle(geom.Vec3{0, 1, 0}, 0.05), geom.Vec3{}, geom.Vec3{0, 0, 1}, 1.0, 0.05, det),
	}
	p := NewPeak(Ellipsoid{Centre: geom.Vec3{10, 10, 0.5}, Metric: geom.Identity3()})
	p.SumIntensity = IntensityVariance{Value: 100, Variance: 10}

	qs, err := p.QShape(states)
	if err != nil {
		t.Fatalf("QShape: %v", err)
	}
	if !qs.IsPositiveDefinite() {
		t.Errorf("expected positive-definite q-space metric, got %v", qs.Metric)
	}

	iv, err := p.CorrectedIntensity(states)
	if err != nil {
		t.Fatalf("CorrectedIntensity: %v", err)
	}
	if math.IsNaN(iv.Value) || math.IsInf(iv.Value, 0) {
		t.Errorf("unexpected corrected intensity: %v", iv.Value)
	}

	// out-of-range frame must fail, never silently substitute.
	p2 := NewPeak(Ellipsoid{Centre: geom.Vec3{10, 10, 5}, Metric: geom.Identity3()})
	if _, err := p2.CorrectedIntensity(states); err == nil {
		t.Error("expected error for out-of-range frame")
	}
}
