// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package peak implements the ellipsoidal peak entity: shape,
// intensity/variance algebra and the rejection-flag taxonomy.
package peak

import (
	"fmt"
	"math"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/geom"
	"github.com/k61n/openhkl-sub006/instrument"
)

// Ellipsoid is a 3D region {x : (x-c)^T A (x-c) <= 1}.
// Invariant: A must be symmetric positive-definite; callers that build
// one from fitted covariance must check this before storing it (a
// violation downgrades the peak via InvalidCovariance rather than
// panicking, since it is a NumericalFailure, not a ProgrammingError).
type Ellipsoid struct {
	Centre geom.Vec3
	Metric geom.Mat3
}

// IsPositiveDefinite reports whether e.Metric has strictly positive
// eigenvalues, checked via Sylvester's criterion (leading principal
// minors all positive) rather than a full eigendecomposition, which is
// cheaper for the fixed 3x3 case and sufficient for a definiteness
// test.
func (e Ellipsoid) IsPositiveDefinite() bool {
	m := e.Metric
	d1 := m[0][0]
	d2 := m[0][0]*m[1][1] - m[0][1]*m[1][0]
	d3 := m.Det()
	return d1 > 0 && d2 > 0 && d3 > 0
}

// Contains reports whether x lies within the ellipsoid's interior.
func (e Ellipsoid) Contains(x geom.Vec3) bool {
	d := x.Sub(e.Centre)
	return e.Metric.MulVec(d).Dot(d) <= 1
}

// Scale returns a new ellipsoid with the same centre and orientation
// but radius scaled by r (metric divided by r^2), used to build the
// peak/background envelopes of an IntegrationRegion.
func (e Ellipsoid) Scale(r float64) Ellipsoid {
	return Ellipsoid{Centre: e.Centre, Metric: e.Metric.Scale(1 / (r * r))}
}

// IntensityVariance is a value+variance pair: values and variances
// both add linearly, and scaling by s multiplies the variance by s^2.
type IntensityVariance struct {
	Value    float64
	Variance float64
}

func (iv IntensityVariance) Add(o IntensityVariance) IntensityVariance {
	return IntensityVariance{Value: iv.Value + o.Value, Variance: iv.Variance + o.Variance}
}

func (iv IntensityVariance) Scale(s float64) IntensityVariance {
	return IntensityVariance{Value: iv.Value * s, Variance: iv.Variance * s * s}
}

// Sigma returns sqrt(Variance).
func (iv IntensityVariance) Sigma() float64 {
	if iv.Variance <= 0 {
		return 0
	}
	return math.Sqrt(iv.Variance)
}

// RejectionFlag is the closed taxonomy of reasons a peak can be
// excluded downstream. NotRejected must be the zero value so a
// freshly-created Peak starts out accepted.
type RejectionFlag int

const (
	NotRejected RejectionFlag = iota
	Masked
	OutsideThreshold
	OutsideFrames
	OutsideDetector
	TooFewPoints
	NoNeighbours
	NoUnitCell
	NoDataSet
	InvalidRegion
	InterpolationFailure
	InvalidSigma
	InvalidBkgSigma
	SaturatedPixel
	OverlappingBkg
	OverlappingPeak
	InvalidCentroid
	InvalidCovariance
	InvalidShape
	CentreOutOfBounds
	BadIntegrationFit
	NoShapeModel
	NoISigmaMinimum
	TooWide
	BadGaussianFit
	PredictionUpdateFailure
	ManuallyRejected
	OutsideIndexingTol
	Outlier
	Extinct
	// Cancelled marks a peak whose per-frame integration was aborted by
	// a progress callback requesting cancellation before it ran.
	Cancelled
)

var flagNames = [...]string{
	"NotRejected", "Masked", "OutsideThreshold", "OutsideFrames", "OutsideDetector",
	"TooFewPoints", "NoNeighbours", "NoUnitCell", "NoDataSet", "InvalidRegion",
	"InterpolationFailure", "InvalidSigma", "InvalidBkgSigma", "SaturatedPixel",
	"OverlappingBkg", "OverlappingPeak", "InvalidCentroid", "InvalidCovariance",
	"InvalidShape", "CentreOutOfBounds", "BadIntegrationFit", "NoShapeModel",
	"NoISigmaMinimum", "TooWide", "BadGaussianFit", "PredictionUpdateFailure",
	"ManuallyRejected", "OutsideIndexingTol", "Outlier", "Extinct", "Cancelled",
}

func (f RejectionFlag) String() string {
	if int(f) < 0 || int(f) >= len(flagNames) {
		return fmt.Sprintf("RejectionFlag(%d)", int(f))
	}
	return flagNames[f]
}

// Peak is the in-memory peak entity.
type Peak struct {
	Shape Ellipsoid

	Cell *cell.UnitCell // non-owning (weak) reference; see package experiment

	SumIntensity     IntensityVariance
	ProfileIntensity IntensityVariance
	SumBackground    IntensityVariance
	ProfileBackground IntensityVariance

	// BackgroundGradient is the mean gradient of the local background
	// plane fitted under the peak, used by the gradient-range filter to
	// reject peaks sitting on a steep background slope.
	BackgroundGradient IntensityVariance

	PreIntegrationFlag     RejectionFlag
	SumIntegrationFlag     RejectionFlag
	ProfileIntegrationFlag RejectionFlag

	ScaleFactor   float64
	Transmission  float64
	RockingCurve  []float64
	Miller        cell.MillerIndex

	Masked         bool
	Selected       bool
	Predicted      bool
	CaughtByFilter bool
	RejectedByFilter bool
}

// NewPeak returns a Peak with unit scale/transmission and Selected set,
// ready to be integrated.
func NewPeak(shape Ellipsoid) *Peak {
	return &Peak{Shape: shape, ScaleFactor: 1, Transmission: 1, Selected: true}
}

// Enabled reports whether the peak participates in downstream
// processing: selected and not masked.
func (p *Peak) Enabled() bool { return p.Selected && !p.Masked }

// EffectiveRejection returns the first non-NotRejected flag among
// pre-integration, sum-integration and profile-integration, in that
// order.
func (p *Peak) EffectiveRejection() RejectionFlag {
	if p.PreIntegrationFlag != NotRejected {
		return p.PreIntegrationFlag
	}
	if p.SumIntegrationFlag != NotRejected {
		return p.SumIntegrationFlag
	}
	if p.ProfileIntegrationFlag != NotRejected {
		return p.ProfileIntegrationFlag
	}
	return NotRejected
}

// QShape transforms the peak's detector-space ellipsoid into q-space
// using the Jacobian of (x,y,f)->q at the peak centre: q-space inverse
// covariance is J^-T M J^-1, centre is sampleQ(c). Returns an error
// (propagated as InterpolationFailure by the caller) if the
// interpolated state at the peak's frame is invalid.
func (p *Peak) QShape(states []instrument.State) (Ellipsoid, error) {
	c := p.Shape.Centre
	interp, err := instrument.Interpolate(states, c[2])
	if err != nil {
		return Ellipsoid{}, err
	}
	J, err := instrument.JacobianQ(states, c[0], c[1], c[2])
	if err != nil {
		return Ellipsoid{}, err
	}
	Jinv, ok := J.Inverse()
	if !ok {
		return Ellipsoid{}, fmt.Errorf("peak: detector-to-q Jacobian is singular")
	}
	JinvT := Jinv.T()
	M := JinvT.Mul(p.Shape.Metric).Mul(Jinv)
	q0 := interp.QAtPixel(c[0], c[1])
	return Ellipsoid{Centre: q0, Metric: M}, nil
}

// CorrectedIntensity returns I_raw*s/(L*t*dphi), using the sum
// intensity's value as I_raw. Returns an error if the interpolated
// state is invalid, never silently substituting a default Lorentz
// factor: the corrected intensity must never be reported for a peak
// whose interpolated state is invalid.
func (p *Peak) CorrectedIntensity(states []instrument.State) (IntensityVariance, error) {
	c := p.Shape.Centre
	interp, err := instrument.Interpolate(states, c[2])
	if err != nil {
		return IntensityVariance{}, err
	}
	if !interp.Valid {
		return IntensityVariance{}, fmt.Errorf("peak: interpolated state invalid at frame %v", c[2])
	}
	L := interp.LorentzFactor(c[0], c[1])
	denom := L * p.Transmission * interp.StepSize
	if denom == 0 {
		return IntensityVariance{}, fmt.Errorf("peak: degenerate correction denominator")
	}
	factor := p.ScaleFactor / denom
	return p.SumIntensity.Scale(factor), nil
}
