// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package instrument implements the per-frame instrument state, its
// interpolation between bracketing frames, and the q-space geometry
// that both the peak's shape transform (package peak) and the batch
// refiner (package refine) depend on.
//
// Goniometer kinematics — the map from motor/axis values to a sample
// orientation — is explicitly out of scope: InstrumentState receives
// that orientation already computed, as GoniometerOrientation, and
// only refines a small offset on top of it.
package instrument

import (
	"fmt"
	"math"

	"github.com/k61n/openhkl-sub006/geom"
)

// Detector is a flat-panel pixel-to-lab-space map: PixelPosition(x,y)
// returns the lab-frame position of detector pixel (x,y), in the same
// length units as wavelength^-1 (inverse-angstrom q-space conventions
// assume angstrom-scale lab distances). This is the minimal concrete
// stand-in needed for the otherwise-external detector/goniometer
// geometry; the real loader is out of scope.
type Detector struct {
	Origin geom.Vec3 // lab position of pixel (0,0)
	DX, DY geom.Vec3 // per-pixel basis vectors (already scaled by pixel pitch)
}

// PixelPosition returns the lab-frame position of detector pixel (x,y).
func (d Detector) PixelPosition(x, y float64) geom.Vec3 {
	return d.Origin.Add(d.DX.Scale(x)).Add(d.DY.Scale(y))
}

// State is one frame's instrument configuration.
type State struct {
	SamplePosition        geom.Vec3      // sample position offset (3)
	OrientationOffset     geom.Quaternion // refined correction to GoniometerOrientation; imaginary part is the refined quantity
	GoniometerOrientation geom.Quaternion // externally supplied (opaque goniometer kinematics), not refined
	DetectorOffset        geom.Vec3      // detector position offset (3)
	IncidentBeam          geom.Vec3      // normalised incident-beam direction n_i
	Wavelength            float64
	AngularVelocity       float64 // radians per frame, used to derive step size Δφ
	Refined               bool
	Detector              Detector
}

// NewState returns a State with identity offsets/orientation and a
// normalised incident beam, panicking if beam is the zero vector —
// a caller bug, not a recoverable condition.
func NewState(samplePos geom.Vec3, goniometer geom.Quaternion, detOffset geom.Vec3, beam geom.Vec3, wavelength, angularVelocity float64, det Detector) State {
	if beam.Norm() == 0 {
		panic("instrument: incident beam direction must be non-zero")
	}
	return State{
		SamplePosition:        samplePos,
		OrientationOffset:     geom.IdentityQuaternion(),
		GoniometerOrientation: goniometer,
		DetectorOffset:        detOffset,
		IncidentBeam:          beam.Normalize(),
		Wavelength:            wavelength,
		AngularVelocity:       angularVelocity,
		Detector:              det,
	}
}

// SampleOrientation returns the composed sample orientation
// OrientationOffset * GoniometerOrientation used to rotate lab-frame q
// into the sample frame.
func (s State) SampleOrientation() geom.Mat3 {
	return s.OrientationOffset.ToMatrix().Mul(s.GoniometerOrientation.ToMatrix())
}

// errInterpolation is returned (never panicked) when a requested frame
// coordinate falls outside the bracketing states, propagated as
// InterpolationFailure by every caller.
type errInterpolation struct {
	f    float64
	n    int
}

func (e *errInterpolation) Error() string {
	return fmt.Sprintf("instrument: frame %.3f out of range [0,%d)", e.f, e.n)
}

// Interpolated is produced at a (possibly fractional) frame index by
// linearly interpolating position/offset quantities and spherically
// interpolating orientation between the two bracketing integer
// frames.
type Interpolated struct {
	Valid            bool
	SamplePosition   geom.Vec3
	Orientation      geom.Mat3 // composed sample orientation at f
	RotationAxis     geom.Vec3
	DetectorOffset   geom.Vec3
	IncidentBeam     geom.Vec3
	Wavelength       float64
	StepSize         float64 // Δφ, radians, the interpolated angular velocity
	Detector         Detector
}

// Interpolate builds an InterpolatedState at frame f from the bracketing
// integer-frame states. f outside [0, len(states)-1] yields
// Valid=false; every consumer must check Valid and propagate
// InterpolationFailure.
func Interpolate(states []State, f float64) (Interpolated, error) {
	n := len(states)
	if n == 0 || f < 0 || f > float64(n-1) {
		return Interpolated{}, &errInterpolation{f: f, n: n}
	}
	f0 := int(math.Floor(f))
	if f0 == n-1 {
		f0 = n - 2
		if f0 < 0 {
			f0 = 0
		}
	}
	f1 := f0 + 1
	if f1 >= n {
		f1 = f0
	}
	frac := f - float64(f0)

	a, b := states[f0], states[f1]
	pos := a.SamplePosition.Scale(1 - frac).Add(b.SamplePosition.Scale(frac))
	detOff := a.DetectorOffset.Scale(1 - frac).Add(b.DetectorOffset.Scale(frac))
	beam := a.IncidentBeam.Scale(1 - frac).Add(b.IncidentBeam.Scale(frac)).Normalize()
	wavelength := a.Wavelength*(1-frac) + b.Wavelength*frac
	step := a.AngularVelocity*(1-frac) + b.AngularVelocity*frac

	qa := a.OrientationOffset.Normalize()
	qb := b.OrientationOffset.Normalize()
	qOff := qa.Slerp(qb, frac)

	ga := a.GoniometerOrientation.Normalize()
	gb := b.GoniometerOrientation.Normalize()
	gon := ga.Slerp(gb, frac)

	orientation := qOff.ToMatrix().Mul(gon.ToMatrix())

	axis, _ := gon.RotationAxis()

	return Interpolated{
		Valid:          true,
		SamplePosition: pos,
		Orientation:    orientation,
		RotationAxis:   axis,
		DetectorOffset: detOff,
		IncidentBeam:   beam,
		Wavelength:     wavelength,
		StepSize:       step,
		Detector:       a.Detector,
	}, nil
}

// waveNumber returns 2*pi/wavelength, the magnitude of both k_i and k_f
// for elastic scattering.
func (s Interpolated) waveNumber() float64 {
	return 2 * math.Pi / s.Wavelength
}

// OutgoingDirection returns the lab-frame unit vector from the sample to
// detector pixel (x,y), i.e. the direction of k_f before scaling by the
// wavenumber.
func (s Interpolated) OutgoingDirection(x, y float64) geom.Vec3 {
	samplePos := s.SamplePosition
	pixel := s.Detector.PixelPosition(x, y).Add(s.DetectorOffset)
	return pixel.Sub(samplePos).Normalize()
}

// SampleQ returns q = k_f - k_i rotated into sample coordinates, for a
// detector-space point pixelPos already including any detector
// offset.
func (s Interpolated) SampleQ(pixelPos geom.Vec3) geom.Vec3 {
	k := s.waveNumber()
	kf := pixelPos.Sub(s.SamplePosition).Normalize().Scale(k)
	ki := s.IncidentBeam.Scale(k)
	qLab := kf.Sub(ki)
	rInv := s.Orientation.T() // orientation is a rotation matrix, so R^-1 = R^T
	return rInv.MulVec(qLab)
}

// QAtPixel is sampleQ specialised to a detector pixel coordinate (x,y),
// applying the detector offset for the caller.
func (s Interpolated) QAtPixel(x, y float64) geom.Vec3 {
	return s.SampleQ(s.Detector.PixelPosition(x, y).Add(s.DetectorOffset))
}

// LorentzFactor returns 1/(sin(theta)*cos(nu)) using the interpolated
// outgoing-beam direction at pixel (x,y). theta is half the
// scattering angle (angle between k_i and k_f) and nu is the
// out-of-plane angle of k_f measured from the beam's horizontal plane
// (the plane perpendicular to the vertical/up axis (0,0,1)).
func (s Interpolated) LorentzFactor(x, y float64) float64 {
	kfHat := s.OutgoingDirection(x, y)
	kiHat := s.IncidentBeam
	cos2Theta := kfHat.Dot(kiHat)
	if cos2Theta > 1 {
		cos2Theta = 1
	} else if cos2Theta < -1 {
		cos2Theta = -1
	}
	theta := math.Acos(cos2Theta) / 2
	up := geom.Vec3{0, 0, 1}
	nu := math.Asin(clamp(kfHat.Dot(up), -1, 1))
	return 1 / (math.Sin(theta) * math.Cos(nu))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
