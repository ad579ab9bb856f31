// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package instrument

import "github.com/k61n/openhkl-sub006/geom"

// dPixel and dFrame are the finite-difference steps used by JacobianQ. A pixel
// step of 1e-3 and a frame step of 1e-3 are both far below any physically
// meaningful detector/frame resolution, keeping the numerical Jacobian
// close to the analytic one without amplifying floating-point noise.
const (
	dPixel = 1e-3
	dFrame = 1e-3
)

// JacobianQ returns the 3x3 Jacobian of the map (x,y,f) -> q_sample at
// detector coordinates (x,y,f), required by both the refiner (residual
// weighting) and the peak's shape transform to q-space. Returns an
// error (InterpolationFailure at the caller) if f is out of range. A
// finite-difference neighbour of f outside the frame range is clamped
// to f, giving a one-sided frame derivative.
func JacobianQ(states []State, x, y, f float64) (geom.Mat3, error) {
	s, err := Interpolate(states, f)
	if err != nil {
		return geom.Mat3{}, err
	}

	var J geom.Mat3
	qx1 := s.QAtPixel(x+dPixel, y)
	qx0 := s.QAtPixel(x-dPixel, y)
	qy1 := s.QAtPixel(x, y+dPixel)
	qy0 := s.QAtPixel(x, y-dPixel)
	for i := 0; i < 3; i++ {
		J[i][0] = (qx1[i] - qx0[i]) / (2 * dPixel)
		J[i][1] = (qy1[i] - qy0[i]) / (2 * dPixel)
	}

	fPlus, fMinus := f+dFrame, f-dFrame
	n := len(states)
	if fPlus > float64(n-1) {
		fPlus = f
	}
	if fMinus < 0 {
		fMinus = f
	}
	step := fPlus - fMinus
	if step == 0 {
		// frame axis degenerates to a single point (n==1): no frame
		// dependence to report.
		return J, nil
	}
	sp, err := Interpolate(states, fPlus)
	if err != nil {
		return geom.Mat3{}, err
	}
	sm, err := Interpolate(states, fMinus)
	if err != nil {
		return geom.Mat3{}, err
	}
	qfPlus := sp.QAtPixel(x, y)
	qfMinus := sm.QAtPixel(x, y)
	for i := 0; i < 3; i++ {
		J[i][2] = (qfPlus[i] - qfMinus[i]) / step
	}
	return J, nil
}
