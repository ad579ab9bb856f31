// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lsq implements the dense linear-algebra and constrained
// nonlinear-least-squares kernel shared by the auto-indexer (index) and
// the batch refiner (refine): parameter registration, linear-equality-
// constraint elimination via a kernel matrix, and Levenberg-Marquardt
// minimisation over the resulting free parameter vector.
//
// The registration style — a flat list of named, addressable scalars
// — binds directly to the caller's storage instead of copying values
// in and out.
package lsq

import "github.com/cpmech/gosl/chk"

// Parameter is one scalar unknown: a name (for diagnostics) and the
// address of the value it controls (a cell parameter, an instrument
// state component, a scale factor, ...). The refiner and indexer own the
// backing storage; FitParameters never allocates it. A parameter the
// caller does not want refined is simply never registered.
type Parameter struct {
	Name string
	Addr *float64
}

// FitParameters is the registry of mutable parameter addresses a caller
// builds up before fitting, plus the constraint kernel derived from it.
type FitParameters struct {
	params []*Parameter
	kernel *Kernel // nil until Build is called
}

// NewFitParameters returns an empty registry.
func NewFitParameters() *FitParameters {
	return &FitParameters{}
}

// Add registers one parameter and returns its index in the full vector.
func (o *FitParameters) Add(name string, addr *float64) int {
	o.params = append(o.params, &Parameter{Name: name, Addr: addr})
	o.kernel = nil
	return len(o.params) - 1
}

// N returns the number of registered (full) parameters.
func (o *FitParameters) N() int { return len(o.params) }

// Full reads the current values of every registered parameter from their
// bound storage.
func (o *FitParameters) Full() []float64 {
	p := make([]float64, len(o.params))
	for i, prm := range o.params {
		p[i] = *prm.Addr
	}
	return p
}

// WriteFull writes p (length N()) back into every parameter's storage.
func (o *FitParameters) WriteFull(p []float64) {
	if len(p) != len(o.params) {
		chk.Panic("FitParameters.WriteFull: length mismatch: got %d, want %d", len(p), len(o.params))
	}
	for i, prm := range o.params {
		*prm.Addr = p[i]
	}
}

// Names returns the registered parameter names, in registration order.
func (o *FitParameters) Names() []string {
	names := make([]string, len(o.params))
	for i, prm := range o.params {
		names[i] = prm.Name
	}
	return names
}

// Build computes the constraint kernel for the linear equality system
// C*p = 0 over the full parameter vector (dimension N()). Pass a nil or
// zero-row C to fit a registry that has no constraints, in which case the
// kernel degenerates to the identity and every parameter is free.
//
// Build must be called (again, if parameters were added since the last
// call) before SetValues/WriteValues/FreeDim/Project are used.
func (o *FitParameters) Build(C [][]float64) error {
	k, err := NewKernel(len(o.params), C)
	if err != nil {
		return err
	}
	o.kernel = k
	return nil
}

// Kernel returns the constraint kernel computed by the last Build call,
// or nil if Build has not run.
func (o *FitParameters) Kernel() *Kernel { return o.kernel }

// FreeDim returns n_free, the dimension of the free parameter vector.
func (o *FitParameters) FreeDim() int {
	if o.kernel == nil {
		chk.Panic("FitParameters.FreeDim: Build was not called")
	}
	return o.kernel.NFree()
}

// SetValues maps a free vector p0 to the full vector (p1 = K*p0) and
// writes it into every parameter's bound storage.
func (o *FitParameters) SetValues(p0 []float64) {
	if o.kernel == nil {
		chk.Panic("FitParameters.SetValues: Build was not called")
	}
	p1 := o.kernel.Expand(p0)
	o.WriteFull(p1)
}

// WriteValues is the storage -> solver direction, the counterpart of
// SetValues (solver -> storage): it copies the projection of the current
// full vector (see Project) into p0, one entry per free parameter.
func (o *FitParameters) WriteValues(p0 []float64) { copy(p0, o.Project()) }

// Project maps the current full vector back onto the free vector via the
// kernel's least-squares projection P = (KᵀK)⁻¹Kᵀ.
func (o *FitParameters) Project() []float64 {
	if o.kernel == nil {
		chk.Panic("FitParameters.Project: Build was not called")
	}
	return o.kernel.Project(o.Full())
}
