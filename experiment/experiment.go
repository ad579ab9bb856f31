// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package experiment is the top-level ownership registry resolving
// a cyclic-ownership problem: peaks reference their dataset and unit
// cell, but neither collection owns peaks back. Experiment holds
// DataSets and UnitCells by strong (name-keyed) ownership; peaks hold
// only non-owning WeakCell references that must be promoted before
// use.
package experiment

import (
	"fmt"
	"sync"

	"github.com/k61n/openhkl-sub006/cell"
)

// DataSet is the strongly-owned per-frame-series metadata an
// Experiment tracks.
type DataSet struct {
	Name        string
	Wavelength  float64
	FrameCount  int
	DetectorCols, DetectorRows int
	BitDepth    int
}

// WeakCell is a non-owning handle to a UnitCell registered under an
// Experiment. Promote resolves it to the live cell, or reports that
// it is gone via a promotion step taken just before use.
type WeakCell struct {
	exp  *Experiment
	name string
}

// Promote resolves the weak reference against the owning Experiment,
// returning ok=false if the cell has since been removed.
func (w WeakCell) Promote() (*cell.UnitCell, bool) {
	if w.exp == nil {
		return nil, false
	}
	return w.exp.Cell(w.name)
}

// Valid reports whether the referenced name is still registered,
// without returning the cell itself.
func (w WeakCell) Valid() bool {
	_, ok := w.Promote()
	return ok
}

// Experiment strongly owns DataSets and UnitCells keyed by name. It
// is safe for concurrent use since peaks across batches may resolve
// weak references from multiple goroutines during
// integration/refinement.
type Experiment struct {
	mu       sync.RWMutex
	dataSets map[string]*DataSet
	cells    map[string]*cell.UnitCell
}

// New returns an empty Experiment registry.
func New() *Experiment {
	return &Experiment{dataSets: map[string]*DataSet{}, cells: map[string]*cell.UnitCell{}}
}

// AddDataSet registers d under its Name, replacing any prior entry.
func (e *Experiment) AddDataSet(d *DataSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dataSets[d.Name] = d
}

// DataSet returns the dataset registered under name, if any.
func (e *Experiment) DataSet(name string) (*DataSet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.dataSets[name]
	return d, ok
}

// RemoveDataSet deletes the dataset registered under name.
func (e *Experiment) RemoveDataSet(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dataSets, name)
}

// AddCell registers u under name, replacing any prior entry. Existing
// WeakCell handles to name transparently observe the replacement.
func (e *Experiment) AddCell(name string, u *cell.UnitCell) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cells[name] = u
}

// Cell returns the unit cell registered under name.
func (e *Experiment) Cell(name string) (*cell.UnitCell, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.cells[name]
	return c, ok
}

// RemoveCell deletes the cell registered under name; any WeakCell
// referring to it subsequently promotes with ok=false.
func (e *Experiment) RemoveCell(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cells, name)
}

// Weak returns a non-owning handle to the named cell, valid whether or
// not the cell currently exists (existence is checked at Promote time).
func (e *Experiment) Weak(name string) WeakCell {
	return WeakCell{exp: e, name: name}
}

// RequireCell promotes name or returns an error, for use at operation
// boundaries that cannot proceed without the referenced cell.
func (e *Experiment) RequireCell(name string) (*cell.UnitCell, error) {
	c, ok := e.Cell(name)
	if !ok {
		return nil, fmt.Errorf("experiment: unit cell %q is not registered", name)
	}
	return c, nil
}
