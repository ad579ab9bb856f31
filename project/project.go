// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package project defines the schema of an OHKL project file: the
// field names and types an HDF5 saver/loader must preserve. The
// saver/loader itself is an external collaborator and explicitly out
// of scope; this package never touches a filesystem or HDF5 library.
package project

import (
	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/collection"
	"github.com/k61n/openhkl-sub006/instrument"
)

// DataSetMetadata mirrors the per-dataset fields an OHKL container
// preserves: wavelength, frame count, detector shape, bit depth,
// masks.
type DataSetMetadata struct {
	Name          string
	Wavelength    float64
	FrameCount    int
	DetectorCols  int
	DetectorRows  int
	BitDepth      int
	Masks         []Mask
}

// Mask is a rectangular excluded region on the detector for one
// dataset, in pixel coordinates.
type Mask struct {
	X0, Y0, X1, Y1 int
}

// InstrumentStateSet is the ordered sequence of per-frame instrument
// states an OHKL container preserves for one dataset.
type InstrumentStateSet struct {
	DataSetName string
	States      []instrument.State
}

// PeakRecord is the on-disk shape of one peak: hkl, centre, metric,
// intensities, background and rejection flags, flattened from
// peak.Peak and omitting in-memory-only fields (weak cell pointer,
// filter flags) the schema does not need to round-trip.
type PeakRecord struct {
	Miller           cell.MillerIndex
	Centre           [3]float64
	Metric           [3][3]float64
	SumIntensity     float64
	SumVariance      float64
	ProfileIntensity float64
	ProfileVariance  float64
	SumBackground    float64
	ProfileBackground float64
	RejectionFlag    int
	ScaleFactor      float64
	Transmission     float64
}

// PeakCollectionRecord is the on-disk shape of one collection.Collection.
type PeakCollectionRecord struct {
	Kind       collection.Kind
	Peaks      []PeakRecord
	Indexed    bool
	Integrated bool
	HasShapeModel bool
}

// UnitCellRecord mirrors the persisted unit-cell fields: direct
// basis, space group, Niggli character, covariance.
type UnitCellRecord struct {
	Name       string
	DirectBasis [3][3]float64
	SpaceGroup string
	NiggliFamily int
	Covariance [][]float64
}

// ShapeModelRecord carries the per-cell-family average peak shape used
// to predict unobserved reflections.
type ShapeModelRecord struct {
	Name     string
	Mean     [3][3]float64
	Sampling int
}

// Project is the complete in-memory schema of an OHKL container.
// Field names here are the contract a future HDF5 saver/loader must
// honor; this type carries no I/O methods itself.
type Project struct {
	Name         string
	DataSets     []DataSetMetadata
	States       []InstrumentStateSet
	Collections  []PeakCollectionRecord
	Cells        []UnitCellRecord
	ShapeModels  []ShapeModelRecord
}

// New returns an empty project named name.
func New(name string) *Project { return &Project{Name: name} }

// AddDataSet appends dataset metadata to the project.
func (p *Project) AddDataSet(d DataSetMetadata) { p.DataSets = append(p.DataSets, d) }

// AddStates appends an instrument-state set to the project.
func (p *Project) AddStates(s InstrumentStateSet) { p.States = append(p.States, s) }

// AddCollection appends a peak collection record to the project.
func (p *Project) AddCollection(c PeakCollectionRecord) { p.Collections = append(p.Collections, c) }

// AddCell appends a unit-cell record to the project.
func (p *Project) AddCell(c UnitCellRecord) { p.Cells = append(p.Cells, c) }

// AddShapeModel appends a shape-model record to the project.
func (p *Project) AddShapeModel(s ShapeModelRecord) { p.ShapeModels = append(p.ShapeModels, s) }

// FrameCount returns the total number of frames across every dataset.
func (p *Project) FrameCount() int {
	var n int
	for _, d := range p.DataSets {
		n += d.FrameCount
	}
	return n
}

// PeakCount returns the total number of peak records across every
// non-predicted collection, and predicted the total across
// Predicted-kind collections.
func (p *Project) PeakCount() (found, predicted int) {
	for _, c := range p.Collections {
		if c.Kind == collection.Predicted {
			predicted += len(c.Peaks)
		} else {
			found += len(c.Peaks)
		}
	}
	return found, predicted
}
