// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package experiment

import (
	"math"
	"testing"

	"github.com/k61n/openhkl-sub006/cell"
)

func cubicCell(t *testing.T) *cell.UnitCell {
	c, err := cell.NewFromCharacter(cell.Character{A: 5, B: 5, C: 5, Alpha: math.Pi / 2, Beta: math.Pi / 2, Gamma: math.Pi / 2})
	if err != nil {
		t.Fatalf("NewFromCharacter: %v", err)
	}
	return c
}

func TestWeakCellPromotesWhileRegistered(t *testing.T) {
	e := New()
	e.AddCell("main", cubicCell(t))
	w := e.Weak("main")
	if !w.Valid() {
		t.Fatal("expected weak reference to be valid while the cell is registered")
	}
	c, ok := w.Promote()
	if !ok || c == nil {
		t.Fatal("expected Promote to succeed")
	}
}

func TestWeakCellObservesRemoval(t *testing.T) {
	e := New()
	e.AddCell("main", cubicCell(t))
	w := e.Weak("main")
	e.RemoveCell("main")
	if w.Valid() {
		t.Fatal("expected weak reference to observe the cell's removal")
	}
	if _, ok := w.Promote(); ok {
		t.Fatal("expected Promote to fail after removal")
	}
}

func TestRequireCellReturnsErrorWhenMissing(t *testing.T) {
	e := New()
	if _, err := e.RequireCell("nonexistent"); err == nil {
		t.Fatal("expected an error for an unregistered cell")
	}
}

func TestDataSetRegistration(t *testing.T) {
	e := New()
	e.AddDataSet(&DataSet{Name: "ds1", Wavelength: 1.54, FrameCount: 100})
	d, ok := e.DataSet("ds1")
	if !ok || d.FrameCount != 100 {
		t.Fatalf("expected registered dataset with FrameCount 100, got %+v, ok=%v", d, ok)
	}
	e.RemoveDataSet("ds1")
	if _, ok := e.DataSet("ds1"); ok {
		t.Fatal("expected dataset to be gone after removal")
	}
}
