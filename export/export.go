// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package export writes merged or unmerged reflection data to the
// wire formats consumed downstream by refinement and publication
// tools: ShelX-HKL, FullProf, SCA/Phenix and MTZ.
package export

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/k61n/openhkl-sub006/cell"
	"github.com/k61n/openhkl-sub006/merge"
	"github.com/k61n/openhkl-sub006/peak"
)

// Reflection is the minimal row shared by the text exporters: a
// representative (or original) Miller index plus an intensity.
type Reflection struct {
	Index cell.MillerIndex
	I     peak.IntensityVariance
}

// FromMerged flattens a merged collection's representative indices
// into Reflections, choosing profile or sum intensity uniformly.
func FromMerged(mps []*merge.MergedPeak) []Reflection {
	out := make([]Reflection, len(mps))
	for i, mp := range mps {
		out[i] = Reflection{Index: mp.Representative, I: mp.Intensity}
	}
	return out
}

// WriteShelX writes fixed-width ShelX-HKL rows: %4d%4d%4d%14.4f%14.4f%5d
// with a constant scaling-factor field of 1.
func WriteShelX(w io.Writer, refl []Reflection) error {
	for _, r := range refl {
		_, err := fmt.Fprintf(w, "%4d%4d%4d%14.4f%14.4f%5d\n",
			r.Index.H, r.Index.K, r.Index.L, r.I.Value, r.I.Sigma(), 1)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteFullProf writes a FullProf reflection file: a TITLE header, a
// format line (3i4,2F14.4,i5,4f8.2), a wavelength line, then the same
// fixed-width rows as ShelX.
func WriteFullProf(w io.Writer, title string, wavelength float64, refl []Reflection) error {
	if _, err := fmt.Fprintf(w, "TITLE %s\n", title); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "(3i4,2F14.4,i5,4f8.2)\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%8.4f\n", wavelength); err != nil {
		return err
	}
	return WriteShelX(w, refl)
}

// UnmergedReflection pairs an original observation's hkl with the
// representative hkl its merged group collapsed to, as SCA output
// requires for unmerged data.
type UnmergedReflection struct {
	Original, Representative cell.MillerIndex
	I                        peak.IntensityVariance
}

// WriteSCA writes an SCA/Phenix reflection file: a lead line "    1",
// a blank line, a lattice+symbol line, then reflection rows carrying
// both original and representative hkl.
func WriteSCA(w io.Writer, u *cell.UnitCell, symbol string, refl []UnmergedReflection) error {
	if _, err := fmt.Fprintf(w, "%5d\n\n", 1); err != nil {
		return err
	}
	ch := u.Character()
	sym := strings.ToLower(strings.ReplaceAll(symbol, " ", ""))
	_, err := fmt.Fprintf(w, "%10.4f%10.4f%10.4f%10.4f%10.4f%10.4f %s\n",
		ch.A, ch.B, ch.C, deg(ch.Alpha), deg(ch.Beta), deg(ch.Gamma), sym)
	if err != nil {
		return err
	}
	for _, r := range refl {
		_, err := fmt.Fprintf(w, "%4d%4d%4d%4d%4d%4d%14.4f%14.4f\n",
			r.Original.H, r.Original.K, r.Original.L,
			r.Representative.H, r.Representative.K, r.Representative.L,
			r.I.Value, r.I.Sigma())
		if err != nil {
			return err
		}
	}
	return nil
}

func deg(rad float64) float64 { return rad * 180 / 3.141592653589793 }

// MTZCrystal and MTZDataset carry the project metadata an MTZ file's
// crystal/dataset records require.
type MTZCrystal struct {
	Name    string
	Project string
	Cell    *cell.UnitCell
}

type MTZDataset struct {
	Name       string
	Wavelength float64
}

// MTZColumn is one column of an MTZ reflection record.
type MTZColumn struct {
	Label string
	Type  byte // H, J, Q, ... per the MTZ column-type convention
}

// mtzMagic is the literal 4-byte tag that opens every MTZ file.
const mtzMagic = "MTZ "

// WriteMTZ writes a minimal binary MTZ stream: header tag, crystal and
// dataset records, a symmetry block, and one float32 record per
// reflection across the given columns. No Go binding for the CCP4 MTZ
// library exists in this module's dependency set, so the binary
// layout below is written directly with encoding/binary rather than
// fabricating a library dependency (see DESIGN.md).
func WriteMTZ(w io.Writer, xtal MTZCrystal, ds MTZDataset, symbol string, columns []MTZColumn, rows [][]float32) error {
	if _, err := io.WriteString(w, mtzMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(rows))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(columns))); err != nil {
		return err
	}
	if err := writeString(w, xtal.Name); err != nil {
		return err
	}
	if err := writeString(w, xtal.Project); err != nil {
		return err
	}
	ch := xtal.Cell.Character()
	cellParams := []float32{float32(ch.A), float32(ch.B), float32(ch.C), float32(deg(ch.Alpha)), float32(deg(ch.Beta)), float32(deg(ch.Gamma))}
	for _, v := range cellParams {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := writeString(w, ds.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, float32(ds.Wavelength)); err != nil {
		return err
	}
	if err := writeString(w, symbol); err != nil {
		return err
	}
	for _, c := range columns {
		if err := writeString(w, c.Label); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, c.Type); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("export: row has %d values, want %d columns", len(row), len(columns))
		}
		for _, v := range row {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
