// Package export serializes finished scans to FITS, the interchange
// format the downstream analysis tools consume.  Scalar grids become a
// 2D float64 image; hyperspectral cubes become a 3D image with the
// wavelength axis slowest.
package export

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/qt3uw/confocal/scan"
)

// HDRVER identifies the header layout for readers
const HDRVER = "CONFOCAL-1"

// WriteSnapshot writes whichever payload the snapshot carries
func WriteSnapshot(w io.Writer, snap scan.Snapshot) error {
	switch {
	case snap.Grid != nil:
		return WriteGrid(w, snap)
	case snap.Cube != nil:
		return WriteCube(w, snap)
	default:
		return errors.New("export: snapshot carries no data")
	}
}

// WriteGrid streams a scalar grid to w as a single-HDU FITS file
func WriteGrid(w io.Writer, snap scan.Snapshot) error {
	g := snap.Grid
	if g == nil {
		return errors.New("export: snapshot carries no grid")
	}
	rows, cols := len(g.Y), len(g.X)
	buf := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		copy(buf[r*cols:(r+1)*cols], g.Data[r])
	}
	return writeImage(w, headerCards(snap), buf, []int{cols, rows})
}

// WriteCube streams a hyperspectral cube to w.  Cells never acquired
// hold NaN across every bin.
func WriteCube(w io.Writer, snap scan.Snapshot) error {
	c := snap.Cube
	if c == nil {
		return errors.New("export: snapshot carries no cube")
	}
	rows, cols, bins := len(c.Y), len(c.X), c.Bins()
	buf := make([]float64, rows*cols*bins)
	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			sp := c.Data[r][col]
			for b := 0; b < bins; b++ {
				v := math.NaN()
				if sp != nil {
					v = sp[b]
				}
				buf[b*rows*cols+r*cols+col] = v
			}
		}
	}
	cards := headerCards(snap)
	if bins > 0 {
		cards = append(cards,
			fitsio.Card{Name: "WLMIN", Value: c.Wavelengths[0], Comment: "first wavelength bin center, nm"},
			fitsio.Card{Name: "WLMAX", Value: c.Wavelengths[bins-1], Comment: "last wavelength bin center, nm"},
			fitsio.Card{Name: "NBINS", Value: bins, Comment: "wavelength bins per cell"},
		)
	}
	return writeImage(w, cards, buf, []int{cols, rows, bins})
}

// SaveFile returns a hook that writes each finished scan to path,
// truncating any previous file
func SaveFile(path string) func(scan.Snapshot) error {
	return func(snap scan.Snapshot) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = WriteSnapshot(f, snap)
		cerr := f.Close()
		if err != nil {
			return err
		}
		return cerr
	}
}

// writeImage streams one float64 image HDU to w
func writeImage(w io.Writer, metadata []fitsio.Card, buffer []float64, dims []int) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(buffer)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

func headerCards(snap scan.Snapshot) []fitsio.Card {
	sess := snap.Session
	now := time.Now()
	ts := fmt.Sprintf("%d-%02d-%02dT%02d:%02d:%02d",
		now.Year(),
		now.Month(),
		now.Day(),
		now.Hour(),
		now.Minute(),
		now.Second())

	spec := sess.Spec
	return []fitsio.Card{
		{Name: "HDRVER", Value: HDRVER, Comment: "header version"},
		{Name: "DATE", Value: ts},
		{Name: "STATUS", Value: sess.Status.String(), Comment: "scan outcome"},

		// grid geometry
		{Name: "X0", Value: spec.X0, Comment: "fast axis start, um"},
		{Name: "X1", Value: spec.X1, Comment: "fast axis end, um"},
		{Name: "COLS", Value: spec.Cols, Comment: "points along the fast axis"},
		{Name: "Y0", Value: spec.Y0, Comment: "slow axis start, um"},
		{Name: "Y1", Value: spec.Y1, Comment: "slow axis end, um"},
		{Name: "ROWS", Value: spec.Rows, Comment: "points along the slow axis"},

		// acquisition parameters
		{Name: "NSAMP", Value: spec.Batch.Samples, Comment: "raw samples per point"},
		{Name: "CLKRATE", Value: spec.Batch.ClockRate, Comment: "sample clock, Hz"},
		{Name: "EXPTIME", Value: spec.Batch.Duration().Seconds(), Comment: "dwell per point, seconds"},

		// bookkeeping
		{Name: "NINVAL", Value: sess.Invalid, Comment: "cells marked invalid"},
		{Name: "NRETRY", Value: sess.Retries, Comment: "acquisition retries performed"},
	}
}
