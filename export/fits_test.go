package export

import (
	"bytes"
	"math"
	"os"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/qt3uw/confocal/daq"
	"github.com/qt3uw/confocal/scan"
)

func testSession(spec scan.GridSpec) scan.Session {
	return scan.Session{
		Status: scan.Completed,
		Spec:   spec,
		Cursor: spec.NumPoints(),
		Points: spec.NumPoints(),
	}
}

func TestWriteGridRoundTrip(t *testing.T) {
	spec := scan.GridSpec{
		X0: 0, X1: 80, Cols: 3,
		Y0: 0, Y1: 40, Rows: 2,
		Batch: daq.BatchSpec{Samples: 10, ClockRate: 10000, Timeout: time.Second},
	}
	xs, ys := spec.Axes()
	g := &scan.Grid{X: xs, Y: ys, Data: [][]float64{
		{1, 2, 3},
		{4, math.NaN(), 6},
	}}
	snap := scan.Snapshot{Session: testSession(spec), Grid: g}

	var buf bytes.Buffer
	if err := WriteGrid(&buf, snap); err != nil {
		t.Fatal(err)
	}

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		t.Fatal("primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 || axes[0] != 3 || axes[1] != 2 {
		t.Fatalf("expected a 3x2 image, got axes %v", axes)
	}
	if card := hdr.Get("HDRVER"); card == nil || card.Value != HDRVER {
		t.Error("missing or wrong HDRVER card")
	}
	if card := hdr.Get("STATUS"); card == nil || card.Value != "completed" {
		t.Error("missing or wrong STATUS card")
	}
	if card := hdr.Get("COLS"); card == nil || card.Value != 3 {
		t.Error("missing or wrong COLS card")
	}

	data := make([]float64, 6)
	if err := img.Read(&data); err != nil {
		t.Fatal(err)
	}
	if len(data) != 6 {
		t.Fatalf("expected 6 pixels, got %d", len(data))
	}
	// row-major flatten, rows slowest
	want := []float64{1, 2, 3, 4, math.NaN(), 6}
	for i := range want {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(data[i]) {
				t.Errorf("pixel %d: expected the sentinel, got %g", i, data[i])
			}
			continue
		}
		if data[i] != want[i] {
			t.Errorf("pixel %d = %g, want %g", i, data[i], want[i])
		}
	}
}

func TestWriteCubeRoundTrip(t *testing.T) {
	spec := scan.GridSpec{
		X0: 0, X1: 10, Cols: 2,
		Y0: 0, Y1: 10, Rows: 2,
		Batch: daq.BatchSpec{Samples: 10, ClockRate: 10000, Timeout: time.Second},
	}
	xs, ys := spec.Axes()
	c := &scan.Cube{
		X: xs, Y: ys,
		Wavelengths: []float64{600, 700, 800},
		Data: [][][]float64{
			{{1, 2, 3}, {4, 5, 6}},
			{nil, {7, 8, 9}},
		},
	}
	snap := scan.Snapshot{Session: testSession(spec), Cube: c}

	var buf bytes.Buffer
	if err := WriteCube(&buf, snap); err != nil {
		t.Fatal(err)
	}

	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		t.Fatal("primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 3 || axes[0] != 2 || axes[1] != 2 || axes[2] != 3 {
		t.Fatalf("expected a 2x2x3 cube, got axes %v", axes)
	}
	if card := hdr.Get("WLMIN"); card == nil || card.Value != 600.0 {
		t.Error("missing or wrong WLMIN card")
	}
	if card := hdr.Get("NBINS"); card == nil || card.Value != 3 {
		t.Error("missing or wrong NBINS card")
	}

	data := make([]float64, 12)
	if err := img.Read(&data); err != nil {
		t.Fatal(err)
	}
	if len(data) != 12 {
		t.Fatalf("expected 12 voxels, got %d", len(data))
	}
	// bin 0 plane, row-major: cells (0,0) (0,1) (1,0) (1,1)
	if data[0] != 1 || data[1] != 4 {
		t.Errorf("bin 0 plane wrong: %v", data[:4])
	}
	if !math.IsNaN(data[2]) {
		t.Error("unacquired cell should hold the sentinel in every bin")
	}
	// bin 2 plane starts at offset 8
	if data[8] != 3 || data[11] != 9 {
		t.Errorf("bin 2 plane wrong: %v", data[8:12])
	}
}

func TestWriteSnapshotRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, scan.Snapshot{}); err == nil {
		t.Error("empty snapshot should be rejected")
	}
}

func TestSaveFile(t *testing.T) {
	spec := scan.GridSpec{
		X0: 0, X1: 10, Cols: 2,
		Y0: 0, Y1: 10, Rows: 2,
		Batch: daq.BatchSpec{Samples: 10, ClockRate: 10000, Timeout: time.Second},
	}
	xs, ys := spec.Axes()
	g := &scan.Grid{X: xs, Y: ys, Data: [][]float64{{1, 2}, {3, 4}}}
	snap := scan.Snapshot{Session: testSession(spec), Grid: g}

	path := t.TempDir() + "/scan.fits"
	hook := SaveFile(path)
	if err := hook(snap); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Error("saved file is empty")
	}
}
