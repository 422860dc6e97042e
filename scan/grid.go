// Package scan contains the scan orchestration engine: the data model for
// scalar grids and hyperspectral cubes, and the state machine that drives
// a pixel-by-pixel acquisition loop over position and DAQ controllers.
package scan

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/qt3uw/confocal/daq"
)

// RasterOrder selects the traversal sequence over grid indices.
type RasterOrder int

const (
	// RowMajor visits cells left-to-right, top-to-bottom
	RowMajor RasterOrder = iota

	// Serpentine reverses the column direction on odd rows, halving
	// the long moves between lines
	Serpentine
)

// GridSpec describes the scan to perform: the physical extent and step
// count of each axis, the acquisition batch per point, and the raster
// order.
type GridSpec struct {
	// X0, X1 bound the fast (column) axis; X1 may be below X0 for a
	// descending axis
	X0 float64 `yaml:"x0" json:"x0"`
	X1 float64 `yaml:"x1" json:"x1"`

	// Cols is the number of points along the fast axis
	Cols int `yaml:"cols" json:"cols"`

	// Y0, Y1 bound the slow (row) axis
	Y0 float64 `yaml:"y0" json:"y0"`
	Y1 float64 `yaml:"y1" json:"y1"`

	// Rows is the number of points along the slow axis
	Rows int `yaml:"rows" json:"rows"`

	// Batch is the raw acquisition performed at each point
	Batch daq.BatchSpec `yaml:"batch" json:"batch"`

	// Order is the traversal sequence, row-major by default
	Order RasterOrder `yaml:"order" json:"order"`
}

// Validate returns the first violated invariant, or nil
func (g GridSpec) Validate() error {
	if g.Rows < 1 || g.Cols < 1 {
		return errors.New("scan: grid must have at least one row and one column")
	}
	if g.Rows > 1 && g.Y0 == g.Y1 {
		return errors.New("scan: degenerate slow axis, y0 == y1 with multiple rows")
	}
	if g.Cols > 1 && g.X0 == g.X1 {
		return errors.New("scan: degenerate fast axis, x0 == x1 with multiple columns")
	}
	return g.Batch.Validate()
}

// NumPoints returns the total cell count
func (g GridSpec) NumPoints() int {
	return g.Rows * g.Cols
}

// Axes returns the coordinate arrays for the fast and slow axes.  They are
// monotonic and their lengths equal Cols and Rows.
func (g GridSpec) Axes() (xs, ys []float64) {
	xs = span(g.X0, g.X1, g.Cols)
	ys = span(g.Y0, g.Y1, g.Rows)
	return xs, ys
}

func span(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	return floats.Span(out, lo, hi)
}

// index returns the (row, col) visited at step k under the raster order
func (g GridSpec) index(k int) (row, col int) {
	row = k / g.Cols
	col = k % g.Cols
	if g.Order == Serpentine && row%2 == 1 {
		col = g.Cols - 1 - col
	}
	return row, col
}

// Grid is a 2D array of scalar measurements plus the coordinate arrays
// that map indices to physical positions.  Unacquired cells hold NaN.
type Grid struct {
	// X holds the fast-axis coordinate of each column
	X []float64 `json:"x"`

	// Y holds the slow-axis coordinate of each row
	Y []float64 `json:"y"`

	// Data is indexed [row][col]; NaN marks a cell not yet acquired or
	// marked invalid
	Data [][]float64 `json:"data"`
}

func newGrid(spec GridSpec) *Grid {
	xs, ys := spec.Axes()
	data := make([][]float64, spec.Rows)
	for r := range data {
		data[r] = make([]float64, spec.Cols)
		for c := range data[r] {
			data[r][c] = math.NaN()
		}
	}
	return &Grid{X: xs, Y: ys, Data: data}
}

// At returns the value at (row, col)
func (g *Grid) At(row, col int) (float64, error) {
	if row < 0 || row >= len(g.Y) || col < 0 || col >= len(g.X) {
		return 0, fmt.Errorf("scan: index (%d, %d) outside %dx%d grid", row, col, len(g.Y), len(g.X))
	}
	return g.Data[row][col], nil
}

// Filled returns the number of acquired (non-NaN) cells
func (g *Grid) Filled() int {
	n := 0
	for _, row := range g.Data {
		for _, v := range row {
			if !math.IsNaN(v) {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy, safe to hand to external readers
func (g *Grid) Clone() *Grid {
	if g == nil {
		return nil
	}
	out := &Grid{
		X:    append([]float64(nil), g.X...),
		Y:    append([]float64(nil), g.Y...),
		Data: make([][]float64, len(g.Data)),
	}
	for r, row := range g.Data {
		out.Data[r] = append([]float64(nil), row...)
	}
	return out
}

// Cube is a 3D array of spectra plus the coordinate arrays and the
// wavelength-bin axis.  Unacquired cells hold a nil spectrum; every filled
// cell's spectrum length equals len(Wavelengths).
type Cube struct {
	// X holds the fast-axis coordinate of each column
	X []float64 `json:"x"`

	// Y holds the slow-axis coordinate of each row
	Y []float64 `json:"y"`

	// Wavelengths holds the bin center values shared by every cell
	Wavelengths []float64 `json:"wavelengths"`

	// Data is indexed [row][col]; a nil entry is a cell not yet acquired
	// or marked invalid
	Data [][][]float64 `json:"data"`
}

func newCube(spec GridSpec, wavelengths []float64) *Cube {
	xs, ys := spec.Axes()
	data := make([][][]float64, spec.Rows)
	for r := range data {
		data[r] = make([][]float64, spec.Cols)
	}
	return &Cube{
		X:           xs,
		Y:           ys,
		Wavelengths: append([]float64(nil), wavelengths...),
		Data:        data,
	}
}

// Bins returns the spectrum length of every filled cell
func (c *Cube) Bins() int {
	return len(c.Wavelengths)
}

// SpectrumAt returns a copy of the spectrum at (row, col).  The error is
// non-nil for indices outside the cube or cells not yet acquired.
func (c *Cube) SpectrumAt(row, col int) ([]float64, error) {
	if row < 0 || row >= len(c.Y) || col < 0 || col >= len(c.X) {
		return nil, fmt.Errorf("scan: index (%d, %d) outside %dx%d cube", row, col, len(c.Y), len(c.X))
	}
	sp := c.Data[row][col]
	if sp == nil {
		return nil, fmt.Errorf("scan: cell (%d, %d) not yet acquired", row, col)
	}
	return append([]float64(nil), sp...), nil
}

// Filled returns the number of acquired cells
func (c *Cube) Filled() int {
	n := 0
	for _, row := range c.Data {
		for _, sp := range row {
			if sp != nil {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy, safe to hand to external readers
func (c *Cube) Clone() *Cube {
	if c == nil {
		return nil
	}
	out := &Cube{
		X:           append([]float64(nil), c.X...),
		Y:           append([]float64(nil), c.Y...),
		Wavelengths: append([]float64(nil), c.Wavelengths...),
		Data:        make([][][]float64, len(c.Data)),
	}
	for r, row := range c.Data {
		out.Data[r] = make([][]float64, len(row))
		for cidx, sp := range row {
			if sp != nil {
				out.Data[r][cidx] = append([]float64(nil), sp...)
			}
		}
	}
	return out
}

// nearestIndex returns the index of the axis value closest to v and true
// if v lies within half a step of it.  Handles ascending and descending
// axes; a single-point axis matches within an absolute tolerance.
func nearestIndex(axis []float64, v float64) (int, bool) {
	if len(axis) == 0 {
		return 0, false
	}
	best := 0
	bestDist := math.Abs(v - axis[0])
	for i, a := range axis {
		if d := math.Abs(v - a); d < bestDist {
			best = i
			bestDist = d
		}
	}
	var halfStep float64
	if len(axis) > 1 {
		halfStep = math.Abs(axis[1]-axis[0]) / 2
	} else {
		halfStep = 1e-9
	}
	return best, bestDist <= halfStep
}
