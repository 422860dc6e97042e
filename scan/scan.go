package scan

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/qt3uw/confocal/daq"
	"github.com/qt3uw/confocal/stage"
)

// Status is the orchestrator state machine's state.
type Status int

const (
	// Idle means no scan is active; a stopped scan returns here with its
	// partial grid preserved
	Idle Status = iota

	// Running means the acquisition loop is visiting cells
	Running

	// Paused means the loop halted between points and will continue from
	// the next unfilled cell on Resume
	Paused

	// Stopping means a stop was requested and the loop is finishing or
	// abandoning its in-flight point
	Stopping

	// Completed means the last scan visited every cell
	Completed

	// Failed means the last scan aborted on a fatal error; the partial
	// grid is preserved for inspection
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// terminal states accept a new Start
func (s Status) terminal() bool {
	return s == Idle || s == Completed || s == Failed
}

// StateError indicates a control call that is not legal in the current
// state, e.g. Start while Running.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("scan: cannot %s while %s", e.Op, e.Status)
}

// Session is a read-only snapshot of one scan's bookkeeping.  External
// observers receive copies; the orchestrator owns the mutable state.
type Session struct {
	// Status is the state machine's current state
	Status Status

	// Spec is the grid specification the scan was started with
	Spec GridSpec

	// Cursor is the next raster index to visit; cells before it are done
	Cursor int

	// Points is the total cell count
	Points int

	// Row, Col index the most recently targeted cell
	Row, Col int

	// Coord is the physical coordinate of the most recently targeted cell
	Coord []float64

	// Invalid counts cells marked with the sentinel after an unrecoverable
	// point error (timeout after retry, bad sample)
	Invalid int

	// Retries counts acquisition retries performed after timeouts
	Retries int

	// Started is when the scan began
	Started time.Time

	// Err holds the last fatal or save error, empty otherwise
	Err string
}

// Progress returns the fraction of cells visited, in [0, 1]
func (s Session) Progress() float64 {
	if s.Points == 0 {
		return 0
	}
	return float64(s.Cursor) / float64(s.Points)
}

// Snapshot bundles a session with a deep copy of its data for external
// readers.  Exactly one of Grid and Cube is non-nil once a scan has been
// started.
type Snapshot struct {
	Session Session
	Grid    *Grid
	Cube    *Cube
}

// Observer receives a session copy after every acquired point and on
// terminal transitions.  It is called from the acquisition worker without
// locks held, so it may call back into the orchestrator's control surface.
type Observer func(Session)

// RescanResult reports the outcome of an out-of-band single-point
// re-acquisition.
type RescanResult struct {
	// Value is the scalar measurement, in counter mode
	Value float64

	// Spectrum is the measurement, in hyperspectral mode
	Spectrum []float64

	// Row, Col index the grid cell the coordinate mapped onto
	Row, Col int

	// Applied is true if the measurement overwrote a grid or cube cell
	Applied bool
}

// Orchestrator drives the pixel-by-pixel acquisition loop over a position
// controller and one DAQ capability.  Its control surface (Start, Pause,
// Resume, Stop, Rescan and the query methods) is safe to call from any
// goroutine; the loop itself runs on a dedicated worker and is the only
// code path that touches the hardware once a scan has started.
type Orchestrator struct {
	mu   sync.Mutex
	cond *sync.Cond

	// hw serializes hardware transactions between the loop and Rescan;
	// no two transactions ever overlap in time
	hw sync.Mutex

	stg     stage.Controller
	counter daq.Counter
	spectro daq.Spectrometer

	grid *Grid
	cube *Cube
	sess Session

	pauseReq bool
	stopReq  bool
	done     chan struct{}

	// Observer, when set, receives progress callbacks; set before Start
	Observer Observer

	// SaveHook, when set, is invoked with a snapshot when a scan
	// completes; set before Start
	SaveHook func(Snapshot) error
}

// New returns an orchestrator in counter (scalar grid) mode
func New(stg stage.Controller, counter daq.Counter) *Orchestrator {
	o := &Orchestrator{stg: stg, counter: counter}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// NewHyperspectral returns an orchestrator in spectrometer (cube) mode
func NewHyperspectral(stg stage.Controller, spectro daq.Spectrometer) *Orchestrator {
	o := &Orchestrator{stg: stg, spectro: spectro}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *Orchestrator) dev() daq.Device {
	if o.counter != nil {
		return o.counter
	}
	return o.spectro
}

// Start allocates a fresh grid or cube and launches the acquisition loop.
// It is legal only when no scan is active.
func (o *Orchestrator) Start(spec GridSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sess.Status.terminal() {
		return &StateError{Op: "start", Status: o.sess.Status}
	}
	if err := o.dev().Start(); err != nil {
		o.sess.Status = Failed
		o.sess.Err = err.Error()
		return err
	}
	if o.spectro != nil {
		wl := o.spectro.Wavelengths()
		if len(wl) == 0 {
			o.dev().Stop()
			return errors.New("scan: spectrometer reports zero wavelength bins")
		}
		o.cube = newCube(spec, wl)
		o.grid = nil
	} else {
		o.grid = newGrid(spec)
		o.cube = nil
	}
	o.sess = Session{
		Status:  Running,
		Spec:    spec,
		Points:  spec.NumPoints(),
		Started: time.Now(),
	}
	o.pauseReq = false
	o.stopReq = false
	o.done = make(chan struct{})
	go o.run(o.done)
	return nil
}

// Pause requests the loop to halt after the in-flight point.  Legal only
// while Running.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess.Status != Running {
		return &StateError{Op: "pause", Status: o.sess.Status}
	}
	o.pauseReq = true
	return nil
}

// Resume continues a paused scan from the next unfilled cell
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess.Status != Paused && !(o.sess.Status == Running && o.pauseReq) {
		return &StateError{Op: "resume", Status: o.sess.Status}
	}
	o.pauseReq = false
	o.cond.Broadcast()
	return nil
}

// Stop requests loop termination.  The in-flight hardware call always runs
// to completion; the loop honors the request at the next between-points
// check and returns to Idle with the partial grid preserved.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess.Status != Running && o.sess.Status != Paused {
		return &StateError{Op: "stop", Status: o.sess.Status}
	}
	o.stopReq = true
	o.sess.Status = Stopping
	o.cond.Broadcast()
	return nil
}

// Wait blocks until the acquisition worker for the current scan has
// exited.  It returns immediately if no scan was ever started.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// Session returns a copy of the current session bookkeeping
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// Progress returns the fraction of cells visited, in [0, 1]
func (o *Orchestrator) Progress() float64 {
	return o.Session().Progress()
}

// Snapshot returns the session plus a deep copy of the grid or cube.
// Readers never alias loop-owned memory.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{Session: o.sess, Grid: o.grid.Clone(), Cube: o.cube.Clone()}
}

// SpectrumAt returns a copy of the spectrum acquired at (row, col).
// Only meaningful in hyperspectral mode.
func (o *Orchestrator) SpectrumAt(row, col int) ([]float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cube == nil {
		return nil, errors.New("scan: no cube; orchestrator is not in hyperspectral mode")
	}
	return o.cube.SpectrumAt(row, col)
}

// Rescan re-acquires a single coordinate out of band: one move, one
// sample.  It is serialized against the main loop, so it blocks while the
// loop's in-flight point executes.  If the coordinate maps onto a cell
// within half a step, the measurement overwrites that cell; otherwise the
// raw measurement is returned without touching the grid.
func (o *Orchestrator) Rescan(coord []float64, batch daq.BatchSpec) (RescanResult, error) {
	var res RescanResult
	if err := batch.Validate(); err != nil {
		return res, err
	}
	o.hw.Lock()
	defer o.hw.Unlock()

	o.mu.Lock()
	active := !o.sess.Status.terminal()
	haveData := o.grid != nil || o.cube != nil
	o.mu.Unlock()
	if !haveData {
		return res, errors.New("scan: no grid; start a scan before rescanning")
	}
	if !active {
		// scoped acquisition for the single point
		if err := o.dev().Start(); err != nil {
			return res, err
		}
		defer o.dev().Stop()
	}

	if _, err := o.stg.MoveTo(coord); err != nil {
		return res, err
	}
	val, sp, _, err := o.acquire(batch)
	if err != nil {
		return res, err
	}
	res.Value = val
	res.Spectrum = sp

	o.mu.Lock()
	defer o.mu.Unlock()
	xs, ys := o.axes()
	col, okX := nearestIndex(xs, coord[0])
	var row int
	var okY bool
	if len(coord) > 1 {
		row, okY = nearestIndex(ys, coord[1])
	}
	if okX && okY {
		res.Row, res.Col = row, col
		o.writeCellLocked(row, col, val, sp)
		res.Applied = true
	}
	return res, nil
}

func (o *Orchestrator) axes() (xs, ys []float64) {
	if o.grid != nil {
		return o.grid.X, o.grid.Y
	}
	if o.cube != nil {
		return o.cube.X, o.cube.Y
	}
	return nil, nil
}

func (o *Orchestrator) writeCellLocked(row, col int, val float64, sp []float64) {
	if o.grid != nil {
		o.grid.Data[row][col] = val
		return
	}
	if sp == nil {
		o.cube.Data[row][col] = nil
		return
	}
	o.cube.Data[row][col] = append([]float64(nil), sp...)
}

// sampleOnce performs one acquisition and validates the measurement
func (o *Orchestrator) sampleOnce(batch daq.BatchSpec) (float64, []float64, error) {
	if o.counter != nil {
		v, err := o.counter.SampleCountRate(batch)
		if err != nil {
			return 0, nil, err
		}
		if math.IsNaN(v) {
			return 0, nil, &daq.InvalidSampleError{Reason: "rate is NaN", Value: v}
		}
		if v < 0 {
			return 0, nil, &daq.InvalidSampleError{Reason: "negative rate", Value: v}
		}
		return v, nil, nil
	}
	sp, err := o.spectro.SampleSpectrum(batch)
	if err != nil {
		return 0, nil, err
	}
	if want := o.cubeBins(); len(sp) != want {
		return 0, nil, &daq.InvalidSampleError{
			Reason: fmt.Sprintf("spectrum length %d, expected %d", len(sp), want),
			Value:  float64(len(sp)),
		}
	}
	return 0, sp, nil
}

func (o *Orchestrator) cubeBins() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cube == nil {
		return 0
	}
	return o.cube.Bins()
}

// acquire performs one acquisition with the retry-once-on-timeout policy.
// The boolean reports whether a retry happened.
func (o *Orchestrator) acquire(batch daq.BatchSpec) (float64, []float64, bool, error) {
	v, sp, err := o.sampleOnce(batch)
	var te *daq.TimeoutError
	if errors.As(err, &te) {
		v, sp, err = o.sampleOnce(batch)
		return v, sp, true, err
	}
	return v, sp, false, err
}

// run is the acquisition loop body.  Pause and stop are honored strictly
// between points; an in-flight hardware call always completes.
func (o *Orchestrator) run(done chan struct{}) {
	defer close(done)
	defer o.dev().Stop()

	for {
		o.mu.Lock()
		for o.pauseReq && !o.stopReq {
			o.sess.Status = Paused
			o.cond.Wait()
		}
		if o.stopReq {
			o.sess.Status = Idle
			sess := o.sess
			o.mu.Unlock()
			o.notify(sess)
			return
		}
		if o.sess.Cursor >= o.sess.Points {
			o.sess.Status = Completed
			snap := o.snapshotLocked()
			o.mu.Unlock()
			o.finish(snap)
			return
		}
		o.sess.Status = Running
		k := o.sess.Cursor
		row, col := o.sess.Spec.index(k)
		xs, ys := o.axes()
		coord := []float64{xs[col], ys[row]}
		o.sess.Row, o.sess.Col = row, col
		o.sess.Coord = coord
		batch := o.sess.Spec.Batch
		o.mu.Unlock()

		o.hw.Lock()
		_, err := o.stg.MoveTo(coord)
		if err != nil {
			o.hw.Unlock()
			o.fail(err)
			return
		}
		val, sp, retried, err := o.acquire(batch)
		o.hw.Unlock()

		o.mu.Lock()
		if retried {
			o.sess.Retries++
		}
		if err != nil {
			// retry exhausted or data artifact: sentinel cell, continue
			o.writeCellLocked(row, col, math.NaN(), nil)
			o.sess.Invalid++
		} else {
			o.writeCellLocked(row, col, val, sp)
		}
		o.sess.Cursor = k + 1
		sess := o.sess
		o.mu.Unlock()
		o.notify(sess)
	}
}

// fail aborts the scan on a fatal error, preserving the partial grid
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.sess.Status = Failed
	o.sess.Err = err.Error()
	sess := o.sess
	o.mu.Unlock()
	o.notify(sess)
}

// finish invokes the save hook after a completed scan
func (o *Orchestrator) finish(snap Snapshot) {
	if o.SaveHook != nil {
		if err := o.SaveHook(snap); err != nil {
			o.mu.Lock()
			o.sess.Err = err.Error()
			snap.Session = o.sess
			o.mu.Unlock()
		}
	}
	o.notify(snap.Session)
}

func (o *Orchestrator) notify(sess Session) {
	if o.Observer != nil {
		o.Observer(sess)
	}
}
