package daq

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// MockCounter is a deterministic Counter for tests and dry runs.  It
// returns Rate on every call, or the scripted per-call values in Seq,
// and can be told to time out on specific call indices.
type MockCounter struct {
	sync.Mutex

	// Rate is the constant rate returned when Seq is exhausted
	Rate float64

	// Seq holds per-call return values, consumed in order
	Seq []float64

	// FailCalls marks zero-based call indices that produce a timeout
	FailCalls map[int]bool

	calls   int
	running bool
}

// Start marks the counter as acquiring
func (m *MockCounter) Start() error {
	m.Lock()
	defer m.Unlock()
	m.running = true
	return nil
}

// Stop marks the counter as idle
func (m *MockCounter) Stop() error {
	m.Lock()
	defer m.Unlock()
	m.running = false
	return nil
}

// Close is a no-op for the mock
func (m *MockCounter) Close() error {
	return m.Stop()
}

// Running reports whether the counter is inside a Start/Stop bracket
func (m *MockCounter) Running() bool {
	m.Lock()
	defer m.Unlock()
	return m.running
}

// Calls returns the number of SampleCountRate invocations so far
func (m *MockCounter) Calls() int {
	m.Lock()
	defer m.Unlock()
	return m.calls
}

// SampleCountRate returns the next scripted value, or Rate
func (m *MockCounter) SampleCountRate(b BatchSpec) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if !m.running {
		return 0, ErrNotRunning
	}
	idx := m.calls
	m.calls++
	if m.FailCalls[idx] {
		return 0, &TimeoutError{Op: "sample count rate", Timeout: b.Timeout}
	}
	if idx < len(m.Seq) {
		return m.Seq[idx], nil
	}
	return m.Rate, nil
}

// RandomCounter acts like a photoluminescent source moving in and out of
// focus: a baseline rate with occasional jumps to a bright offset.  It is
// deterministic for a fixed seed.
type RandomCounter struct {
	sync.Mutex

	rng     *rand.Rand
	offset  float64
	running bool
}

const (
	randomBaseOffset = 100.0
	randomNoiseAmp   = 0.2
)

// NewRandomCounter returns a RandomCounter seeded for reproducibility
func NewRandomCounter(seed int64) *RandomCounter {
	return &RandomCounter{rng: rand.New(rand.NewSource(seed)), offset: randomBaseOffset}
}

// Start marks the counter as acquiring
func (r *RandomCounter) Start() error {
	r.Lock()
	defer r.Unlock()
	r.running = true
	return nil
}

// Stop marks the counter as idle
func (r *RandomCounter) Stop() error {
	r.Lock()
	defer r.Unlock()
	r.running = false
	return nil
}

// Close is a no-op for the simulator
func (r *RandomCounter) Close() error {
	return r.Stop()
}

// SampleCountRate simulates one batch of raw counts and reduces it with
// the same math a hardware counter would use
func (r *RandomCounter) SampleCountRate(b BatchSpec) (float64, error) {
	r.Lock()
	defer r.Unlock()
	if !r.running {
		return 0, ErrNotRunning
	}
	// occasionally jump to a bright spot, otherwise decay to baseline
	if r.rng.Float64() < 0.05 {
		r.offset = 1000 * (1 + math.Floor(r.rng.Float64()*100))
	} else {
		r.offset = randomBaseOffset
	}
	counts := make([]float64, b.Samples)
	perTick := r.offset / b.ClockRate
	for i := range counts {
		counts[i] = perTick * (1 + randomNoiseAmp*(r.rng.Float64()*2-1))
	}
	return CountRate(counts, b.Samples, b.ClockRate)
}

// MockSpectrometer is a deterministic Spectrometer for tests and dry runs.
// It returns Spectrum on every call and can be told to time out or return
// a malformed spectrum on specific call indices.
type MockSpectrometer struct {
	sync.Mutex

	// Spectrum is the payload returned on each call; its length defines
	// the bin count
	Spectrum []float64

	// WlMin and WlMax bound the wavelength axis in nm
	WlMin, WlMax float64

	// FailCalls marks zero-based call indices that produce a timeout
	FailCalls map[int]bool

	// ShortCalls marks call indices that return a truncated spectrum,
	// simulating a readout glitch
	ShortCalls map[int]bool

	calls   int
	running bool
}

// Start marks the spectrometer as acquiring
func (m *MockSpectrometer) Start() error {
	m.Lock()
	defer m.Unlock()
	m.running = true
	return nil
}

// Stop marks the spectrometer as idle
func (m *MockSpectrometer) Stop() error {
	m.Lock()
	defer m.Unlock()
	m.running = false
	return nil
}

// Close is a no-op for the mock
func (m *MockSpectrometer) Close() error {
	return m.Stop()
}

// Bins returns the number of wavelength bins per spectrum
func (m *MockSpectrometer) Bins() int {
	return len(m.Spectrum)
}

// Wavelengths returns evenly spaced bin centers spanning [WlMin, WlMax]
func (m *MockSpectrometer) Wavelengths() []float64 {
	wl := make([]float64, len(m.Spectrum))
	if len(wl) == 1 {
		wl[0] = m.WlMin
		return wl
	}
	return floats.Span(wl, m.WlMin, m.WlMax)
}

// Calls returns the number of SampleSpectrum invocations so far
func (m *MockSpectrometer) Calls() int {
	m.Lock()
	defer m.Unlock()
	return m.calls
}

// SampleSpectrum returns a copy of Spectrum
func (m *MockSpectrometer) SampleSpectrum(b BatchSpec) ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if !m.running {
		return nil, ErrNotRunning
	}
	idx := m.calls
	m.calls++
	if m.FailCalls[idx] {
		return nil, &TimeoutError{Op: "sample spectrum", Timeout: b.Timeout}
	}
	n := len(m.Spectrum)
	if m.ShortCalls[idx] && n > 1 {
		n = n - 1
	}
	out := make([]float64, n)
	copy(out, m.Spectrum)
	return out, nil
}
