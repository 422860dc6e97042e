// Package daq defines the capability contracts for acquisition hardware
// consumed by the scan orchestrator, and the batch math that converts raw
// edge-count samples into a count rate.
//
// Two capability variants exist: a Counter produces one scalar per
// acquisition point, a Spectrometer produces one fixed-length spectrum.
// Both bracket a scan with Start/Stop so hardware resources are held only
// while a scan is active.
package daq

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// ErrNotRunning is returned when a sample is requested outside a
// Start/Stop bracket.
var ErrNotRunning = errors.New("daq: sampler is not started")

// TimeoutError indicates a read exceeded the batch read timeout.  The scan
// policy for this error is retry exactly once, then mark the cell invalid
// and continue.
type TimeoutError struct {
	// Op names the operation that timed out
	Op string

	// Timeout is the deadline that was exceeded
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("daq: %s exceeded read timeout of %v", e.Op, e.Timeout)
}

// InvalidSampleError indicates a measurement that is a data artifact
// (NaN, negative count, wrong spectrum length).  It is never retried.
type InvalidSampleError struct {
	// Reason describes the artifact
	Reason string

	// Value is the offending scalar, when one exists
	Value float64
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("daq: invalid sample (%s: %g)", e.Reason, e.Value)
}

// BatchSpec describes one raw acquisition batch: how many clock-timed
// samples to read, at what rate, and how long to wait before giving up.
type BatchSpec struct {
	// Samples is the number of raw samples per acquisition point
	Samples int `yaml:"samples" json:"samples"`

	// ClockRate is the sample clock frequency in Hz
	ClockRate float64 `yaml:"clockRate" json:"clockRate"`

	// Timeout is the read deadline for one batch, in nanoseconds when
	// carried over the wire
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Validate returns the first violated invariant, or nil
func (b BatchSpec) Validate() error {
	if b.Samples < 1 {
		return errors.New("daq: batch must acquire at least one sample")
	}
	if b.ClockRate <= 0 {
		return errors.New("daq: clock rate must be positive")
	}
	if b.Timeout <= 0 {
		return errors.New("daq: read timeout must be positive")
	}
	return nil
}

// Duration returns the nominal wall time to acquire one batch
func (b BatchSpec) Duration() time.Duration {
	secs := float64(b.Samples) / b.ClockRate
	return time.Duration(secs * float64(time.Second))
}

// SpecForCycles converts an acquisition depth expressed in cycles into a
// concrete batch spec at the given clock rate.  One cycle corresponds to
// one raw sample.
func SpecForCycles(cycles int, clockRate float64, timeout time.Duration) BatchSpec {
	return BatchSpec{Samples: cycles, ClockRate: clockRate, Timeout: timeout}
}

// Device is the base capability shared by all acquisition backends.
// Start and Stop bracket a scan; Close releases the backend entirely.
type Device interface {
	Start() error
	Stop() error
	Close() error
}

// Counter is an acquisition backend that measures an edge count rate,
// e.g. a photon counting digitizer.
type Counter interface {
	Device

	// SampleCountRate acquires one batch and returns the measured rate
	// in counts per second
	SampleCountRate(BatchSpec) (float64, error)
}

// Spectrometer is an acquisition backend that measures a full spectrum
// per acquisition point.
type Spectrometer interface {
	Device

	// Bins returns the fixed number of wavelength bins per spectrum
	Bins() int

	// Wavelengths returns the bin center values, length Bins()
	Wavelengths() []float64

	// SampleSpectrum acquires one batch and returns one spectrum of
	// length Bins()
	SampleSpectrum(BatchSpec) ([]float64, error)
}

// CountRate converts a batch of raw edge counts into a rate in counts per
// second.  ticks is the number of clock cycles actually elapsed, which may
// be fewer than requested if the hardware returned a short read.
// The rate is clockRate * sum(counts) / ticks.
func CountRate(counts []float64, ticks int, clockRate float64) (float64, error) {
	if ticks <= 0 {
		return 0, &InvalidSampleError{Reason: "no clock cycles elapsed", Value: float64(ticks)}
	}
	sum := floats.Sum(counts)
	rate := clockRate * sum / float64(ticks)
	if math.IsNaN(rate) {
		return 0, &InvalidSampleError{Reason: "rate is NaN", Value: rate}
	}
	if rate < 0 {
		return 0, &InvalidSampleError{Reason: "negative rate", Value: rate}
	}
	return rate, nil
}
