// Package calib converts between physical coordinates and raw actuator
// commands, and clamps requests to the calibrated travel of each axis.
//
// All functions are pure; a Profile is constructed once when a controller
// is initialized and never mutated while a scan is running.
package calib

import (
	"errors"
	"fmt"
	"time"
)

// ErrZeroScale is returned by Validate when an axis has a zero scale factor,
// which would make the physical<->command conversion singular.
var ErrZeroScale = errors.New("calib: axis scale must be nonzero")

// ErrInvertedBounds is returned by Validate when an axis has min > max.
var ErrInvertedBounds = errors.New("calib: axis min exceeds max")

// OutOfRangeError indicates a requested position outside the calibrated
// travel of an axis by more than the profile tolerance.
type OutOfRangeError struct {
	// Axis is the index of the violating axis
	Axis int

	// Value is the requested physical position
	Value float64

	// Min and Max are the calibrated travel bounds for the axis
	Min, Max float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("calib: position %g on axis %d outside allowed travel [%g, %g]",
		e.Value, e.Axis, e.Min, e.Max)
}

// Axis holds the calibration for one degree of freedom.
// command = (physical - Offset) / Scale
type Axis struct {
	// Scale is physical units per raw command unit, e.g. microns per volt
	Scale float64 `yaml:"scale"`

	// Offset is the physical position corresponding to command zero
	Offset float64 `yaml:"offset"`

	// Min is the lowest allowed physical position
	Min float64 `yaml:"min"`

	// Max is the highest allowed physical position
	Max float64 `yaml:"max"`
}

// ToCommand converts a physical position to a raw command value
func (a Axis) ToCommand(physical float64) float64 {
	return (physical - a.Offset) / a.Scale
}

// ToPhysical converts a raw command value to a physical position
func (a Axis) ToPhysical(command float64) float64 {
	return command*a.Scale + a.Offset
}

// Clamp clips a physical position to the axis travel.  The boolean is true
// if clipping occurred.  A position exactly at a bound is not clamped.
func (a Axis) Clamp(physical float64) (float64, bool) {
	if physical < a.Min {
		return a.Min, true
	}
	if physical > a.Max {
		return a.Max, true
	}
	return physical, false
}

// Contains returns true if the position is within the axis travel, inclusive
func (a Axis) Contains(physical float64) bool {
	return physical >= a.Min && physical <= a.Max
}

// Profile aggregates the per-axis calibrations of a positioner with the
// settling duration to wait after any motion command.
type Profile struct {
	// Axes holds one calibration per degree of freedom, in coordinate order
	Axes []Axis `yaml:"axes"`

	// Settle is the wait applied after a motion command before the position
	// is considered valid
	Settle time.Duration `yaml:"settle"`

	// Tolerance is how far beyond an axis bound a request may lie before
	// Check reports an OutOfRangeError rather than leaving the policy
	// decision (clamp vs abort) to the caller
	Tolerance float64 `yaml:"tolerance"`
}

// Validate returns the first violated profile invariant, or nil
func (p Profile) Validate() error {
	if len(p.Axes) == 0 {
		return errors.New("calib: profile has no axes")
	}
	for _, ax := range p.Axes {
		if ax.Scale == 0 {
			return ErrZeroScale
		}
		if ax.Min > ax.Max {
			return ErrInvertedBounds
		}
	}
	return nil
}

// NAxes returns the number of degrees of freedom in the profile
func (p Profile) NAxes() int {
	return len(p.Axes)
}

func (p Profile) checkLen(coord []float64) error {
	if len(coord) != len(p.Axes) {
		return fmt.Errorf("calib: coordinate has %d axes, profile has %d", len(coord), len(p.Axes))
	}
	return nil
}

// ToCommand converts a physical coordinate to raw command values
func (p Profile) ToCommand(coord []float64) ([]float64, error) {
	if err := p.checkLen(coord); err != nil {
		return nil, err
	}
	out := make([]float64, len(coord))
	for i, v := range coord {
		out[i] = p.Axes[i].ToCommand(v)
	}
	return out, nil
}

// ToPhysical converts raw command values to a physical coordinate
func (p Profile) ToPhysical(cmds []float64) ([]float64, error) {
	if err := p.checkLen(cmds); err != nil {
		return nil, err
	}
	out := make([]float64, len(cmds))
	for i, v := range cmds {
		out[i] = p.Axes[i].ToPhysical(v)
	}
	return out, nil
}

// Clamp clips each axis of a coordinate independently to its travel.
// The boolean is true if any axis was clipped.
func (p Profile) Clamp(coord []float64) ([]float64, bool, error) {
	if err := p.checkLen(coord); err != nil {
		return nil, false, err
	}
	out := make([]float64, len(coord))
	var any bool
	for i, v := range coord {
		c, clamped := p.Axes[i].Clamp(v)
		out[i] = c
		any = any || clamped
	}
	return out, any, nil
}

// Check returns an OutOfRangeError for the first axis whose requested
// position lies outside its travel by more than the profile tolerance.
// Positions exactly at a bound pass.
func (p Profile) Check(coord []float64) error {
	if err := p.checkLen(coord); err != nil {
		return err
	}
	for i, v := range coord {
		ax := p.Axes[i]
		if v < ax.Min-p.Tolerance || v > ax.Max+p.Tolerance {
			return &OutOfRangeError{Axis: i, Value: v, Min: ax.Min, Max: ax.Max}
		}
	}
	return nil
}

// Origin returns the coordinate at the low end of travel on every axis
func (p Profile) Origin() []float64 {
	out := make([]float64, len(p.Axes))
	for i, ax := range p.Axes {
		out[i] = ax.Min
	}
	return out
}
