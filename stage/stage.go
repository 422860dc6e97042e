// Package stage implements the position controller: it converts physical
// coordinates to actuator commands through a calibration profile, enforces
// the travel limits, and waits out the settling time after every move.
//
// Moves are synchronous and blocking; MoveTo does not return until the
// actuator has settled.
package stage

import (
	"fmt"
	"sync"
	"time"

	"github.com/qt3uw/confocal/calib"
)

// Controller is the capability contract consumed by the scan orchestrator.
type Controller interface {
	// MoveTo moves to the target coordinate and returns the coordinate
	// actually reached.  It blocks until the actuator has settled.
	MoveTo(coord []float64) ([]float64, error)

	// CurrentPosition reports the current physical coordinate
	CurrentPosition() ([]float64, error)

	// GoToOrigin moves to the low end of travel on every axis
	GoToOrigin() error

	// Close releases the actuator
	Close() error
}

// Actuator is the raw command surface of a motion device.  Values are in
// command space (e.g. volts); the Stage owns the conversion to and from
// physical units.
type Actuator interface {
	// Write commands the actuator, one value per axis
	Write(cmds []float64) error

	// Read returns the actuator's present command values, one per axis
	Read() ([]float64, error)

	// Close releases the actuator
	Close() error
}

// Policy selects how a Stage treats a requested position that exceeds the
// calibrated bounds by more than the profile tolerance.
type Policy int

const (
	// ClampWarn clips the request to the travel and reports through the
	// OnClamp hook.  This is the default policy.
	ClampWarn Policy = iota

	// Strict rejects the move with a calib.OutOfRangeError
	Strict
)

// CommandError indicates the actuator rejected or failed a motion command.
// The orchestrator treats this as fatal for the current scan.
type CommandError struct {
	// Coord is the physical target of the failed move
	Coord []float64

	// Err is the underlying actuator failure
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("stage: actuator failed moving to %v: %v", e.Coord, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Stage is a Controller over an Actuator backend.
type Stage struct {
	mu sync.Mutex

	act    Actuator
	prof   calib.Profile
	policy Policy
	last   []float64 // physical coordinate of the last commanded move

	// OnClamp, when set, is invoked with the requested and clamped
	// coordinates whenever a ClampWarn policy clips a request
	OnClamp func(requested, clamped []float64)
}

// New returns a Stage over the given actuator, or an error if the
// calibration profile is invalid.
func New(act Actuator, prof calib.Profile, policy Policy) (*Stage, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return &Stage{act: act, prof: prof, policy: policy, last: prof.Origin()}, nil
}

// Profile returns the calibration profile in use
func (s *Stage) Profile() calib.Profile {
	return s.prof
}

// MoveTo moves to the target coordinate, applying the clamp policy, and
// blocks for the settling duration before returning the coordinate reached.
func (s *Stage) MoveTo(coord []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := coord
	if s.policy == Strict {
		if err := s.prof.Check(coord); err != nil {
			return nil, err
		}
	}
	clamped, was, err := s.prof.Clamp(coord)
	if err != nil {
		return nil, err
	}
	if was && s.policy == ClampWarn && s.OnClamp != nil {
		s.OnClamp(coord, clamped)
	}
	target = clamped

	cmds, err := s.prof.ToCommand(target)
	if err != nil {
		return nil, err
	}
	if err := s.act.Write(cmds); err != nil {
		return nil, &CommandError{Coord: target, Err: err}
	}
	s.last = target
	time.Sleep(s.prof.Settle)
	return s.readback()
}

// CurrentPosition reports the physical coordinate from actuator readback
func (s *Stage) CurrentPosition() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readback()
}

func (s *Stage) readback() ([]float64, error) {
	cmds, err := s.act.Read()
	if err != nil {
		return nil, &CommandError{Coord: s.last, Err: err}
	}
	return s.prof.ToPhysical(cmds)
}

// GoToOrigin moves to the low end of travel on every axis
func (s *Stage) GoToOrigin() error {
	_, err := s.MoveTo(s.prof.Origin())
	return err
}

// Close releases the actuator
func (s *Stage) Close() error {
	return s.act.Close()
}
