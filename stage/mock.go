package stage

import (
	"errors"
	"sync"
)

// MockActuator is an in-memory Actuator for tests and dry runs.  Writes
// land instantly; Read returns the last written command values.
type MockActuator struct {
	sync.Mutex

	// Fail, when non-nil, is returned by every Write, simulating a
	// rejected or failed motion command
	Fail error

	// FailAfter, when positive, arms Fail after that many successful
	// writes
	FailAfter int

	pos    []float64
	writes int
	closed bool
}

// NewMockActuator returns a mock at the given initial command position
func NewMockActuator(initial []float64) *MockActuator {
	pos := make([]float64, len(initial))
	copy(pos, initial)
	return &MockActuator{pos: pos}
}

// Writes returns the number of successful Write calls
func (m *MockActuator) Writes() int {
	m.Lock()
	defer m.Unlock()
	return m.writes
}

// Write stores the commanded values
func (m *MockActuator) Write(cmds []float64) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return errors.New("actuator is closed")
	}
	if m.Fail != nil && (m.FailAfter == 0 || m.writes >= m.FailAfter) {
		return m.Fail
	}
	m.pos = make([]float64, len(cmds))
	copy(m.pos, cmds)
	m.writes++
	return nil
}

// Read returns the last written command values
func (m *MockActuator) Read() ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, errors.New("actuator is closed")
	}
	out := make([]float64, len(m.pos))
	copy(out, m.pos)
	return out, nil
}

// Close marks the actuator unusable
func (m *MockActuator) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
