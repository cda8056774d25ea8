package meter

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Meter for tests and dry runs.
type Mock struct {
	mu     sync.Mutex
	powerW float64
	err    error
}

// NewMock returns a Mock reporting the given power.
func NewMock(powerW float64) *Mock {
	return &Mock{powerW: powerW}
}

// SetPower updates the power the mock reports.
func (m *Mock) SetPower(powerW float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerW = powerW
}

// SetError makes subsequent readings fail with err.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetReading returns the configured reading.
func (m *Mock) GetReading(ctx context.Context) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Reading{}, m.err
	}
	return Reading{
		Timestamp: time.Now(),
		PowerW:    m.powerW,
	}, nil
}
