package inverter

import (
	"context"
	"sync"
)

// Mock is an in-memory Inverter for tests and dry runs.
type Mock struct {
	mu sync.Mutex
	kw float64
}

// NewMock returns a Mock reporting the given AC power.
func NewMock(kw float64) *Mock {
	return &Mock{kw: kw}
}

// SetACPower updates the power the mock reports.
func (m *Mock) SetACPower(kw float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kw = kw
}

// GetACPower returns the configured power.
func (m *Mock) GetACPower(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kw, nil
}
