package battery

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// Mock is an in-memory battery that simulates state of charge based on the
// last setpoint it was given and the wall-clock time elapsed since.
type Mock struct {
	mu       sync.Mutex
	spec     types.BatterySpec
	soc      float64
	powerW   float64
	lastTick time.Time

	// now can be overridden in tests
	now func() time.Time
}

// NewMock returns a Mock starting at half charge.
func NewMock(spec types.BatterySpec) *Mock {
	return &Mock{
		spec: spec,
		soc:  0.5,
		now:  time.Now,
	}
}

// advance applies the current setpoint to the state of charge for the time
// elapsed since the last advance. Must be called with m.mu held.
func (m *Mock) advance() {
	now := m.now()
	if m.lastTick.IsZero() {
		m.lastTick = now
		return
	}
	hours := now.Sub(m.lastTick).Hours()
	m.lastTick = now
	if hours <= 0 || m.spec.CapacityKWH <= 0 {
		return
	}

	// negative power charges
	deltaKWH := -m.powerW / 1000 * hours
	m.soc += deltaKWH / m.spec.CapacityKWH
	if m.soc >= 1 {
		m.soc = 1
		m.powerW = math.Max(m.powerW, 0)
	}
	if m.soc <= 0 {
		m.soc = 0
		m.powerW = math.Min(m.powerW, 0)
	}
}

// Spec returns the battery's capacity and rate characteristics.
func (m *Mock) Spec() types.BatterySpec {
	return m.spec
}

// GetPowerStatus returns the simulated state.
func (m *Mock) GetPowerStatus(ctx context.Context) (types.PowerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	state := types.SystemStateStandby
	switch {
	case m.soc >= 1:
		state = types.SystemStateFull
	case m.soc <= 0:
		state = types.SystemStateEmpty
	case m.powerW < 0:
		state = types.SystemStateCharging
	case m.powerW > 0:
		state = types.SystemStateDischarging
	}

	return types.PowerStatus{
		Timestamp:     m.now(),
		StateOfCharge: m.soc,
		PowerW:        m.powerW,
		State:         state,
	}, nil
}

// SetPowerSetpoint stores the setpoint, clamped to the battery's limits.
func (m *Mock) SetPowerSetpoint(ctx context.Context, watts float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()

	maxCharge := m.spec.MaxChargeRateKW * 1000
	maxDischarge := m.spec.MaxDischargeRateKW * 1000
	m.powerW = math.Max(-maxCharge, math.Min(maxDischarge, watts))
	if m.soc >= 1 {
		m.powerW = math.Max(m.powerW, 0)
	}
	if m.soc <= 0 {
		m.powerW = math.Min(m.powerW, 0)
	}
	return nil
}

// SetStateOfCharge overrides the simulated state of charge. Intended for
// tests.
func (m *Mock) SetStateOfCharge(soc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = m.now()
	m.soc = math.Max(0, math.Min(1, soc))
}
