package planner

import (
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// Slot is one fixed-duration time unit of the planning horizon. Slots live
// in the Horizon's arena; sessions reference them by index and never own
// them. All mode changes go through SetMode so a slot can never be both
// charging and discharging.
type Slot struct {
	Time time.Time

	// Price is the market price for the slot in euros per kWh.
	Price float64
	// SmoothedPrice is a centered moving average of Price, used for stable
	// extremum detection.
	SmoothedPrice float64

	// SolarKWH is the expected generation during the slot.
	SolarKWH float64

	// ChargeLeft is the projected state of charge (kWh) at the end of the
	// slot under the current plan. ChargeLeftPct is the same as a
	// percentage of total capacity.
	ChargeLeft    float64
	ChargeLeftPct float64

	// ChargeNeeded caps how full this slot's session should charge the
	// battery (kWh). Zero means no cap beyond total capacity. It is set
	// when a cheaper charging opportunity follows later in the horizon.
	ChargeNeeded float64

	// Buying and Selling are the monetary flows for the slot under the
	// final plan. Profit is Selling - Buying.
	Buying  float64
	Selling float64

	mode types.Mode
}

// Mode returns the slot's current mode.
func (s *Slot) Mode() types.Mode {
	return s.mode
}

// SetMode assigns the slot's mode. Using a single enum-backed setter keeps
// the charging/discharging exclusivity invariant structural: assigning one
// replaces the other.
func (s *Slot) SetMode(m types.Mode) {
	s.mode = m
}

// Profit returns the net monetary result of the slot.
func (s *Slot) Profit() float64 {
	return s.Selling - s.Buying
}

// Horizon is the full ordered slot list currently under consideration,
// typically 48 hours ahead. It owns the slot arena.
type Horizon struct {
	Slots        []*Slot
	SlotDuration time.Duration
}

// BuildHorizon creates a fresh horizon from ordered prices. When the slot
// duration is finer than the price periods the prices are linearly
// interpolated, so a 48-hour hourly series becomes a 15-minute horizon
// without stair-stepping the extremum scan.
func BuildHorizon(prices []types.Price, slotDuration time.Duration) *Horizon {
	h := &Horizon{SlotDuration: slotDuration}
	if len(prices) == 0 {
		return h
	}

	for i, p := range prices {
		period := p.TSEnd.Sub(p.TSStart)
		if period <= 0 {
			period = time.Hour
		}
		steps := int(period / slotDuration)
		if steps < 1 {
			steps = 1
		}

		// interpolate toward the next price; the last period holds flat
		next := p.EurosPerKWH
		if i+1 < len(prices) {
			next = prices[i+1].EurosPerKWH
		}

		for step := 0; step < steps; step++ {
			frac := float64(step) / float64(steps)
			h.Slots = append(h.Slots, &Slot{
				Time:  p.TSStart.Add(time.Duration(step) * slotDuration),
				Price: p.EurosPerKWH + (next-p.EurosPerKWH)*frac,
			})
		}
	}
	return h
}

// SmoothPrices fills SmoothedPrice with a centered moving average. The
// window is forced odd; at the edges it shrinks symmetrically so the
// average never reaches outside the horizon.
func (h *Horizon) SmoothPrices(window int) {
	if window < 1 {
		window = 1
	}
	if window%2 == 0 {
		window++
	}
	half := window / 2

	for i, s := range h.Slots {
		reach := half
		if i < reach {
			reach = i
		}
		if rest := len(h.Slots) - 1 - i; rest < reach {
			reach = rest
		}

		sum := 0.0
		count := 0
		for j := i - reach; j <= i+reach; j++ {
			sum += h.Slots[j].Price
			count++
		}
		if count == 0 {
			s.SmoothedPrice = s.Price
			continue
		}
		s.SmoothedPrice = sum / float64(count)
	}
}

// ResetModes clears every slot back to Unknown so the horizon can be
// solved again from scratch.
func (h *Horizon) ResetModes() {
	for _, s := range h.Slots {
		s.SetMode(types.ModeUnknown)
		s.ChargeNeeded = 0
	}
}

// IndexAt returns the index of the slot covering t, or -1 when t falls
// outside the horizon.
func (h *Horizon) IndexAt(t time.Time) int {
	for i, s := range h.Slots {
		if !t.Before(s.Time) && t.Before(s.Time.Add(h.SlotDuration)) {
			return i
		}
	}
	return -1
}

// Start returns the time of the first slot.
func (h *Horizon) Start() time.Time {
	if len(h.Slots) == 0 {
		return time.Time{}
	}
	return h.Slots[0].Time
}

// End returns the end time of the last slot.
func (h *Horizon) End() time.Time {
	if len(h.Slots) == 0 {
		return time.Time{}
	}
	return h.Slots[len(h.Slots)-1].Time.Add(h.SlotDuration)
}
