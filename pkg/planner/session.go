package planner

import (
	"math"
	"sort"
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// Session is a group of horizon slots sharing one mode, the unit of
// capacity and profitability reasoning. It references slots by arena index;
// removing a slot from the session also clears the slot's mode.
type Session struct {
	mode    types.Mode
	horizon *Horizon
	cfg     Config

	// indices into the horizon arena, kept sorted ascending
	slots []int

	// maxChargeKWH caps how much energy this session should put into the
	// battery. Zero means the full capacity.
	maxChargeKWH float64
}

func newSession(h *Horizon, cfg Config, mode types.Mode) *Session {
	return &Session{
		mode:    mode,
		horizon: h,
		cfg:     cfg,
	}
}

// Mode returns the session's mode, always Charging or Discharging.
func (s *Session) Mode() types.Mode {
	return s.mode
}

// Len returns the number of slots in the session.
func (s *Session) Len() int {
	return len(s.slots)
}

// Slots returns the slot indices in ascending time order.
func (s *Session) Slots() []int {
	return s.slots
}

// Contains reports whether the session holds the given slot index.
func (s *Session) Contains(idx int) bool {
	for _, i := range s.slots {
		if i == idx {
			return true
		}
	}
	return false
}

// AddSlot claims the slot for this session and stamps the session's mode on
// it.
func (s *Session) AddSlot(idx int) {
	if s.Contains(idx) {
		return
	}
	s.horizon.Slots[idx].SetMode(s.mode)
	s.slots = append(s.slots, idx)
	sort.Ints(s.slots)
}

// RemoveSlot releases the slot: its mode is cleared back to Unknown and it
// no longer counts toward the session.
func (s *Session) RemoveSlot(idx int) {
	for i, cur := range s.slots {
		if cur == idx {
			s.horizon.Slots[idx].SetMode(types.ModeUnknown)
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			return
		}
	}
}

// removeAll releases every slot, leaving the session empty so the collection
// deletes it on the next pass.
func (s *Session) removeAll() {
	for _, idx := range s.slots {
		s.horizon.Slots[idx].SetMode(types.ModeUnknown)
	}
	s.slots = nil
}

// FirstTime returns the time of the earliest slot.
func (s *Session) FirstTime() time.Time {
	if len(s.slots) == 0 {
		return time.Time{}
	}
	return s.horizon.Slots[s.slots[0]].Time
}

// LastTime returns the time of the latest slot.
func (s *Session) LastTime() time.Time {
	if len(s.slots) == 0 {
		return time.Time{}
	}
	return s.horizon.Slots[s.slots[len(s.slots)-1]].Time
}

// AveragePrice returns the mean market price over the session's slots. An
// empty session averages to 0 rather than NaN.
func (s *Session) AveragePrice() float64 {
	if len(s.slots) == 0 {
		return 0
	}
	sum := 0.0
	for _, idx := range s.slots {
		sum += s.horizon.Slots[idx].Price
	}
	return sum / float64(len(s.slots))
}

// MaxChargeKWH returns the session's charge target cap, defaulting to the
// configured total capacity.
func (s *Session) MaxChargeKWH() float64 {
	if s.maxChargeKWH > 0 {
		return s.maxChargeKWH
	}
	return s.cfg.TotalCapacityKWH
}

// setMaxCharge caps the session's charge target and records the ceiling on
// each slot so the projector honors it.
func (s *Session) setMaxCharge(kwh float64) {
	s.maxChargeKWH = kwh
	for _, idx := range s.slots {
		s.horizon.Slots[idx].ChargeNeeded = kwh
	}
}

// MaxDurationHours returns how many hours this session can usefully run.
// When the horizon has a slot immediately preceding the session, the
// duration is derived from the projected charge at that point: a battery
// that is already half full needs half the time. Without prior history it
// falls back to the capacity-derived maximum.
func (s *Session) MaxDurationHours() int {
	if len(s.slots) == 0 {
		return 0
	}
	prev := s.slots[0] - 1
	if prev < 0 {
		return s.cfg.maxSessionHours(s.mode)
	}

	prevCharge := s.horizon.Slots[prev].ChargeLeft
	var hours float64
	switch s.mode {
	case types.ModeCharging:
		headroom := s.MaxChargeKWH() - prevCharge
		if headroom <= 0 {
			return 0
		}
		hours = headroom / s.cfg.ChargeRateKW
	case types.ModeDischarging:
		if prevCharge <= 0 {
			return 0
		}
		hours = prevCharge / s.cfg.DischargeRateKW
	}
	return int(math.Ceil(hours))
}

// ShrinkTo keeps at most maxSlots of the session's most favorable slots:
// the cheapest for charging, the most expensive for discharging. It reports
// whether any slot was removed.
func (s *Session) ShrinkTo(maxSlots int) bool {
	if maxSlots < 0 {
		maxSlots = 0
	}
	if len(s.slots) <= maxSlots {
		return false
	}

	ranked := make([]int, len(s.slots))
	copy(ranked, s.slots)
	sort.SliceStable(ranked, func(a, b int) bool {
		pa := s.horizon.Slots[ranked[a]].Price
		pb := s.horizon.Slots[ranked[b]].Price
		if s.mode == types.ModeCharging {
			return pa < pb
		}
		return pa > pb
	})

	for _, idx := range ranked[maxSlots:] {
		s.RemoveSlot(idx)
	}
	return true
}

// maxSlots converts an hour budget into a slot budget for this horizon.
func (s *Session) maxSlots(hours int) int {
	return hours * s.cfg.slotsPerHour()
}
