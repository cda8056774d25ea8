package planner

import (
	"github.com/battwise/battwise/pkg/types"
)

// Project forward-simulates the battery state of charge slot by slot under
// the current mode assignment, starting from the slot at nowIdx with
// startChargeKWH already in the battery. It writes ChargeLeft and
// ChargeLeftPct into every slot and has no other side effects: re-running
// it on unchanged slots yields identical values.
//
// Historical slots (before nowIdx) are not projected and get ChargeLeft 0.
func Project(h *Horizon, nowIdx int, startChargeKWH float64, cfg Config) {
	if nowIdx < 0 {
		nowIdx = 0
	}

	hours := cfg.slotHours()
	charge := startChargeKWH

	for i, slot := range h.Slots {
		if i < nowIdx {
			slot.ChargeLeft = 0
			slot.ChargeLeftPct = 0
			continue
		}

		// a slot can carry a ceiling below total capacity when a cheaper
		// charging opportunity follows later
		cap := cfg.TotalCapacityKWH
		if slot.ChargeNeeded > 0 && slot.ChargeNeeded < cap {
			cap = slot.ChargeNeeded
		}

		switch slot.Mode() {
		case types.ModeCharging:
			charge += cfg.ChargeRateKW * hours
			if charge > cap {
				charge = cap
			}
			charge += slot.SolarKWH
		case types.ModeDischarging:
			charge -= cfg.DischargeRateKW * hours
			if charge < 0 {
				charge = 0
			}
		case types.ModeZeroNetHome:
			charge -= cfg.homeHourlyKWH() * hours
			if charge < 0 {
				charge = 0
			}
			charge += slot.SolarKWH
		default:
			// disabled or unknown: the battery idles
		}

		if charge > cfg.TotalCapacityKWH {
			charge = cfg.TotalCapacityKWH
		}
		slot.ChargeLeft = charge
		slot.ChargeLeftPct = charge / (cfg.TotalCapacityKWH / 100)
	}
}
