package battery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/types"
)

// Fleet aggregates multiple batteries behind the System interface. Power
// setpoints are split across the members proportionally to how much energy
// each one can still absorb or supply, so they reach full or empty together.
type Fleet struct {
	systems []System
}

// NewFleet returns a Fleet over the given batteries.
func NewFleet(systems []System) *Fleet {
	return &Fleet{systems: systems}
}

// Systems returns the individual batteries in the fleet.
func (f *Fleet) Systems() []System {
	return f.systems
}

// Spec returns the combined capacity and rates of the fleet.
func (f *Fleet) Spec() types.BatterySpec {
	var spec types.BatterySpec
	for _, s := range f.systems {
		ss := s.Spec()
		spec.CapacityKWH += ss.CapacityKWH
		spec.MaxChargeRateKW += ss.MaxChargeRateKW
		spec.MaxDischargeRateKW += ss.MaxDischargeRateKW
	}
	return spec
}

// GetPowerStatus returns a combined reading for the fleet: capacity-weighted
// state of charge, summed power, and a state that is Full or Empty only when
// every member is.
func (f *Fleet) GetPowerStatus(ctx context.Context) (types.PowerStatus, error) {
	statuses, err := f.statuses(ctx)
	if err != nil {
		return types.PowerStatus{}, err
	}

	var totalCapacity, storedKWH, powerW float64
	allFull := true
	allEmpty := true
	state := types.SystemStateStandby
	for i, st := range statuses {
		capacity := f.systems[i].Spec().CapacityKWH
		totalCapacity += capacity
		storedKWH += st.StateOfCharge * capacity
		powerW += st.PowerW
		if st.State != types.SystemStateFull {
			allFull = false
		}
		if st.State != types.SystemStateEmpty {
			allEmpty = false
		}
		switch st.State {
		case types.SystemStateError:
			state = types.SystemStateError
		case types.SystemStateCharging:
			if state != types.SystemStateError {
				state = types.SystemStateCharging
			}
		case types.SystemStateDischarging:
			if state != types.SystemStateError {
				state = types.SystemStateDischarging
			}
		}
	}
	if allFull {
		state = types.SystemStateFull
	} else if allEmpty {
		state = types.SystemStateEmpty
	}

	ps := types.PowerStatus{
		Timestamp: time.Now(),
		PowerW:    powerW,
		State:     state,
	}
	if totalCapacity > 0 {
		ps.StateOfCharge = storedKWH / totalCapacity
	}
	return ps, nil
}

// SetPowerSetpoint splits watts across the fleet and sends each member its
// share. Negative charges, positive discharges.
func (f *Fleet) SetPowerSetpoint(ctx context.Context, watts float64) error {
	statuses, err := f.statuses(ctx)
	if err != nil {
		return err
	}

	specs := make([]types.BatterySpec, len(f.systems))
	for i, s := range f.systems {
		specs[i] = s.Spec()
	}
	shares := splitSetpoint(watts, statuses, specs)

	for i, s := range f.systems {
		if err := s.SetPowerSetpoint(ctx, shares[i]); err != nil {
			return fmt.Errorf("failed to set setpoint on battery %d: %w", i, err)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "split fleet setpoint",
		slog.Float64("watts", watts),
		slog.Int("batteries", len(f.systems)),
	)
	return nil
}

// splitSetpoint divides a fleet setpoint over the members. Each battery's
// share is proportional to the energy it can still absorb (charging) or
// supply (discharging), clamped to its rated power. Power a clamped battery
// cannot take is redistributed over the members that still have headroom.
func splitSetpoint(watts float64, statuses []types.PowerStatus, specs []types.BatterySpec) []float64 {
	shares := make([]float64, len(statuses))
	if watts == 0 || len(statuses) == 0 {
		return shares
	}

	charging := watts < 0
	weights := make([]float64, len(statuses))
	var totalWeight float64
	for i, st := range statuses {
		if charging {
			weights[i] = (1 - st.StateOfCharge) * specs[i].CapacityKWH
		} else {
			weights[i] = st.StateOfCharge * specs[i].CapacityKWH
		}
		if weights[i] < 0 {
			weights[i] = 0
		}
		totalWeight += weights[i]
	}
	if totalWeight == 0 {
		// nothing can absorb or supply anything
		return shares
	}

	remaining := watts
	// Two passes: assign proportional shares, clamping at rated power, then
	// spread whatever the clamped batteries couldn't take over the rest.
	for pass := 0; pass < 2 && math.Abs(remaining) > 1e-9; pass++ {
		var passWeight float64
		for i := range statuses {
			if !clamped(shares[i], specs[i], charging) {
				passWeight += weights[i]
			}
		}
		if passWeight == 0 {
			break
		}
		toAssign := remaining
		for i := range statuses {
			if clamped(shares[i], specs[i], charging) {
				continue
			}
			share := toAssign * weights[i] / passWeight
			limit := specs[i].MaxDischargeRateKW * 1000
			if charging {
				limit = specs[i].MaxChargeRateKW * 1000
			}
			next := shares[i] + share
			if math.Abs(next) > limit {
				if charging {
					next = -limit
				} else {
					next = limit
				}
			}
			remaining -= next - shares[i]
			shares[i] = next
		}
	}
	return shares
}

func clamped(share float64, spec types.BatterySpec, charging bool) bool {
	limit := spec.MaxDischargeRateKW * 1000
	if charging {
		limit = spec.MaxChargeRateKW * 1000
	}
	return math.Abs(share) >= limit-1e-9
}

func (f *Fleet) statuses(ctx context.Context) ([]types.PowerStatus, error) {
	statuses := make([]types.PowerStatus, len(f.systems))
	for i, s := range f.systems {
		st, err := s.GetPowerStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get status of battery %d: %w", i, err)
		}
		statuses[i] = st
	}
	return statuses, nil
}
