package planner

import (
	"fmt"
	"math"
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// Config holds the physical and economic constants the solver plans against.
// All energy values are kWh, all power values are kW, all prices are
// euros per kWh.
type Config struct {
	// TotalCapacityKWH is the combined usable capacity of all batteries.
	TotalCapacityKWH float64

	// ChargeRateKW and DischargeRateKW are the combined maximum rates across
	// all batteries.
	ChargeRateKW    float64
	DischargeRateKW float64

	// HomeDailyEnergyKWH is the estimated energy the home consumes per day.
	HomeDailyEnergyKWH float64

	// CycleCostPerKWH is the round-trip wear/efficiency cost charged against
	// every charge->discharge pair when evaluating profitability.
	CycleCostPerKWH float64

	// MinProfitPerKWH is the minimum net value per kWh for running the home
	// from the battery outside explicit sessions.
	MinProfitPerKWH float64

	// SolarActiveThresholdKW marks a slot as having meaningful solar
	// production regardless of price.
	SolarActiveThresholdKW float64

	// SlotDuration is the resolution of the planning horizon.
	SlotDuration time.Duration

	// SmoothingWindow is the moving-average window (in slots) applied to
	// prices before extremum detection. It is forced odd.
	SmoothingWindow int
}

// Validate rejects configurations the solver cannot plan with. A zero
// battery capacity is a configuration error, not a per-cycle condition.
func (c Config) Validate() error {
	if c.TotalCapacityKWH <= 0 {
		return fmt.Errorf("total battery capacity must be positive, got %f", c.TotalCapacityKWH)
	}
	if c.ChargeRateKW <= 0 {
		return fmt.Errorf("charge rate must be positive, got %f", c.ChargeRateKW)
	}
	if c.DischargeRateKW <= 0 {
		return fmt.Errorf("discharge rate must be positive, got %f", c.DischargeRateKW)
	}
	if c.SlotDuration <= 0 {
		return fmt.Errorf("slot duration must be positive, got %s", c.SlotDuration)
	}
	if c.HomeDailyEnergyKWH < 0 {
		return fmt.Errorf("home daily energy cannot be negative, got %f", c.HomeDailyEnergyKWH)
	}
	return nil
}

// slotHours is the fraction of an hour one slot covers.
func (c Config) slotHours() float64 {
	return c.SlotDuration.Hours()
}

// slotsPerHour returns how many slots make up one hour, at least 1.
func (c Config) slotsPerHour() int {
	n := int(math.Round(1 / c.SlotDuration.Hours()))
	if n < 1 {
		n = 1
	}
	return n
}

// maxSessionHours is the capacity-derived cap on session duration: the time
// it takes to fully charge or fully drain the battery at the mode's rate.
func (c Config) maxSessionHours(mode types.Mode) int {
	rate := c.ChargeRateKW
	if mode == types.ModeDischarging {
		rate = c.DischargeRateKW
	}
	return int(math.Ceil(c.TotalCapacityKWH / rate))
}

// homeHourlyKWH is the average energy the home consumes in one hour.
func (c Config) homeHourlyKWH() float64 {
	return c.HomeDailyEnergyKWH / 24
}

// maxZeroNetHomeHours is how long a full battery can carry the home with no
// other source, used to decide whether two charging sessions are close
// enough that only the cheaper one is needed.
func (c Config) maxZeroNetHomeHours() int {
	hourly := c.homeHourlyKWH()
	if hourly <= 0 {
		return 0
	}
	return int(c.TotalCapacityKWH / hourly)
}
