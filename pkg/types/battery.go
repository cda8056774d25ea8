package types

import "time"

// SystemState represents the coarse state reported by a battery.
type SystemState int

const (
	SystemStateUnknown     SystemState = 0
	SystemStateStandby     SystemState = 1
	SystemStateCharging    SystemState = 2
	SystemStateDischarging SystemState = 3
	SystemStateFull        SystemState = 4
	SystemStateEmpty       SystemState = 5
	SystemStateError       SystemState = 6
)

// String returns a human-readable name for the state.
func (s SystemState) String() string {
	switch s {
	case SystemStateStandby:
		return "standby"
	case SystemStateCharging:
		return "charging"
	case SystemStateDischarging:
		return "discharging"
	case SystemStateFull:
		return "full"
	case SystemStateEmpty:
		return "empty"
	case SystemStateError:
		return "error"
	default:
		return "unknown"
	}
}

// PowerStatus is a live reading from a battery.
type PowerStatus struct {
	Timestamp time.Time `json:"timestamp"`
	// StateOfCharge is a fraction between 0 and 1.
	StateOfCharge float64 `json:"stateOfCharge"`
	// PowerW is the current setpoint-side power: positive when discharging,
	// negative when charging.
	PowerW float64     `json:"powerW"`
	State  SystemState `json:"state"`
}

// BatterySpec describes the fixed characteristics of one battery.
type BatterySpec struct {
	CapacityKWH        float64 `json:"capacityKWH" yaml:"capacityKWH"`
	MaxChargeRateKW    float64 `json:"maxChargeRateKW" yaml:"maxChargeRateKW"`
	MaxDischargeRateKW float64 `json:"maxDischargeRateKW" yaml:"maxDischargeRateKW"`
}
