package battery

import (
	"context"

	"github.com/battwise/battwise/pkg/types"
)

// System defines the interface for one battery.
type System interface {
	// Spec returns the battery's fixed capacity and rate characteristics.
	Spec() types.BatterySpec

	// GetPowerStatus returns a live reading: state of charge, current power
	// and coarse system state.
	GetPowerStatus(ctx context.Context) (types.PowerStatus, error)

	// SetPowerSetpoint sets the battery's power in watts. Negative values
	// charge, positive values discharge, zero idles.
	SetPowerSetpoint(ctx context.Context, watts float64) error
}
