package battery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/battwise/battwise/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Config holds the settings for the fleet of batteries.
type Config struct {
	// Addresses is a comma-separated list of sessy dongle addresses, e.g.
	// "192.168.1.10,192.168.1.11".
	Addresses string

	// Username is the local API username printed on the dongle.
	Username string

	// Password is the local API password printed on the dongle.
	Password string

	// Spec describes a single battery. All batteries in the fleet are
	// assumed identical.
	Spec types.BatterySpec

	// Timeout is the per-request timeout for the local API.
	Timeout time.Duration

	// Mock replaces the sessy clients with in-memory batteries.
	Mock bool
}

// Configured sets up flags for the battery fleet and returns the instance.
// It uses lflag to register command-line flags for configuration.
func Configured() *Config {
	c := new(Config)
	addresses := lflag.String("battery-addresses", "", "comma-delimited list of sessy dongle addresses")
	username := lflag.String("battery-username", "", "local API username for the sessy dongles")
	password := lflag.String("battery-password", "", "local API password for the sessy dongles")
	capacity := 5.2
	lflag.JSON(&capacity, "battery-capacity-kwh", capacity, "usable capacity of a single battery in kWh")
	chargeRate := 2.2
	lflag.JSON(&chargeRate, "battery-max-charge-kw", chargeRate, "maximum charge rate of a single battery in kW")
	dischargeRate := 1.8
	lflag.JSON(&dischargeRate, "battery-max-discharge-kw", dischargeRate, "maximum discharge rate of a single battery in kW")
	timeout := lflag.Duration("battery-timeout", 10*time.Second, "timeout for requests to the sessy dongles")
	mock := lflag.Bool("battery-mock", false, "use in-memory mock batteries instead of real ones")

	lflag.Do(func() {
		c.Addresses = *addresses
		c.Username = *username
		c.Password = *password
		c.Spec.CapacityKWH = capacity
		c.Spec.MaxChargeRateKW = chargeRate
		c.Spec.MaxDischargeRateKW = dischargeRate
		c.Timeout = *timeout
		c.Mock = *mock
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Config) Validate() error {
	if c.Mock {
		return nil
	}
	if c.Addresses == "" {
		return fmt.Errorf("battery-addresses is required")
	}
	if c.Spec.CapacityKWH <= 0 {
		return fmt.Errorf("battery-capacity-kwh must be positive")
	}
	if c.Spec.MaxChargeRateKW <= 0 || c.Spec.MaxDischargeRateKW <= 0 {
		return fmt.Errorf("battery charge and discharge rates must be positive")
	}
	return nil
}

// Fleet returns the fleet of batteries described by the config.
func (c *Config) Fleet(ctx context.Context) (*Fleet, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Mock {
		return NewFleet([]System{NewMock(c.Spec)}), nil
	}
	var systems []System
	for _, addr := range strings.Split(c.Addresses, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		s, err := NewSessy(addr, c.Username, c.Password, c.Spec, c.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create sessy client for %s: %w", addr, err)
		}
		systems = append(systems, s)
	}
	if len(systems) == 0 {
		return nil, fmt.Errorf("no battery addresses configured")
	}
	return NewFleet(systems), nil
}
