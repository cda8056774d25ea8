package types

import "time"

const (
	CurrentSlotOutcomeVersion      = 1
	CurrentPriceHistoryVersion     = 1
	CurrentConsumptionStatsVersion = 1
)

// Mode is the resolved operating mode of a planning slot.
type Mode int

const (
	ModeUnknown     Mode = 0
	ModeCharging    Mode = 1
	ModeDischarging Mode = 2
	ModeZeroNetHome Mode = 3
	ModeDisabled    Mode = 4
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeCharging:
		return "charging"
	case ModeDischarging:
		return "discharging"
	case ModeZeroNetHome:
		return "zeroNetHome"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Price represents the day-ahead market price for a single delivery period.
type Price struct {
	Provider string    `json:"provider"`
	TSStart  time.Time `json:"tsStart"`
	TSEnd    time.Time `json:"tsEnd"`

	// EurosPerKWH is the base cost of electricity in the time interval.
	EurosPerKWH float64 `json:"eurosPerKWH"`

	// Filled is true when the price was carried forward from an earlier
	// period because the source had a gap.
	Filled bool `json:"filled,omitempty"`
}

// SlotOutcome is the realized result of one planning slot, persisted for
// historical reporting after the slot has passed.
type SlotOutcome struct {
	Time          time.Time `json:"time"`
	Mode          Mode      `json:"mode"`
	EurosPerKWH   float64   `json:"eurosPerKWH"`
	SolarKWH      float64   `json:"solarKWH"`
	ChargeLeftKWH float64   `json:"chargeLeftKWH"`
	BuyingEuros   float64   `json:"buyingEuros"`
	SellingEuros  float64   `json:"sellingEuros"`
	ProfitEuros   float64   `json:"profitEuros"`
}

// ConsumptionStats represents measured home consumption for an hourly period,
// persisted so future home energy need can be estimated from comparable days.
type ConsumptionStats struct {
	TSHourStart  time.Time `json:"tsHourStart"`
	HomeKWH      float64   `json:"homeKWH"`
	TemperatureC float64   `json:"temperatureC"`
}

// ManualSchedule is the fallback plan used when the price source is
// unavailable: explicit hours of the day for each mode.
type ManualSchedule struct {
	ChargeHours      []int `json:"chargeHours" yaml:"chargeHours"`
	DischargeHours   []int `json:"dischargeHours" yaml:"dischargeHours"`
	ZeroNetHomeHours []int `json:"zeroNetHomeHours" yaml:"zeroNetHomeHours"`
}

// ModeAt returns the scheduled mode for the given time.
func (m ManualSchedule) ModeAt(t time.Time) Mode {
	hour := t.Hour()
	for _, h := range m.ChargeHours {
		if h == hour {
			return ModeCharging
		}
	}
	for _, h := range m.DischargeHours {
		if h == hour {
			return ModeDischarging
		}
	}
	for _, h := range m.ZeroNetHomeHours {
		if h == hour {
			return ModeZeroNetHome
		}
	}
	return ModeDisabled
}
