package service

import (
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// assumedTemperatureC is used for recorded consumption until an outdoor
// temperature source is wired in.
// TODO: sample outdoor temperature from the P1 dongle's paired sensors
const assumedTemperatureC = 15

// tracker integrates power samples over time into hourly home consumption
// and realized solar production. Home load is reconstructed from the power
// balance: whatever the grid imports plus whatever solar and the battery
// supply is what the home consumed.
type tracker struct {
	lastSample time.Time
	hourStart  time.Time
	homeKWH    float64
	solarKWH   float64
}

// Sample records a power reading and returns the finished hour's stats when
// the sample crosses an hour boundary, nil otherwise. meterW is positive for
// grid import, batteryW is positive when discharging, solarKW is production.
func (t *tracker) Sample(now time.Time, meterW, solarKW, batteryW float64) *types.ConsumptionStats {
	hour := now.Truncate(time.Hour)
	if t.lastSample.IsZero() {
		t.lastSample = now
		t.hourStart = hour
		return nil
	}

	elapsed := now.Sub(t.lastSample)
	if elapsed <= 0 || elapsed > 5*time.Minute {
		// a gap this long means samples stopped, don't smear it over the hour
		t.lastSample = now
		t.hourStart = hour
		t.homeKWH = 0
		t.solarKWH = 0
		return nil
	}

	hours := elapsed.Hours()
	loadKW := (meterW + batteryW) / 1000
	if solarKW > 0 {
		loadKW += solarKW
		t.solarKWH += solarKW * hours
	}
	if loadKW > 0 {
		t.homeKWH += loadKW * hours
	}
	t.lastSample = now

	if hour.Equal(t.hourStart) {
		return nil
	}
	stats := &types.ConsumptionStats{
		TSHourStart:  t.hourStart,
		HomeKWH:      t.homeKWH,
		TemperatureC: assumedTemperatureC,
	}
	t.hourStart = hour
	t.homeKWH = 0
	return stats
}

// TakeSolarKWH returns the solar energy accumulated since the last take.
func (t *tracker) TakeSolarKWH() float64 {
	kwh := t.solarKWH
	t.solarKWH = 0
	return kwh
}
