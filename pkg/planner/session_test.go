package planner

import (
	"testing"
	"time"

	"github.com/battwise/battwise/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TotalCapacityKWH:       10,
		ChargeRateKW:           2.5,
		DischargeRateKW:        2.5,
		HomeDailyEnergyKWH:     12,
		CycleCostPerKWH:        0.05,
		MinProfitPerKWH:        0.02,
		SolarActiveThresholdKW: 0.1,
		SlotDuration:           time.Hour,
		SmoothingWindow:        1,
	}
}

func hourlyHorizon(start time.Time, prices []float64) *Horizon {
	h := &Horizon{SlotDuration: time.Hour}
	for i, p := range prices {
		h.Slots = append(h.Slots, &Slot{
			Time:          start.Add(time.Duration(i) * time.Hour),
			Price:         p,
			SmoothedPrice: p,
		})
	}
	return h
}

func TestSessionAddRemoveSlot(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	h := hourlyHorizon(start, []float64{0.10, 0.05, 0.08})
	s := newSession(h, testConfig(), types.ModeCharging)

	s.AddSlot(1)
	assert.Equal(t, types.ModeCharging, h.Slots[1].Mode())
	assert.Equal(t, 1, s.Len())

	s.AddSlot(0)
	assert.Equal(t, []int{0, 1}, s.Slots(), "slots should stay sorted by time")
	assert.Equal(t, start, s.FirstTime())
	assert.Equal(t, start.Add(time.Hour), s.LastTime())

	s.RemoveSlot(1)
	assert.Equal(t, types.ModeUnknown, h.Slots[1].Mode(), "removal must clear the slot's mode")
	assert.Equal(t, 1, s.Len())
}

func TestSessionAveragePrice(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	h := hourlyHorizon(start, []float64{0.10, 0.06, 0.08})
	s := newSession(h, testConfig(), types.ModeCharging)

	assert.Zero(t, s.AveragePrice(), "empty session must average to 0, not NaN")

	s.AddSlot(0)
	s.AddSlot(1)
	assert.InDelta(t, 0.08, s.AveragePrice(), 1e-9)
}

func TestSessionShrinkTo(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	t.Run("charging keeps cheapest", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{3, 7, 1})
		s := newSession(h, testConfig(), types.ModeCharging)
		for i := range h.Slots {
			s.AddSlot(i)
		}

		require.True(t, s.ShrinkTo(2))
		assert.Equal(t, []int{0, 2}, s.Slots(), "should keep the two cheapest slots")
		assert.Equal(t, types.ModeUnknown, h.Slots[1].Mode())
	})

	t.Run("discharging keeps priciest", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{3, 7, 1})
		s := newSession(h, testConfig(), types.ModeDischarging)
		for i := range h.Slots {
			s.AddSlot(i)
		}

		require.True(t, s.ShrinkTo(1))
		assert.Equal(t, []int{1}, s.Slots(), "should keep the most expensive slot")
	})

	t.Run("no removal when already small enough", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{3, 7, 1})
		s := newSession(h, testConfig(), types.ModeCharging)
		s.AddSlot(0)
		assert.False(t, s.ShrinkTo(2))
	})
}

func TestSessionMaxDurationHours(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()

	t.Run("no prior history uses capacity cap", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{1, 2, 3, 4})
		s := newSession(h, cfg, types.ModeCharging)
		s.AddSlot(0)
		// 10 kWh / 2.5 kW = 4 hours
		assert.Equal(t, 4, s.MaxDurationHours())
	})

	t.Run("half full battery needs half the time", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{1, 2, 3, 4})
		h.Slots[0].ChargeLeft = 5
		s := newSession(h, cfg, types.ModeCharging)
		s.AddSlot(1)
		// (10-5) / 2.5 = 2 hours
		assert.Equal(t, 2, s.MaxDurationHours())
	})

	t.Run("full battery needs no charging", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{1, 2, 3, 4})
		h.Slots[0].ChargeLeft = 10
		s := newSession(h, cfg, types.ModeCharging)
		s.AddSlot(1)
		assert.Equal(t, 0, s.MaxDurationHours())
	})

	t.Run("discharging limited by stored energy", func(t *testing.T) {
		h := hourlyHorizon(start, []float64{1, 2, 3, 4})
		h.Slots[0].ChargeLeft = 2.5
		s := newSession(h, cfg, types.ModeDischarging)
		s.AddSlot(1)
		assert.Equal(t, 1, s.MaxDurationHours())
	})
}
