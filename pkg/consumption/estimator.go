package consumption

import (
	"context"
	"log/slog"
	"time"

	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// temperature bands for grouping history, in degrees C
const (
	bandCold = iota
	bandMild
	bandWarm
)

const (
	coldBelowC = 10.0
	warmAboveC = 20.0
)

// noiseFloorKWH ignores hours where the meter barely registered anything.
const noiseFloorKWH = 0.05

type bucketKey struct {
	weekend bool
	hour    int
	band    int
}

type bucket struct {
	totalKWH float64
	count    int
}

// Model predicts home energy use per hour from metered history. Hours are
// grouped by weekday/weekend, hour of day, and outdoor temperature band so a
// cold winter Saturday is predicted from similar past hours.
type Model struct {
	buckets          map[bucketKey]bucket
	defaultHourlyKWH float64
}

// Estimator builds consumption models.
type Estimator struct {
	defaultDailyKWH float64
}

// Configured sets up flags for the estimator and returns the instance.
func Configured() *Estimator {
	e := new(Estimator)
	defaultDaily := 8.0
	lflag.JSON(&defaultDaily, "home-daily-energy-kwh", defaultDaily, "assumed daily home energy use in kWh when no history is available")

	lflag.Do(func() {
		e.defaultDailyKWH = defaultDaily
	})

	return e
}

// NewEstimator returns an Estimator with the given fallback daily use.
func NewEstimator(defaultDailyKWH float64) *Estimator {
	return &Estimator{defaultDailyKWH: defaultDailyKWH}
}

// DefaultDailyKWH returns the configured fallback daily use.
func (e *Estimator) DefaultDailyKWH() float64 {
	return e.defaultDailyKWH
}

// BuildModel groups the history into buckets and returns a Model. An empty
// history yields a model that always falls back to the configured default.
func (e *Estimator) BuildModel(ctx context.Context, history []types.ConsumptionStats) Model {
	m := Model{
		buckets:          make(map[bucketKey]bucket),
		defaultHourlyKWH: e.defaultDailyKWH / 24,
	}

	var used int
	for _, h := range history {
		if h.TSHourStart.IsZero() || h.HomeKWH <= noiseFloorKWH {
			continue
		}
		key := bucketKey{
			weekend: isWeekend(h.TSHourStart),
			hour:    h.TSHourStart.Hour(),
			band:    temperatureBand(h.TemperatureC),
		}
		b := m.buckets[key]
		b.totalKWH += h.HomeKWH
		b.count++
		m.buckets[key] = b
		used++
	}

	log.Ctx(ctx).DebugContext(ctx, "built consumption model",
		slog.Int("history", len(history)),
		slog.Int("used", used),
		slog.Int("buckets", len(m.buckets)),
	)
	return m
}

// HourlyKWH predicts home energy use for the hour starting at t given the
// expected outdoor temperature. When no history matches the exact bucket it
// widens to any temperature band for that hour, then to the configured
// default.
func (m Model) HourlyKWH(t time.Time, temperatureC float64) float64 {
	key := bucketKey{
		weekend: isWeekend(t),
		hour:    t.Hour(),
		band:    temperatureBand(temperatureC),
	}
	if b, ok := m.buckets[key]; ok && b.count > 0 {
		return b.totalKWH / float64(b.count)
	}

	// widen to any band for the same day class and hour
	var total float64
	var count int
	for band := bandCold; band <= bandWarm; band++ {
		key.band = band
		if b, ok := m.buckets[key]; ok {
			total += b.totalKWH
			count += b.count
		}
	}
	if count > 0 {
		return total / float64(count)
	}
	return m.defaultHourlyKWH
}

// DailyKWH predicts home energy use for the 24 hours starting at t.
func (m Model) DailyKWH(t time.Time, temperatureC float64) float64 {
	var total float64
	for i := 0; i < 24; i++ {
		total += m.HourlyKWH(t.Add(time.Duration(i)*time.Hour), temperatureC)
	}
	return total
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func temperatureBand(c float64) int {
	switch {
	case c < coldBelowC:
		return bandCold
	case c > warmAboveC:
		return bandWarm
	}
	return bandMild
}
