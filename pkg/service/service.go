package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/battwise/battwise/pkg/battery"
	"github.com/battwise/battwise/pkg/consumption"
	"github.com/battwise/battwise/pkg/inverter"
	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/meter"
	"github.com/battwise/battwise/pkg/planner"
	"github.com/battwise/battwise/pkg/prices"
	"github.com/battwise/battwise/pkg/solar"
	"github.com/battwise/battwise/pkg/storage"
	"github.com/battwise/battwise/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Service runs the planning and control loops: it keeps a price horizon,
// solves it into sessions, commands the battery for the current slot, and
// persists what actually happened.
type Service struct {
	prices      prices.Provider
	battery     battery.System
	meter       meter.Meter
	inverter    inverter.Inverter
	solar       *solar.Estimator
	consumption *consumption.Estimator
	db          storage.Database

	// configured-but-not-yet-validated components, resolved in Run after
	// flags have been parsed
	priceSrc   *prices.DayAhead
	batteryCfg *battery.Config
	p1         *meter.P1
	solarEdge  *inverter.SolarEdge

	plannerCfg    planner.Config
	horizonHours  int
	planInterval  time.Duration
	powerInterval time.Duration
	priceInterval time.Duration
	manual        types.ManualSchedule
	dryRun        bool

	mu            sync.Mutex
	horizon       *planner.Horizon
	sessions      *planner.Sessions
	manualActive  bool
	lastPersisted time.Time
	lastSetpointW float64
	tracker       tracker

	// now can be overridden in tests
	now func() time.Time
}

// Configured sets up flags for the service and returns the instance. The
// component configs are validated and resolved in Run, after flags have
// been parsed.
func Configured(p *prices.DayAhead, bcfg *battery.Config, m *meter.P1, inv *inverter.SolarEdge, sol *solar.Estimator, cons *consumption.Estimator, db storage.Database) *Service {
	s := New(p, nil, m, nil, sol, cons, db)
	s.priceSrc = p
	s.batteryCfg = bcfg
	s.p1 = m
	s.solarEdge = inv

	cycleCost := 0.025
	lflag.JSON(&cycleCost, "cycle-cost-per-kwh", cycleCost, "battery wear and efficiency cost charged per kWh cycled, in euros")
	minProfit := 0.02
	lflag.JSON(&minProfit, "min-profit-per-kwh", minProfit, "minimum net value per kWh for running the home from the battery, in euros")
	solarThreshold := 0.1
	lflag.JSON(&solarThreshold, "solar-active-threshold-kw", solarThreshold, "solar output above which a slot counts as producing")
	slotDuration := lflag.Duration("slot-duration", time.Hour, "resolution of the planning horizon")
	smoothing := 3
	lflag.JSON(&smoothing, "price-smoothing-window", smoothing, "moving-average window (in slots) applied to prices before extremum detection")
	horizonHours := 48
	lflag.JSON(&horizonHours, "horizon-hours", horizonHours, "how far ahead to plan")
	planInterval := lflag.Duration("plan-interval", 10*time.Second, "how often to re-solve the plan")
	powerInterval := lflag.Duration("power-interval", 3*time.Second, "how often to adjust the setpoint against the meter")
	priceInterval := lflag.Duration("price-interval", time.Hour, "how often to refetch day-ahead prices")
	manualCharge := lflag.String("manual-charge-hours", "2,3,4", "comma-delimited hours of day to charge when the price source is down")
	manualDischarge := lflag.String("manual-discharge-hours", "18,19,20", "comma-delimited hours of day to discharge when the price source is down")
	manualZNH := lflag.String("manual-zero-net-home-hours", "", "comma-delimited hours of day to zero-net-home when the price source is down")
	dryRun := lflag.Bool("dry-run", false, "log intended battery commands without sending them")

	lflag.Do(func() {
		s.plannerCfg.CycleCostPerKWH = cycleCost
		s.plannerCfg.MinProfitPerKWH = minProfit
		s.plannerCfg.SolarActiveThresholdKW = solarThreshold
		s.plannerCfg.SlotDuration = *slotDuration
		s.plannerCfg.SmoothingWindow = smoothing
		s.horizonHours = horizonHours
		s.planInterval = *planInterval
		s.powerInterval = *powerInterval
		s.priceInterval = *priceInterval
		s.manual = types.ManualSchedule{
			ChargeHours:      parseHours(*manualCharge),
			DischargeHours:   parseHours(*manualDischarge),
			ZeroNetHomeHours: parseHours(*manualZNH),
		}
		s.dryRun = *dryRun
	})

	return s
}

// New returns a Service with defaults suitable for tests.
func New(p prices.Provider, sys battery.System, m meter.Meter, inv inverter.Inverter, sol *solar.Estimator, cons *consumption.Estimator, db storage.Database) *Service {
	return &Service{
		prices:      p,
		battery:     sys,
		meter:       m,
		inverter:    inv,
		solar:       sol,
		consumption: cons,
		db:          db,
		plannerCfg: planner.Config{
			CycleCostPerKWH:        0.025,
			MinProfitPerKWH:        0.02,
			SolarActiveThresholdKW: 0.1,
			SlotDuration:           time.Hour,
			SmoothingWindow:        3,
		},
		horizonHours:  48,
		planInterval:  10 * time.Second,
		powerInterval: 3 * time.Second,
		priceInterval: time.Hour,
		now:           time.Now,
	}
}

func parseHours(s string) []int {
	var hours []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h, err := strconv.Atoi(part)
		if err != nil || h < 0 || h > 23 {
			panic(fmt.Sprintf("invalid hour in manual schedule: %s", part))
		}
		hours = append(hours, h)
	}
	return hours
}

// Run starts the control loops and blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.initComponents(ctx); err != nil {
		return err
	}

	spec := s.battery.Spec()
	s.mu.Lock()
	s.plannerCfg.TotalCapacityKWH = spec.CapacityKWH
	s.plannerCfg.ChargeRateKW = spec.MaxChargeRateKW
	s.plannerCfg.DischargeRateKW = spec.MaxDischargeRateKW
	s.mu.Unlock()
	if err := s.plannerCfg.Validate(); err != nil {
		return fmt.Errorf("invalid planner config: %w", err)
	}

	if err := s.syncPrices(ctx); err != nil {
		// we keep running on the manual schedule and retry
		log.Ctx(ctx).WarnContext(ctx, "initial price sync failed, running on manual schedule", slog.Any("error", err))
	}

	// only persist outcomes for slots this process actually ran
	s.mu.Lock()
	s.lastPersisted = s.now().Truncate(s.plannerCfg.SlotDuration)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.priceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.planLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.powerLoop(ctx)
	}()
	wg.Wait()
	return nil
}

// initComponents validates configured components and builds the ones that
// need flag values, like the battery fleet.
func (s *Service) initComponents(ctx context.Context) error {
	if s.priceSrc != nil {
		if err := s.priceSrc.Validate(); err != nil {
			return fmt.Errorf("invalid price config: %w", err)
		}
	}
	if s.p1 != nil {
		if err := s.p1.Validate(); err != nil {
			return fmt.Errorf("invalid meter config: %w", err)
		}
	}
	if s.batteryCfg != nil {
		if err := s.batteryCfg.Validate(); err != nil {
			return fmt.Errorf("invalid battery config: %w", err)
		}
		fleet, err := s.batteryCfg.Fleet(ctx)
		if err != nil {
			return fmt.Errorf("failed to build battery fleet: %w", err)
		}
		s.battery = fleet
	}
	if s.solar != nil {
		if err := s.solar.Init(); err != nil {
			return fmt.Errorf("failed to load solar config: %w", err)
		}
	}
	if s.solarEdge != nil && s.solarEdge.Enabled() {
		s.inverter = s.solarEdge
	}
	return nil
}

func (s *Service) priceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.priceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.syncPrices(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "price sync failed", slog.Any("error", err))
		}
	}
}

func (s *Service) planLoop(ctx context.Context) {
	ticker := time.NewTicker(s.planInterval)
	defer ticker.Stop()
	for {
		s.runPlanCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) powerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.powerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.runPowerCycle(ctx)
	}
}

// runPlanCycle wraps planCycle with panic recovery so one bad cycle cannot
// take the whole service down.
func (s *Service) runPlanCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(ctx, "plan cycle panicked", slog.Any("panic", r))
		}
	}()
	if err := s.planCycle(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "plan cycle failed", slog.Any("error", err))
	}
}

// syncPrices fetches day-ahead prices, persists them, and rebuilds the
// planning horizon.
func (s *Service) syncPrices(ctx context.Context) error {
	now := s.now()
	start := now.Truncate(time.Hour)
	end := start.Add(time.Duration(s.horizonHours) * time.Hour)

	fetched, err := s.prices.GetDayAheadPrices(ctx, start, end)
	if err != nil || len(fetched) == 0 {
		if err == nil {
			err = fmt.Errorf("price source returned no prices")
		}
		// previously stored prices beat the manual schedule
		fetched = s.storedPrices(ctx, start, end)
		if len(fetched) == 0 {
			s.mu.Lock()
			stale := s.horizon == nil || !s.horizon.End().After(now)
			s.manualActive = stale
			s.mu.Unlock()
			return fmt.Errorf("failed to fetch day-ahead prices: %w", err)
		}
		log.Ctx(ctx).WarnContext(ctx, "price source failed, planning from stored prices", slog.Any("error", err))
	}
	filled := prices.FillGaps(fetched, start, end)

	s.persistPrices(ctx, filled)

	s.refreshHomeEnergy(ctx, now)

	horizon := planner.BuildHorizon(filled, s.plannerCfg.SlotDuration)
	if s.solar != nil && s.solar.Enabled() {
		for _, slot := range horizon.Slots {
			slot.SolarKWH = s.solar.EstimateSlotKWH(slot.Time, horizon.SlotDuration)
		}
	}

	s.mu.Lock()
	s.horizon = horizon
	s.sessions = nil
	s.manualActive = false
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "rebuilt planning horizon",
		slog.Int("slots", len(horizon.Slots)),
		slog.Time("start", horizon.Start()),
		slog.Time("end", horizon.End()),
	)
	return nil
}

// storedPrices reads previously persisted prices covering the horizon.
func (s *Service) storedPrices(ctx context.Context, start, end time.Time) []types.Price {
	if s.db == nil {
		return nil
	}
	stored, err := s.db.GetPriceHistory(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get stored prices", slog.Any("error", err))
		return nil
	}
	return stored
}

// persistPrices upserts the prices we haven't stored yet. When the stored
// format version is stale everything is rewritten.
func (s *Service) persistPrices(ctx context.Context, filled []types.Price) {
	if s.db == nil {
		return
	}
	var persistFrom time.Time
	latest, version, err := s.db.GetLatestPriceTime(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to get latest stored price", slog.Any("error", err))
	} else if version == types.CurrentPriceHistoryVersion {
		persistFrom = latest
	}
	for _, p := range filled {
		if p.Filled || !p.TSStart.After(persistFrom) {
			continue
		}
		if err := s.db.UpsertPrice(ctx, p, types.CurrentPriceHistoryVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to upsert price", slog.Any("error", err))
		}
	}
}

// refreshHomeEnergy re-estimates daily home consumption from stored history.
func (s *Service) refreshHomeEnergy(ctx context.Context, now time.Time) {
	if s.consumption == nil {
		return
	}
	daily := s.consumption.DefaultDailyKWH()
	if s.db != nil {
		history, err := s.db.GetConsumptionHistory(ctx, now.AddDate(0, 0, -28), now)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to get consumption history", slog.Any("error", err))
		} else if len(history) > 0 {
			model := s.consumption.BuildModel(ctx, history)
			daily = model.DailyKWH(now, assumedTemperatureC)
		}
	}
	s.mu.Lock()
	s.plannerCfg.HomeDailyEnergyKWH = daily
	s.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "estimated home energy need", slog.Float64("dailyKWH", daily))
}

// planCycle re-solves the plan against the live battery state and commands
// the battery for the current slot.
func (s *Service) planCycle(ctx context.Context) error {
	now := s.now()

	// fresh reading before projecting, never a cached one
	status, err := s.battery.GetPowerStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get battery status: %w", err)
	}
	spec := s.battery.Spec()

	s.mu.Lock()
	mode, persist := s.solveLocked(ctx, now, status, spec)
	s.mu.Unlock()

	if persist != nil && s.db != nil {
		if err := s.db.AppendSlotOutcome(ctx, *persist, types.CurrentSlotOutcomeVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to append slot outcome", slog.Any("error", err))
		}
	}

	return s.applyMode(ctx, mode, status, spec)
}

// solveLocked runs the solver and returns the mode for the current slot,
// plus the outcome of the just-finished slot if one should be persisted.
// Must be called with s.mu held.
func (s *Service) solveLocked(ctx context.Context, now time.Time, status types.PowerStatus, spec types.BatterySpec) (types.Mode, *types.SlotOutcome) {
	if s.manualActive || s.horizon == nil || len(s.horizon.Slots) == 0 {
		return s.manual.ModeAt(now), nil
	}

	nowIdx := s.horizon.IndexAt(now)
	if nowIdx < 0 {
		log.Ctx(ctx).WarnContext(ctx, "horizon does not cover now, falling back to manual schedule", slog.Time("now", now))
		s.manualActive = true
		return s.manual.ModeAt(now), nil
	}

	currentChargeKWH := status.StateOfCharge * spec.CapacityKWH
	s.horizon.ResetModes()
	sessions := planner.NewSessions(s.horizon, s.plannerCfg)
	sessions.Solve(ctx, nowIdx, currentChargeKWH)
	s.sessions = sessions

	// a physically full battery ends the charging session no matter what
	// the plan says, and the same for an empty one discharging
	switch status.State {
	case types.SystemStateFull:
		s.cancelContiguousLocked(ctx, nowIdx, types.ModeCharging)
	case types.SystemStateEmpty:
		s.cancelContiguousLocked(ctx, nowIdx, types.ModeDischarging)
	}

	// likewise when the battery already holds all this session should charge
	if nowSlot := s.horizon.Slots[nowIdx]; nowSlot.Mode() == types.ModeCharging &&
		nowSlot.ChargeNeeded > 0 && currentChargeKWH >= nowSlot.ChargeNeeded {
		s.cancelContiguousLocked(ctx, nowIdx, types.ModeCharging)
	}

	persist := s.finishedSlotLocked(now)
	return s.horizon.Slots[nowIdx].Mode(), persist
}

// cancelContiguousLocked disables the current slot and every directly
// following slot in the given mode. Must be called with s.mu held.
func (s *Service) cancelContiguousLocked(ctx context.Context, nowIdx int, mode types.Mode) {
	if nowIdx < 0 || nowIdx >= len(s.horizon.Slots) || s.horizon.Slots[nowIdx].Mode() != mode {
		return
	}
	var cancelled int
	for i := nowIdx; i < len(s.horizon.Slots) && s.horizon.Slots[i].Mode() == mode; i++ {
		if s.sessions != nil {
			if sess := s.sessions.SessionAt(i); sess != nil {
				sess.RemoveSlot(i)
			}
		}
		s.horizon.Slots[i].SetMode(types.ModeDisabled)
		cancelled++
	}
	log.Ctx(ctx).InfoContext(ctx, "cancelled remaining session slots",
		slog.String("mode", mode.String()),
		slog.Int("slots", cancelled),
	)
}

// finishedSlotLocked returns the outcome of the slot that just ended, once.
// Must be called with s.mu held.
func (s *Service) finishedSlotLocked(now time.Time) *types.SlotOutcome {
	prevIdx := s.horizon.IndexAt(now.Add(-s.horizon.SlotDuration))
	if prevIdx < 0 {
		return nil
	}
	slot := s.horizon.Slots[prevIdx]
	if !slot.Time.After(s.lastPersisted) && !s.lastPersisted.IsZero() {
		return nil
	}
	s.lastPersisted = slot.Time
	solarKWH := slot.SolarKWH
	if s.inverter != nil {
		// prefer what the inverter actually produced over the estimate
		solarKWH = s.tracker.TakeSolarKWH()
	}
	return &types.SlotOutcome{
		Time:          slot.Time,
		Mode:          slot.Mode(),
		EurosPerKWH:   slot.Price,
		SolarKWH:      solarKWH,
		ChargeLeftKWH: slot.ChargeLeft,
		BuyingEuros:   slot.Buying,
		SellingEuros:  slot.Selling,
		ProfitEuros:   slot.Profit(),
	}
}

// applyMode sends the battery the setpoint for the slot's mode. ZeroNetHome
// slots are driven by the power loop instead.
func (s *Service) applyMode(ctx context.Context, mode types.Mode, status types.PowerStatus, spec types.BatterySpec) error {
	var setpointW float64
	switch mode {
	case types.ModeCharging:
		setpointW = -spec.MaxChargeRateKW * 1000
	case types.ModeDischarging:
		setpointW = spec.MaxDischargeRateKW * 1000
	case types.ModeZeroNetHome:
		// leave the current setpoint alone, the power loop owns it
		return nil
	default:
		setpointW = 0
	}

	s.mu.Lock()
	changed := setpointW != s.lastSetpointW
	s.lastSetpointW = setpointW
	s.mu.Unlock()
	if !changed {
		return nil
	}

	if s.dryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run: would've set setpoint",
			slog.String("mode", mode.String()),
			slog.Float64("watts", setpointW),
		)
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "setting battery setpoint",
		slog.String("mode", mode.String()),
		slog.Float64("watts", setpointW),
	)
	return s.battery.SetPowerSetpoint(ctx, setpointW)
}

// runPowerCycle drives the battery setpoint toward zero net grid power
// during ZeroNetHome slots.
func (s *Service) runPowerCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(ctx, "power cycle panicked", slog.Any("panic", r))
		}
	}()
	if err := s.powerCycle(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "power cycle failed", slog.Any("error", err))
	}
}

func (s *Service) powerCycle(ctx context.Context) error {
	now := s.now()

	reading, err := s.meter.GetReading(ctx)
	if err != nil {
		return fmt.Errorf("failed to read meter: %w", err)
	}
	status, err := s.battery.GetPowerStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get battery status: %w", err)
	}
	var solarKW float64
	if s.inverter != nil {
		solarKW, err = s.inverter.GetACPower(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to read inverter", slog.Any("error", err))
			solarKW = 0
		}
	}

	s.mu.Lock()
	stats := s.tracker.Sample(now, reading.PowerW, solarKW, status.PowerW)
	var mode types.Mode
	if s.manualActive || s.horizon == nil {
		mode = s.manual.ModeAt(now)
	} else if idx := s.horizon.IndexAt(now); idx >= 0 {
		mode = s.horizon.Slots[idx].Mode()
	}
	s.mu.Unlock()

	if stats != nil && s.db != nil {
		if err := s.db.UpsertConsumption(ctx, *stats, types.CurrentConsumptionStatsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to upsert consumption", slog.Any("error", err))
		}
	}

	if mode != types.ModeZeroNetHome {
		return nil
	}

	// positive meter power is grid import the battery should cover, so add
	// it to whatever the battery is already doing
	spec := s.battery.Spec()
	target := status.PowerW + reading.PowerW
	target = math.Max(-spec.MaxChargeRateKW*1000, math.Min(spec.MaxDischargeRateKW*1000, target))

	s.mu.Lock()
	s.lastSetpointW = target
	s.mu.Unlock()

	if s.dryRun {
		log.Ctx(ctx).DebugContext(ctx, "dry run: would've adjusted setpoint for zero net home",
			slog.Float64("meterW", reading.PowerW),
			slog.Float64("watts", target),
		)
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "adjusting setpoint for zero net home",
		slog.Float64("meterW", reading.PowerW),
		slog.Float64("watts", target),
	)
	return s.battery.SetPowerSetpoint(ctx, target)
}

// Sessions returns the most recent solve result, for inspection.
func (s *Service) Sessions() *planner.Sessions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}
