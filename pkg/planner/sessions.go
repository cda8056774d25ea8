package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/types"
)

// Sessions owns all sessions for one planning horizon and converges them to
// a stable, self-consistent assignment: charging sessions on price valleys,
// discharging sessions on price peaks, pruned until every remaining slot is
// physically reachable and profitable.
type Sessions struct {
	cfg     Config
	horizon *Horizon
	list    []*Session

	// DebugChecks enables the consistency assertions after every solve.
	// A violation is a programming error, so it panics.
	DebugChecks bool
}

// NewSessions creates an empty collection over the given horizon.
func NewSessions(h *Horizon, cfg Config) *Sessions {
	return &Sessions{cfg: cfg, horizon: h}
}

// List returns the sessions ordered by start time.
func (ss *Sessions) List() []*Session {
	ss.sortByStart()
	return ss.list
}

// SessionAt returns the session containing the given slot index, or nil.
func (ss *Sessions) SessionAt(idx int) *Session {
	for _, s := range ss.list {
		if s.Contains(idx) {
			return s
		}
	}
	return nil
}

// AssignedSlotCount returns the total number of slots claimed by sessions.
func (ss *Sessions) AssignedSlotCount() int {
	n := 0
	for _, s := range ss.list {
		n += s.Len()
	}
	return n
}

// Solve runs the full planning pass: seed candidate sessions from price
// extrema, then alternate charge projection and profitability pruning until
// nothing changes. nowIdx is the slot covering the current time and
// currentChargeKWH the live battery reading the projection starts from.
func (ss *Sessions) Solve(ctx context.Context, nowIdx int, currentChargeKWH float64) {
	if len(ss.horizon.Slots) == 0 {
		return
	}

	ss.horizon.SmoothPrices(ss.cfg.SmoothingWindow)
	ss.createSessions(ctx, nowIdx)

	// The outer loop alternates projection and shrink-by-need because they
	// are mutually dependent: shrinking a session changes the charge-left
	// curve, which changes how long later sessions need to be. Every
	// iteration strictly removes slots or stops, so the slot count bounds it.
	outerCap := len(ss.horizon.Slots) + 1
	converged := false
	for iter := 0; iter < outerCap; iter++ {
		ss.classifyIdleSlots(nowIdx)
		Project(ss.horizon, nowIdx, currentChargeKWH, ss.cfg)

		ss.evaluate(ctx)

		ss.classifyIdleSlots(nowIdx)
		Project(ss.horizon, nowIdx, currentChargeKWH, ss.cfg)

		ss.determineMaxToCharge(ctx)

		if !ss.shrinkByNeed(ctx) {
			converged = true
			break
		}
	}
	if !converged {
		log.Ctx(ctx).WarnContext(ctx, "session solve hit iteration cap",
			slog.Int("cap", outerCap),
			slog.Int("sessions", len(ss.list)),
		)
	}

	ss.removeEmptySessions(ctx)
	ss.classifyIdleSlots(nowIdx)
	Project(ss.horizon, nowIdx, currentChargeKWH, ss.cfg)
	ss.computeCashFlow(nowIdx)

	if ss.DebugChecks {
		ss.Check()
	}

	log.Ctx(ctx).DebugContext(ctx, "session solve finished",
		slog.Int("sessions", len(ss.list)),
		slog.Int("assignedSlots", ss.AssignedSlotCount()),
		slog.Int("horizonSlots", len(ss.horizon.Slots)),
	)
}

// createSessions seeds a session at every strict local extremum of the
// smoothed price from nowIdx onward: minima become charging sessions,
// maxima discharging. Ties do not seed, and historical slots neither seed
// nor get claimed. Each seed then grows into its most favorable unclaimed
// neighbors up to the capacity-derived duration.
func (ss *Sessions) createSessions(ctx context.Context, nowIdx int) {
	slots := ss.horizon.Slots
	if nowIdx < 0 {
		nowIdx = 0
	}
	for i := nowIdx; i < len(slots); i++ {
		if slots[i].Mode() != types.ModeUnknown {
			continue
		}

		mode := types.ModeUnknown
		price := slots[i].SmoothedPrice
		switch {
		case i == 0 && len(slots) > 1:
			if price < slots[1].SmoothedPrice {
				mode = types.ModeCharging
			} else if price > slots[1].SmoothedPrice {
				mode = types.ModeDischarging
			}
		case i == len(slots)-1 && i > 0:
			if price < slots[i-1].SmoothedPrice {
				mode = types.ModeCharging
			} else if price > slots[i-1].SmoothedPrice {
				mode = types.ModeDischarging
			}
		case i > 0 && i < len(slots)-1:
			if price < slots[i-1].SmoothedPrice && price < slots[i+1].SmoothedPrice {
				mode = types.ModeCharging
			} else if price > slots[i-1].SmoothedPrice && price > slots[i+1].SmoothedPrice {
				mode = types.ModeDischarging
			}
		}
		if mode == types.ModeUnknown {
			continue
		}

		sess := newSession(ss.horizon, ss.cfg, mode)
		sess.AddSlot(i)
		ss.grow(sess, i, nowIdx)
		ss.list = append(ss.list, sess)

		log.Ctx(ctx).DebugContext(ctx, "seeded session",
			slog.String("mode", mode.String()),
			slog.Time("seed", slots[i].Time),
			slog.Int("slots", sess.Len()),
		)
	}
}

// grow extends a freshly seeded session outward from the seed. At each step
// it takes whichever unclaimed neighbor has the more favorable price, but
// only if that price beats the horizon's mean price: a cheap seed must not
// absorb mediocre neighbors. Growth on a side stops at a claimed slot, and
// never reaches back before nowIdx.
func (ss *Sessions) grow(sess *Session, seedIdx, nowIdx int) {
	slots := ss.horizon.Slots
	budget := sess.maxSlots(ss.cfg.maxSessionHours(sess.mode)) - 1

	mean := 0.0
	for _, s := range slots {
		mean += s.Price
	}
	mean /= float64(len(slots))

	left := seedIdx - 1
	right := seedIdx + 1

	available := func(idx int) bool {
		return idx >= nowIdx && idx < len(slots) && slots[idx].Mode() == types.ModeUnknown
	}
	// lower is better for charging, higher for discharging
	better := func(a, b float64) bool {
		if sess.mode == types.ModeCharging {
			return a < b
		}
		return a > b
	}

	for budget > 0 {
		// a claimed slot permanently closes that side
		if left >= 0 && !available(left) {
			left = -1
		}
		if right < len(slots) && !available(right) {
			right = len(slots)
		}

		pick := -1
		switch {
		case left >= 0 && right < len(slots):
			if better(slots[left].Price, slots[right].Price) {
				pick = left
			} else {
				pick = right
			}
		case left >= 0:
			pick = left
		case right < len(slots):
			pick = right
		default:
			return
		}

		// the other neighbor is no more favorable, so failing the mean
		// test ends growth entirely
		if !better(slots[pick].Price, mean) {
			return
		}

		sess.AddSlot(pick)
		if pick == left {
			left--
		} else {
			right++
		}
		budget--
	}
}

// evaluate repeats the profitability passes until a full pass changes
// nothing. Each pass only ever removes slots or whole sessions, so the
// fixed point is reached within the iteration cap.
func (ss *Sessions) evaluate(ctx context.Context) {
	iterCap := len(ss.horizon.Slots) + 1
	for iter := 0; iter < iterCap; iter++ {
		changed := false
		if ss.mergeAdjacentSessions(ctx) {
			changed = true
		}
		if ss.removeEmptySessions(ctx) {
			changed = true
		}
		if ss.trimToCapacity(ctx) {
			changed = true
		}
		if ss.checkProfitability(ctx) {
			changed = true
		}
		if !changed {
			return
		}
	}
	log.Ctx(ctx).WarnContext(ctx, "profitability passes hit iteration cap",
		slog.Int("cap", iterCap))
}

// mergeAdjacentSessions drops the less favorable of two same-mode sessions
// that sit close together. Two discharging sessions within 3 idle hours
// compete directly; two charging sessions compete when the battery can
// carry the home across the gap, so only the cheaper one is needed.
func (ss *Sessions) mergeAdjacentSessions(ctx context.Context) bool {
	ss.sortByStart()

	for i := 0; i+1 < len(ss.list); i++ {
		cur, next := ss.list[i], ss.list[i+1]
		if cur.Len() == 0 || next.Len() == 0 || cur.Mode() != next.Mode() {
			continue
		}

		gap := next.FirstTime().Sub(cur.LastTime().Add(ss.horizon.SlotDuration))

		maxGap := 3 * time.Hour
		if cur.Mode() == types.ModeCharging {
			maxGap = time.Duration(ss.cfg.maxZeroNetHomeHours()) * time.Hour
		}
		if gap > maxGap {
			continue
		}

		var drop *Session
		if cur.Mode() == types.ModeCharging {
			// keep the cheaper charging session
			if cur.AveragePrice() > next.AveragePrice() {
				drop = cur
			} else {
				drop = next
			}
		} else {
			// keep the pricier discharging session
			if cur.AveragePrice() < next.AveragePrice() {
				drop = cur
			} else {
				drop = next
			}
		}

		log.Ctx(ctx).DebugContext(ctx, "dropping adjacent session",
			slog.String("mode", drop.Mode().String()),
			slog.Time("first", drop.FirstTime()),
			slog.Float64("avgPrice", drop.AveragePrice()),
			slog.Duration("gap", gap),
		)
		drop.removeAll()
		return true
	}
	return false
}

// removeEmptySessions deletes sessions whose slots were all pruned away. A
// session with zero slots is invalid and must not survive a pass.
func (ss *Sessions) removeEmptySessions(ctx context.Context) bool {
	changed := false
	kept := ss.list[:0]
	for _, s := range ss.list {
		if s.Len() == 0 {
			changed = true
			continue
		}
		kept = append(kept, s)
	}
	ss.list = kept
	return changed
}

// trimToCapacity shrinks every session to the number of slots the battery
// can physically use at the configured rate.
func (ss *Sessions) trimToCapacity(ctx context.Context) bool {
	changed := false
	for _, s := range ss.list {
		if s.ShrinkTo(s.maxSlots(ss.cfg.maxSessionHours(s.mode))) {
			changed = true
		}
	}
	return changed
}

// checkProfitability pairs each charging session against the discharging
// session that follows it: cheapest charge slots against priciest discharge
// slots. A discharge slot whose price does not cover its paired charge
// price plus the round-trip cycle cost loses money and is removed.
func (ss *Sessions) checkProfitability(ctx context.Context) bool {
	ss.sortByStart()

	changed := false
	for i := 0; i+1 < len(ss.list); i++ {
		cur, next := ss.list[i], ss.list[i+1]
		if cur.Mode() != types.ModeCharging || next.Mode() != types.ModeDischarging {
			continue
		}

		chargeIdxs := make([]int, len(cur.slots))
		copy(chargeIdxs, cur.slots)
		sort.SliceStable(chargeIdxs, func(a, b int) bool {
			return ss.horizon.Slots[chargeIdxs[a]].Price < ss.horizon.Slots[chargeIdxs[b]].Price
		})

		dischargeIdxs := make([]int, len(next.slots))
		copy(dischargeIdxs, next.slots)
		sort.SliceStable(dischargeIdxs, func(a, b int) bool {
			return ss.horizon.Slots[dischargeIdxs[a]].Price > ss.horizon.Slots[dischargeIdxs[b]].Price
		})

		pairs := len(chargeIdxs)
		if len(dischargeIdxs) < pairs {
			pairs = len(dischargeIdxs)
		}
		for k := 0; k < pairs; k++ {
			chargePrice := ss.horizon.Slots[chargeIdxs[k]].Price
			dischargePrice := ss.horizon.Slots[dischargeIdxs[k]].Price
			if chargePrice+ss.cfg.CycleCostPerKWH > dischargePrice {
				log.Ctx(ctx).DebugContext(ctx, "removing unprofitable discharge slot",
					slog.Time("slot", ss.horizon.Slots[dischargeIdxs[k]].Time),
					slog.Float64("chargePrice", chargePrice),
					slog.Float64("dischargePrice", dischargePrice),
					slog.Float64("cycleCost", ss.cfg.CycleCostPerKWH),
				)
				next.RemoveSlot(dischargeIdxs[k])
				changed = true
			}
		}
	}
	return changed
}

// determineMaxToCharge caps an earlier charging session when a cheaper one
// follows: the battery only needs enough energy to run the home across the
// gap (with a 30% margin), not a full charge.
func (ss *Sessions) determineMaxToCharge(ctx context.Context) {
	// clear stale ceilings from earlier iterations
	for _, slot := range ss.horizon.Slots {
		slot.ChargeNeeded = 0
	}
	for _, s := range ss.list {
		s.maxChargeKWH = 0
	}

	ss.sortByStart()

	var prevCharging *Session
	for _, s := range ss.list {
		if s.Mode() != types.ModeCharging || s.Len() == 0 {
			continue
		}
		if prevCharging != nil && prevCharging.AveragePrice() >= s.AveragePrice() {
			znhHours := ss.zeroNetHomeHoursBetween(prevCharging, s)
			if znhHours > 0 {
				needed := ss.cfg.homeHourlyKWH() * znhHours * 1.3
				if needed < ss.cfg.TotalCapacityKWH {
					log.Ctx(ctx).DebugContext(ctx, "capping charge target",
						slog.Time("session", prevCharging.FirstTime()),
						slog.Float64("maxChargeKWH", needed),
						slog.Float64("znhHours", znhHours),
					)
					prevCharging.setMaxCharge(needed)
				}
			}
		}
		prevCharging = s
	}
}

// zeroNetHomeHoursBetween sums the zero-net-home slot time between the end
// of session a and the start of session b, in hours.
func (ss *Sessions) zeroNetHomeHoursBetween(a, b *Session) float64 {
	start := a.slots[len(a.slots)-1] + 1
	end := b.slots[0]
	count := 0
	for i := start; i < end && i < len(ss.horizon.Slots); i++ {
		if ss.horizon.Slots[i].Mode() == types.ModeZeroNetHome {
			count++
		}
	}
	return float64(count) * ss.cfg.slotHours()
}

// shrinkByNeed re-derives each session's true required duration from the
// latest charge projection and shrinks it accordingly. It reports whether
// any session changed, in which case projection must be re-run.
func (ss *Sessions) shrinkByNeed(ctx context.Context) bool {
	changed := false
	for _, s := range ss.list {
		hours := s.MaxDurationHours()
		if s.ShrinkTo(s.maxSlots(hours)) {
			log.Ctx(ctx).DebugContext(ctx, "shrunk session to needed duration",
				slog.String("mode", s.Mode().String()),
				slog.Int("hours", hours),
				slog.Int("slots", s.Len()),
			)
			changed = true
		}
	}
	if changed {
		ss.removeEmptySessions(ctx)
	}
	return changed
}

// classifyIdleSlots resolves every unassigned slot from now onward into
// zero-net-home or disabled. Running the home from the battery is worth it
// when the avoided import price beats the round-trip cost by the minimum
// profit margin, or when the slot has meaningful solar production.
func (ss *Sessions) classifyIdleSlots(nowIdx int) {
	hours := ss.cfg.slotHours()
	for i, slot := range ss.horizon.Slots {
		if i < nowIdx {
			continue
		}
		m := slot.Mode()
		if m != types.ModeUnknown && m != types.ModeZeroNetHome && m != types.ModeDisabled {
			continue
		}

		solarKW := 0.0
		if hours > 0 {
			solarKW = slot.SolarKWH / hours
		}
		if slot.Price-ss.cfg.CycleCostPerKWH >= ss.cfg.MinProfitPerKWH ||
			solarKW > ss.cfg.SolarActiveThresholdKW {
			slot.SetMode(types.ModeZeroNetHome)
		} else {
			slot.SetMode(types.ModeDisabled)
		}
	}
}

// computeCashFlow fills the per-slot buying/selling amounts for reporting.
// Charging buys grid energy at the slot price; discharging sells at it;
// zero-net-home counts the avoided import as selling.
func (ss *Sessions) computeCashFlow(nowIdx int) {
	hours := ss.cfg.slotHours()
	for i, slot := range ss.horizon.Slots {
		slot.Buying = 0
		slot.Selling = 0
		if i < nowIdx {
			continue
		}
		switch slot.Mode() {
		case types.ModeCharging:
			slot.Buying = ss.cfg.ChargeRateKW * hours * slot.Price
		case types.ModeDischarging:
			slot.Selling = ss.cfg.DischargeRateKW * hours * slot.Price
		case types.ModeZeroNetHome:
			slot.Selling = ss.cfg.homeHourlyKWH() * hours * slot.Price
		}
	}
}

// Check asserts the collection's invariants: no empty sessions, every
// charging/discharging slot in exactly one session of matching mode, and
// every idle slot in no session. A violation is a programming error.
func (ss *Sessions) Check() {
	owners := make(map[int]*Session)
	for _, s := range ss.list {
		if s.Len() == 0 {
			panic("planner: empty session survived solve")
		}
		for _, idx := range s.Slots() {
			if idx < 0 || idx >= len(ss.horizon.Slots) {
				panic(fmt.Sprintf("planner: session slot index %d outside horizon", idx))
			}
			if prev, ok := owners[idx]; ok && prev != s {
				panic(fmt.Sprintf("planner: slot %d assigned to two sessions", idx))
			}
			owners[idx] = s
			if got := ss.horizon.Slots[idx].Mode(); got != s.Mode() {
				panic(fmt.Sprintf("planner: slot %d mode %s does not match session mode %s", idx, got, s.Mode()))
			}
		}
	}
	for i, slot := range ss.horizon.Slots {
		m := slot.Mode()
		_, owned := owners[i]
		if (m == types.ModeCharging || m == types.ModeDischarging) && !owned {
			panic(fmt.Sprintf("planner: slot %d flagged %s but in no session", i, m))
		}
		if (m == types.ModeZeroNetHome || m == types.ModeDisabled) && owned {
			panic(fmt.Sprintf("planner: slot %d flagged %s but owned by a session", i, m))
		}
	}
}

func (ss *Sessions) sortByStart() {
	sort.SliceStable(ss.list, func(a, b int) bool {
		return ss.list[a].FirstTime().Before(ss.list[b].FirstTime())
	})
}
