package queue

import (
	"math/rand/v2"
	"time"

	"github.com/flowpbx/flowqueue/internal/device"
)

// penaltyBand is the metric contribution of one penalty point. Strategy
// metrics stay below it, so penalty always dominates strategy order.
const penaltyBand = 1_000_000

// linearSkipBand ranks members behind the linear/round-robin cursor
// strictly after those at or past it.
const linearSkipBand = 1000

// buildAttempts constructs the attempt set for one ring cycle: one
// attempt per eligible member, metric computed per the queue strategy.
// Every included interface is recorded in the caller's dialed set so a
// member forwarding back into the set is refused.
func (e *Engine) buildAttempts(c *Caller) *AttemptSet {
	cfg := c.queue.Config()
	members := c.data.memberList()
	usePenalty := len(members) > cfg.PenaltyMembersLimit

	set := newAttemptSet()
	for pos, m := range members {
		if m.isDead() {
			continue
		}
		a := &Attempt{member: m, stillGoing: true}
		if !e.calcMetric(cfg, c, m, pos, usePenalty, a) {
			continue
		}
		if !set.add(a) {
			continue
		}
		c.dialed[m.Interface()] = true
	}
	return set
}

// calcMetric fills a.metric for one member and reports eligibility.
// Lower metric means higher preference.
func (e *Engine) calcMetric(cfg Config, c *Caller, m *Member, pos int, usePenalty bool, a *Attempt) bool {
	pen := m.Penalty()
	if pen < 0 {
		// Negative penalty marks the member invalid regardless of the
		// penalty-limit gate.
		return false
	}
	if usePenalty {
		if (c.maxPenalty != 0 && pen > c.maxPenalty) || (c.minPenalty != 0 && pen < c.minPenalty) {
			return false
		}
	}

	band := 0
	if usePenalty {
		band = pen * penaltyBand
	}

	switch cfg.Strategy {
	case StrategyRingAll:
		a.metric = band

	case StrategyLinear:
		if pos < c.linPos {
			a.metric = linearSkipBand + pos
		} else {
			a.metric = pos
			if pos > c.linPos {
				c.linWrapped = true
			}
		}
		a.metric += band

	case StrategyRRMemory, StrategyRROrdered:
		cursor, _ := c.data.rrCursor()
		if pos < cursor {
			a.metric = linearSkipBand + pos
		} else {
			a.metric = pos
			if pos > cursor {
				c.data.mu.Lock()
				c.data.rrWrapped = true
				c.data.mu.Unlock()
			}
		}
		a.metric += band

	case StrategyRandom:
		a.metric = rand.IntN(linearSkipBand) + band

	case StrategyWeightedRandom:
		// No separate band: higher penalty only widens the spread.
		a.metric = rand.IntN(linearSkipBand * (pen + 1))

	case StrategyFewestCalls:
		a.metric = m.Calls() + band

	case StrategyLeastRecent:
		last, _ := m.LastCall()
		if last.IsZero() {
			a.metric = 0
		} else {
			a.metric = penaltyBand - int(e.now().Sub(last).Seconds())
		}
		a.metric += band

	default:
		a.metric = band
	}
	return true
}

// ringOne places the next candidate(s): the pending attempt with the
// smallest metric, or under ring-all every pending attempt in the best
// metric band. Failed entries fall through to the next best until
// something rings or the set is exhausted. It returns true while at least
// one attempt is ringing.
func (e *Engine) ringOne(c *Caller, set *AttemptSet) bool {
	for {
		best := set.pendingBest()
		if best == nil {
			return len(set.live()) > 0
		}
		if c.queue.Config().Strategy == StrategyRingAll {
			ringed := false
			for _, a := range set.attempts {
				if a.stillGoing && a.ch == nil && a.metric <= best.metric {
					if e.ringEntry(c, a) {
						ringed = true
					}
				}
			}
			if ringed {
				return true
			}
		} else {
			if e.ringEntry(c, best) {
				return true
			}
		}
	}
}

// storeNextCursor writes the strategy cursor back after a ring cycle.
// best is the lowest-metric candidate the cycle left untried (the next
// member to start from), nil when the cycle consumed every candidate. A
// wrapped cursor advances modulo the member count so it cannot run past
// the set.
func (e *Engine) storeNextCursor(c *Caller, best *Attempt) {
	n := c.data.memberCount()
	if n == 0 {
		n = 1
	}

	switch c.queue.Config().Strategy {
	case StrategyRRMemory, StrategyRROrdered:
		pos, wrapped := c.data.rrCursor()
		switch {
		case best != nil:
			pos = best.metric % penaltyBand % linearSkipBand
		case !wrapped:
			pos = 0
		default:
			pos = (pos + 1) % n
		}
		c.data.setRRCursor(pos, false)

	case StrategyLinear:
		switch {
		case best != nil:
			c.linPos = best.metric % penaltyBand % linearSkipBand
		case !c.linWrapped:
			c.linPos = 0
		default:
			c.linPos = (c.linPos + 1) % n
		}
		c.linWrapped = false
	}
}

// advanceCursorOnFailure bumps the strategy cursor when requesting a
// channel for the selected member failed, so the next cycle moves on.
func (e *Engine) advanceCursorOnFailure(c *Caller) {
	switch c.queue.Config().Strategy {
	case StrategyRRMemory, StrategyRROrdered:
		c.data.mu.Lock()
		c.data.rrPos++
		c.data.mu.Unlock()
	case StrategyLinear:
		c.linPos++
	}
}

// memberCanTakeCall reports whether a member could be rung right now:
// not paused, not dead, penalty valid, outside wrap-up, and its effective
// device status dialable.
func memberCanTakeCall(cfg Config, m *Member, now time.Time) bool {
	if m.isDead() {
		return false
	}
	if paused, _ := m.Paused(); paused {
		return false
	}
	if m.Penalty() < 0 {
		return false
	}
	if m.inWrapup(now) {
		return false
	}
	return statusDialable(cfg, m)
}

// statusDialable applies the ring-entry device-status gate.
func statusDialable(cfg Config, m *Member) bool {
	switch st := m.EffectiveStatus(); st {
	case device.StatusNotInUse, device.StatusUnknown:
		return true
	case device.StatusInUse, device.StatusRinging, device.StatusRingInUse, device.StatusOnHold:
		return cfg.RingInUse && m.RingInUse()
	default:
		return false
	}
}

// availableMembers counts members able to take a call right now.
func (e *Engine) availableMembers(q *Queue) int {
	now := e.now()
	cfg := q.Config()
	n := 0
	for _, m := range q.data.memberList() {
		if memberCanTakeCall(cfg, m, now) {
			n++
		}
	}
	return n
}

// emptyStatus evaluates an empty-condition mask against the member set.
// It reports whether the queue counts as empty under the mask, and
// whether that is because it has no members at all.
func (e *Engine) emptyStatus(c *Caller, mask ConditionMask) (empty, noMembers bool) {
	if mask == 0 {
		return false, false
	}
	members := c.data.memberList()
	if len(members) == 0 {
		return true, true
	}
	now := e.now()
	for _, m := range members {
		if m.isDead() {
			continue
		}
		if !memberMatchesMask(c, m, mask, now) {
			return false, false
		}
	}
	return true, false
}

// memberMatchesMask reports whether every reason the member is not
// available is covered by the mask; an unmasked unavailable state keeps
// the queue non-empty.
func memberMatchesMask(c *Caller, m *Member, mask ConditionMask, now time.Time) bool {
	if paused, _ := m.Paused(); paused {
		return mask.Has(CondPaused)
	}
	pen := m.Penalty()
	if pen < 0 ||
		(c.maxPenalty != 0 && pen > c.maxPenalty) ||
		(c.minPenalty != 0 && pen < c.minPenalty) {
		return mask.Has(CondPenalty)
	}
	if m.inWrapup(now) {
		return mask.Has(CondWrapup)
	}
	switch m.EffectiveStatus() {
	case device.StatusInUse, device.StatusOnHold:
		return mask.Has(CondInUse)
	case device.StatusRinging, device.StatusRingInUse:
		return mask.Has(CondRinging)
	case device.StatusUnavailable, device.StatusBusy:
		return mask.Has(CondUnavailable)
	case device.StatusInvalid:
		return mask.Has(CondInvalid)
	case device.StatusUnknown:
		return mask.Has(CondUnknown)
	default:
		// NotInUse: the member is genuinely available.
		return false
	}
}

// isOurTurn reports whether the caller may start ringing members: with
// autofill every caller within the first availableMembers positions may,
// otherwise only the head of the list.
func (e *Engine) isOurTurn(c *Caller) bool {
	idx := c.data.callerIndex(c)
	if idx == 0 {
		return false
	}
	if !c.queue.Config().Autofill {
		return idx == 1
	}
	avail := e.availableMembers(c.queue)
	return idx <= avail
}

// outweighed implements weight preemption: a strictly heavier queue that
// shares this member and has more unserved callers than available members
// gets the member first. Advisory and lock-free across queues; the device
// reservation counters settle any race.
func (e *Engine) outweighed(cfg Config, iface string) bool {
	for _, other := range e.queueList() {
		ocfg := other.Config()
		if ocfg.Name == cfg.Name || ocfg.Weight <= cfg.Weight {
			continue
		}
		if other.data.memberByInterface(iface) == nil {
			continue
		}
		waiting := other.data.waitingCount()
		if waiting > 0 && waiting >= e.availableMembers(other) {
			return true
		}
	}
	return false
}
