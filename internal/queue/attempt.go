package queue

import (
	"github.com/flowpbx/flowqueue/internal/transport"
)

// Attempt is one outbound ring toward a member on behalf of a caller.
//
// Reservation invariant: while reserved is set, the member's device
// carries exactly one reservation contribution from this attempt;
// likewise active. release drops whatever contribution the attempt still
// holds, on every exit path.
type Attempt struct {
	member *Member
	ch     transport.Channel
	metric int

	stillGoing bool
	reserved   bool
	active     bool
	watching   bool

	// pendingConnected holds the latest connected-line update received
	// while racing under ring-all; it is applied only if this attempt
	// wins.
	pendingConnected *transport.PartyID
	// pendingRedirecting is the redirecting counterpart.
	pendingRedirecting *transport.PartyID
	// aocRates accumulates advice-of-charge rate lists to replay to the
	// caller if this attempt wins.
	aocRates []string

	// rang notes the attempt was actually placed, for ring-no-answer
	// accounting at cycle end.
	rang bool
}

// Member returns the member this attempt rings.
func (a *Attempt) Member() *Member { return a.member }

// Channel returns the outbound channel, nil until the attempt is placed.
func (a *Attempt) Channel() transport.Channel { return a.ch }

// Metric returns the selector metric computed for this attempt.
func (a *Attempt) Metric() int { return a.metric }

// reserve claims the member's device once. Idempotent.
func (a *Attempt) reserve() {
	if a.reserved {
		return
	}
	if dev := a.member.Device(); dev != nil {
		dev.Reserve()
		a.reserved = true
	}
}

// activate converts the reservation into an active-call contribution when
// the attempt wins.
func (a *Attempt) activate() {
	dev := a.member.Device()
	if dev == nil {
		return
	}
	if a.reserved {
		dev.ReleaseReservation()
		a.reserved = false
	}
	if !a.active {
		dev.AddActive()
		a.active = true
	}
}

// release drops any device contribution the attempt still holds.
func (a *Attempt) release() {
	dev := a.member.Device()
	if dev == nil {
		a.reserved = false
		a.active = false
		return
	}
	if a.reserved {
		dev.ReleaseReservation()
		a.reserved = false
	}
	if a.active {
		dev.RemoveActive()
		a.active = false
	}
}

// retire marks the attempt finished, hangs up its channel if one exists,
// and releases device contributions.
func (a *Attempt) retire(drv transport.Driver, answeredElsewhere bool) {
	a.stillGoing = false
	a.watching = false
	if a.ch != nil {
		drv.Hangup(a.ch, answeredElsewhere)
		a.ch = nil
	}
	a.release()
}

// AttemptSet is the per-ring-cycle collection of attempts, indexed by
// member interface.
type AttemptSet struct {
	attempts []*Attempt
	byIface  map[string]*Attempt
}

func newAttemptSet() *AttemptSet {
	return &AttemptSet{byIface: make(map[string]*Attempt)}
}

// add registers an attempt. Duplicate interfaces are rejected.
func (s *AttemptSet) add(a *Attempt) bool {
	iface := a.member.Interface()
	if _, dup := s.byIface[iface]; dup {
		return false
	}
	s.attempts = append(s.attempts, a)
	s.byIface[iface] = a
	return true
}

// Len returns the number of attempts in the set.
func (s *AttemptSet) Len() int { return len(s.attempts) }

// ByInterface returns the attempt ringing iface, or nil.
func (s *AttemptSet) ByInterface(iface string) *Attempt {
	return s.byIface[iface]
}

// live returns the attempts that are still going and placed, i.e. the
// watch set for the event mux.
func (s *AttemptSet) live() []*Attempt {
	var out []*Attempt
	for _, a := range s.attempts {
		if a.stillGoing && a.ch != nil {
			out = append(out, a)
		}
	}
	return out
}

// pendingBest returns the attempt with the smallest metric among those
// still going and not yet placed, or nil.
func (s *AttemptSet) pendingBest() *Attempt {
	var best *Attempt
	for _, a := range s.attempts {
		if !a.stillGoing || a.ch != nil {
			continue
		}
		if best == nil || a.metric < best.metric {
			best = a
		}
	}
	return best
}

// Release tears the whole set down, skipping winner: every other attempt
// is hung up (flagged answered-elsewhere when asked) and its device
// contributions dropped. This is the path that enforces the reservation
// balance on cancellation, failure, and cleanup alike.
func (s *AttemptSet) Release(drv transport.Driver, winner *Attempt, answeredElsewhere bool) {
	for _, a := range s.attempts {
		if a == winner {
			continue
		}
		a.retire(drv, answeredElsewhere && a.ch != nil)
	}
}
