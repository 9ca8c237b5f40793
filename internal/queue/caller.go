package queue

import (
	"time"

	"github.com/flowpbx/flowqueue/internal/transport"
)

// Result is the typed outcome surfaced on the caller channel when a
// caller leaves the queue unserved. A bridged-and-completed call yields
// the empty Result.
type Result string

const (
	ResultTimeout      Result = "TIMEOUT"
	ResultFull         Result = "FULL"
	ResultJoinEmpty    Result = "JOINEMPTY"
	ResultLeaveEmpty   Result = "LEAVEEMPTY"
	ResultJoinUnavail  Result = "JOINUNAVAIL"
	ResultLeaveUnavail Result = "LEAVEUNAVAIL"
	ResultContinue     Result = "CONTINUE"
	ResultUnknown      Result = "UNKNOWN"

	// ResultAbandoned is returned to the embedding application when the
	// caller hung up (or star-disconnected) while waiting. The channel is
	// gone, so no result variable is written for it.
	ResultAbandoned Result = "ABANDON"
)

// CallOptions are the per-call behavior flags the embedding application
// passes into Run.
type CallOptions struct {
	// MarkAnsweredElsewhere flags losing attempts as answered elsewhere
	// when hung up.
	MarkAnsweredElsewhere bool
	// AllowCallerDisconnect lets the caller leave by dialing '*'.
	AllowCallerDisconnect bool
	// RingOnRinging indicates ringback to the caller (and stops hold
	// music) while a member's device is ringing.
	RingOnRinging bool
	// IgnoreForwards refuses call-forward indications from members.
	IgnoreForwards bool
	// NoConnectedLineUpdates suppresses connected-line and redirecting
	// propagation toward the caller.
	NoConnectedLineUpdates bool
	// AllowTransfer lets the answered member transfer the caller.
	AllowTransfer bool
}

// RunParams carries the per-call arguments of Engine.Run.
type RunParams struct {
	Options CallOptions
	// Timeout bounds the caller's total wait; zero waits forever.
	Timeout time.Duration
	// Priority orders the caller in the waiting list; higher wins.
	Priority int
	// Position requests an insertion position (1-based); it never places
	// the caller ahead of higher-priority entries.
	Position int
	// AnnounceOverride replaces the queue's member announcement.
	AnnounceOverride string
	// RuleOverride names the penalty rule set to apply instead of the
	// queue default.
	RuleOverride string
	// PostConnectHook is run through the dialplan evaluator on the member
	// channel after the bridge is set up.
	PostConnectHook string
	// URL is passed through to the answering member's channel.
	URL string
	// MinPenalty and MaxPenalty bound eligible member penalties; zero
	// means unbounded.
	MinPenalty int
	MaxPenalty int
}

// Caller is one waiting client: the in-queue state of an inbound call
// from entry to bridge or exit. A single dispatcher goroutine owns it
// end-to-end; fields written during the wait are guarded by the waiting
// list lock where readers from other goroutines exist (position).
type Caller struct {
	UID string

	queue *Queue
	data  *queueData
	ch    transport.Channel
	opts  CallOptions

	prio    int
	pos     int
	origPos int

	start  time.Time
	expire time.Time

	digits string

	minPenalty int
	maxPenalty int
	rules      []PenaltyRule

	linPos     int
	linWrapped bool

	dialed   map[string]bool
	attempts *AttemptSet

	lastAnnounce         time.Time
	lastPeriodicAnnounce time.Time
	periodicIdx          int

	ringIndicated bool
	mohStarted    bool
}

// Position returns the caller's current 1-based position.
func (c *Caller) Position() int {
	c.data.listMu.Lock()
	defer c.data.listMu.Unlock()
	return c.pos
}

// Channel returns the caller's inbound channel.
func (c *Caller) Channel() transport.Channel { return c.ch }

// waitSeconds returns the caller's wait so far, in whole seconds.
func (c *Caller) waitSeconds(now time.Time) int {
	return int(now.Sub(c.start).Seconds())
}

// expired reports whether the configured timeout has passed.
func (c *Caller) expired(now time.Time) bool {
	return !c.expire.IsZero() && now.After(c.expire)
}

// insertCaller places c into the waiting list: before the first entry
// with strictly lower priority, or at a requested position when that does
// not jump ahead of higher-priority entries, otherwise at the tail of its
// priority band. Every entry is renumbered afterward.
func (d *queueData) insertCaller(c *Caller, requestedPos int) {
	d.listMu.Lock()
	defer d.listMu.Unlock()

	// The caller's priority band runs from floor, the first entry not
	// held by a strictly higher priority, to bound, the first entry with
	// a strictly lower one. A requested position is honored only inside
	// that band.
	bound := len(d.callers)
	floor := -1
	for i, other := range d.callers {
		if floor < 0 && other.prio <= c.prio {
			floor = i
		}
		if other.prio < c.prio {
			bound = i
			break
		}
	}
	if floor < 0 {
		floor = bound
	}

	at := bound
	if requestedPos > 0 && requestedPos-1 < bound {
		at = requestedPos - 1
		if at < floor {
			at = floor
		}
	}

	d.callers = append(d.callers, nil)
	copy(d.callers[at+1:], d.callers[at:])
	d.callers[at] = c

	d.renumberLocked()
	if c.origPos == 0 {
		c.origPos = c.pos
	}
}

// removeCaller unlinks c and renumbers the remainder. It reports whether
// c was present.
func (d *queueData) removeCaller(c *Caller) bool {
	d.listMu.Lock()
	defer d.listMu.Unlock()
	for i := range d.callers {
		if d.callers[i] == c {
			d.callers = append(d.callers[:i], d.callers[i+1:]...)
			d.renumberLocked()
			return true
		}
	}
	return false
}

// renumberLocked re-derives every position from list order. Callers hold
// listMu.
func (d *queueData) renumberLocked() {
	for i, c := range d.callers {
		c.pos = i + 1
	}
}

// waitingCount returns the number of waiting callers.
func (d *queueData) waitingCount() int {
	d.listMu.Lock()
	defer d.listMu.Unlock()
	return len(d.callers)
}

// callerIndex returns c's 1-based index, or 0 when absent.
func (d *queueData) callerIndex(c *Caller) int {
	d.listMu.Lock()
	defer d.listMu.Unlock()
	for i := range d.callers {
		if d.callers[i] == c {
			return i + 1
		}
	}
	return 0
}
