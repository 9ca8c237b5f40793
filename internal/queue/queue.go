package queue

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Condition flags describe member states for the join/leave empty
// predicates: a member matching any masked condition does not count as
// available.
type Condition uint

const (
	CondPaused Condition = 1 << iota
	CondPenalty
	CondInUse
	CondRinging
	CondUnavailable
	CondInvalid
	CondUnknown
	CondWrapup
)

// ConditionMask is a disjunction of Conditions. The zero mask disables
// the predicate: callers may always join / never leave for emptiness.
type ConditionMask uint

// Has reports whether the mask contains c.
func (m ConditionMask) Has(c Condition) bool { return uint(m)&uint(c) != 0 }

// ParseConditionMask parses a comma-separated condition list. The presets
// "yes" (strict) and "loose" match the historical shorthand; "no" is the
// empty mask.
func ParseConditionMask(s string) (ConditionMask, error) {
	switch s {
	case "", "no":
		return 0, nil
	case "yes", "strict":
		return ConditionMask(CondPenalty | CondPaused | CondInvalid | CondUnavailable), nil
	case "loose":
		return ConditionMask(CondPenalty | CondInvalid), nil
	}

	var mask ConditionMask
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "paused":
			mask |= ConditionMask(CondPaused)
		case "penalty":
			mask |= ConditionMask(CondPenalty)
		case "inuse":
			mask |= ConditionMask(CondInUse)
		case "ringing":
			mask |= ConditionMask(CondRinging)
		case "unavailable":
			mask |= ConditionMask(CondUnavailable)
		case "invalid":
			mask |= ConditionMask(CondInvalid)
		case "unknown":
			mask |= ConditionMask(CondUnknown)
		case "wrapup":
			mask |= ConditionMask(CondWrapup)
		default:
			return 0, fmt.Errorf("unknown empty condition %q", tok)
		}
	}
	return mask, nil
}

// AutopauseMode controls pausing members that fail to answer.
type AutopauseMode int

const (
	// AutopauseOff never pauses automatically.
	AutopauseOff AutopauseMode = iota
	// AutopauseYes pauses the member in the originating queue only.
	AutopauseYes
	// AutopauseAll pauses the member in every queue it belongs to.
	AutopauseAll
)

// ParseAutopauseMode maps the configuration string.
func ParseAutopauseMode(s string) (AutopauseMode, error) {
	switch s {
	case "", "no":
		return AutopauseOff, nil
	case "yes":
		return AutopauseYes, nil
	case "all":
		return AutopauseAll, nil
	default:
		return AutopauseOff, fmt.Errorf("unknown autopause mode %q", s)
	}
}

// MemberConfig declares one configured (static or realtime) member.
type MemberConfig struct {
	Interface   string
	DisplayName string
	StateKey    string
	Penalty     int
	Paused      bool
	RingInUse   bool
	RealtimeUID string
}

// Config is the immutable configuration half of a queue. A reload builds
// a fresh Config-bearing Queue while the mutable queueData (stats, waiting
// list, members) survives underneath it.
type Config struct {
	Name     string
	Strategy Strategy

	// RingTimeout bounds one ring cycle toward members.
	RingTimeout time.Duration
	// Retry is the pause between ring cycles.
	Retry time.Duration
	// Wrapup is the default per-member cooldown after a completed call.
	Wrapup time.Duration
	// MemberDelay is inserted before connecting caller and member.
	MemberDelay time.Duration
	// ServiceLevel is the threshold for the completed-in-SL counter.
	ServiceLevel time.Duration

	// Weight preempts lower-weight queues that share members.
	Weight int
	// MaxLen caps waiting callers; zero means unbounded.
	MaxLen int

	JoinEmpty  ConditionMask
	LeaveEmpty ConditionMask
	Autopause  AutopauseMode

	// RingInUse permits dialing members whose device is in use, for
	// members that individually allow it.
	RingInUse bool
	// Autofill lets every waiting caller with an available member ring in
	// parallel instead of serving strictly one head caller.
	Autofill bool
	// TimeoutRestart restarts the ring-cycle timeout when an attempt
	// starts ringing.
	TimeoutRestart bool

	// Announce is played to the answering member before bridging.
	Announce string
	// AnnounceFrequency is the cadence of position/holdtime announcements
	// to waiting callers; zero disables them.
	AnnounceFrequency time.Duration
	// AnnouncePosition includes the caller's position in announcements.
	AnnouncePosition bool
	// AnnounceHoldtime includes the average holdtime in announcements.
	AnnounceHoldtime bool
	// HoldtimeRounding rounds announced holdtime to this granularity.
	HoldtimeRounding time.Duration
	// PeriodicAnnounce cycles these prompts at PeriodicAnnounceFrequency.
	PeriodicAnnounce          []string
	PeriodicAnnounceFrequency time.Duration

	// DefaultRule names the penalty rule set applied when the caller does
	// not override it.
	DefaultRule string
	// PenaltyMembersLimit suspends penalty discrimination while the queue
	// has at most this many members. Zero keeps penalties always active.
	PenaltyMembersLimit int

	// Persist dumps dynamic members to the KV store on every change.
	Persist bool
	// MaskMemberStatus suppresses member-status fan-out events for this
	// queue.
	MaskMemberStatus bool

	// ExitContext names the dialplan context checked against digits a
	// waiting caller dials; a match exits the queue.
	ExitContext string

	// Members are the statically configured members.
	Members []MemberConfig
}

// Validate checks the structural invariants a queue must satisfy before
// it is created.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue needs a name")
	}
	for _, m := range c.Members {
		if m.Interface == "" {
			return fmt.Errorf("queue %s: member with empty interface", c.Name)
		}
	}
	return nil
}

// withDefaults fills unset timing parameters.
func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 15 * time.Second
	}
	if c.Retry <= 0 {
		c.Retry = 5 * time.Second
	}
	if c.AnnounceFrequency < 0 {
		c.AnnounceFrequency = 0
	}
	return c
}

// Queue pairs an immutable Config with the shared mutable queueData. A
// caller resolves a Queue once on entry and keeps using it even if a
// reload replaces the registry entry; both generations share the data.
type Queue struct {
	cfg  Config
	data *queueData
}

// Config returns the queue's configuration.
func (q *Queue) Config() Config { return q.cfg }

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// queueData is the mutable half of a queue: statistics, the round-robin
// cursor, the member set, and the ordered waiting list.
//
// mu guards stats, cursor, and members. listMu guards the waiting list
// and is acquired after mu when both are needed.
type queueData struct {
	name string

	mu            sync.Mutex
	holdtime      int // seconds, exponential moving average
	talktime      int // seconds, exponential moving average
	completed     int
	completedInSL int
	abandoned     int
	callsTaken    int
	rrPos         int
	rrWrapped     bool
	members       map[string]*Member
	order         []*Member

	listMu  sync.Mutex
	callers []*Caller
}

func newQueueData(name string) *queueData {
	return &queueData{
		name:    name,
		members: make(map[string]*Member),
	}
}

// Stats is a read-only statistics snapshot.
type Stats struct {
	Count         int
	Holdtime      int
	Talktime      int
	Completed     int
	CompletedInSL int
	Abandoned     int
}

// stats returns a consistent snapshot.
func (d *queueData) stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listMu.Lock()
	count := len(d.callers)
	d.listMu.Unlock()
	return Stats{
		Count:         count,
		Holdtime:      d.holdtime,
		Talktime:      d.talktime,
		Completed:     d.completed,
		CompletedInSL: d.completedInSL,
		Abandoned:     d.abandoned,
	}
}

// recordCompleted folds one completed call into the moving averages. The
// filter is new = (3*old + sample) / 4.
func (d *queueData) recordCompleted(holdtime, talktime time.Duration, inSL bool) {
	ht := int(holdtime.Seconds())
	tt := int(talktime.Seconds())
	d.mu.Lock()
	d.holdtime = (d.holdtime*3 + ht) / 4
	d.talktime = (d.talktime*3 + tt) / 4
	d.completed++
	d.callsTaken++
	if inSL {
		d.completedInSL++
	}
	d.mu.Unlock()
}

// recordAbandoned counts one abandoned caller.
func (d *queueData) recordAbandoned() {
	d.mu.Lock()
	d.abandoned++
	d.mu.Unlock()
}

// resetStats clears the statistics while leaving members and waiting
// callers alone.
func (d *queueData) resetStats() {
	d.mu.Lock()
	d.holdtime = 0
	d.talktime = 0
	d.completed = 0
	d.completedInSL = 0
	d.abandoned = 0
	d.callsTaken = 0
	d.mu.Unlock()
}

// memberByInterface returns the member for iface, or nil.
func (d *queueData) memberByInterface(iface string) *Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[iface]
}

// memberList returns the members in insertion order.
func (d *queueData) memberList() []*Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Member, len(d.order))
	copy(out, d.order)
	return out
}

// memberCount returns the number of members.
func (d *queueData) memberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.members)
}

// addMember inserts or replaces a member honoring provenance precedence.
// It returns the member and whether a change was made.
func (d *queueData) addMember(m *Member) (*Member, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old := d.members[m.iface]; old != nil {
		if !m.Provenance().overrides(old.Provenance()) {
			return old, false
		}
		// Replace in place so insertion order is preserved.
		for i := range d.order {
			if d.order[i] == old {
				d.order[i] = m
				break
			}
		}
		d.members[m.iface] = m
		return m, true
	}
	d.members[m.iface] = m
	d.order = append(d.order, m)
	return m, true
}

// removeMember unlinks a member by interface, returning it if present.
func (d *queueData) removeMember(iface string) *Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.members[iface]
	if m == nil {
		return nil
	}
	delete(d.members, iface)
	for i := range d.order {
		if d.order[i] == m {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return m
}

// rrCursor reads the queue-wide round-robin cursor.
func (d *queueData) rrCursor() (pos int, wrapped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rrPos, d.rrWrapped
}

// setRRCursor stores the queue-wide round-robin cursor.
func (d *queueData) setRRCursor(pos int, wrapped bool) {
	d.mu.Lock()
	d.rrPos = pos
	d.rrWrapped = wrapped
	d.mu.Unlock()
}
