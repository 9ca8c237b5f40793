package queue

import (
	"sync"
	"time"

	"github.com/flowpbx/flowqueue/internal/device"
)

// Provenance records how a member entered the queue. Precedence for
// conflicting registrations of the same interface is
// static > realtime > dynamic: static overwrites anything, realtime
// overwrites dynamic, dynamic never overwrites.
type Provenance int

const (
	ProvenanceStatic Provenance = iota
	ProvenanceDynamic
	ProvenanceRealtime
)

// String returns the provenance name used in events and logs.
func (p Provenance) String() string {
	switch p {
	case ProvenanceStatic:
		return "static"
	case ProvenanceDynamic:
		return "dynamic"
	case ProvenanceRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// overrides reports whether a new registration with provenance p may
// replace an existing one with provenance old.
func (p Provenance) overrides(old Provenance) bool {
	switch p {
	case ProvenanceStatic:
		return true
	case ProvenanceRealtime:
		return old != ProvenanceStatic
	default:
		return false
	}
}

// Member is one dialable agent scoped to a single queue. Its availability
// is read through the shared device record its state key resolves to.
//
// Lock order: Member before Device, never the reverse.
type Member struct {
	mu          sync.Mutex
	iface       string
	displayName string
	stateKey    string
	penalty     int
	calls       int
	lastCallEnd time.Time
	lastWrapup  time.Duration
	paused      bool
	pauseReason string
	ringInUse   bool
	provenance  Provenance
	dead        bool
	realtimeUID string
	dev         *device.Device
}

// Interface returns the member's dialable interface string.
func (m *Member) Interface() string { return m.iface }

// DisplayName returns the member's display name.
func (m *Member) DisplayName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayName
}

// StateKey returns the device state key the member watches.
func (m *Member) StateKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateKey
}

// Penalty returns the member's current penalty.
func (m *Member) Penalty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.penalty
}

// SetPenalty updates the member's penalty.
func (m *Member) SetPenalty(p int) {
	m.mu.Lock()
	m.penalty = p
	m.mu.Unlock()
}

// Calls returns the lifetime completed-call count.
func (m *Member) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastCall returns when the member's last call ended and the wrap-up
// window attached to it.
func (m *Member) LastCall() (end time.Time, wrapup time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCallEnd, m.lastWrapup
}

// CompleteCall records a finished call: bumps the counter and starts the
// wrap-up window.
func (m *Member) CompleteCall(end time.Time, wrapup time.Duration) {
	m.mu.Lock()
	m.calls++
	m.lastCallEnd = end
	m.lastWrapup = wrapup
	m.mu.Unlock()
}

// Paused returns the paused flag and its reason.
func (m *Member) Paused() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, m.pauseReason
}

// SetPaused updates the paused flag. It returns false when the flag
// already had the requested value.
func (m *Member) SetPaused(paused bool, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused == paused {
		return false
	}
	m.paused = paused
	m.pauseReason = reason
	return true
}

// RingInUse reports whether the member may be dialed while its device is
// already in use.
func (m *Member) RingInUse() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringInUse
}

// SetRingInUse updates the ring-in-use permission.
func (m *Member) SetRingInUse(v bool) {
	m.mu.Lock()
	m.ringInUse = v
	m.mu.Unlock()
}

// Provenance returns how the member was registered.
func (m *Member) Provenance() Provenance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provenance
}

// RealtimeUID returns the realtime row identifier, if any.
func (m *Member) RealtimeUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realtimeUID
}

// markDead flags a realtime member for the reconcile sweep.
func (m *Member) markDead(v bool) {
	m.mu.Lock()
	m.dead = v
	m.mu.Unlock()
}

// isDead reports the reconcile flag.
func (m *Member) isDead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

// Device returns the shared device record, nil for an unregistered member.
func (m *Member) Device() *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev
}

// EffectiveStatus returns the device status as this member observes it.
func (m *Member) EffectiveStatus() device.Status {
	m.mu.Lock()
	dev := m.dev
	riu := m.ringInUse
	m.mu.Unlock()
	if dev == nil {
		return device.StatusInvalid
	}
	return dev.Effective(riu)
}

// inWrapup reports whether the member's wrap-up window is still running
// at the given instant.
func (m *Member) inWrapup(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCallEnd.IsZero() || m.lastWrapup <= 0 {
		return false
	}
	return now.Before(m.lastCallEnd.Add(m.lastWrapup))
}
