// Package device tracks the shared availability state of dialable devices.
// A device record is shared by every queue member that references its state
// key, across all queues; the engine's own outstanding commitments
// (reservations and bridged calls) are folded into the status a member
// observes.
package device

import "sync"

// Status is the raw device state reported by the channel driver.
type Status int

const (
	StatusUnknown Status = iota
	StatusNotInUse
	StatusInUse
	StatusBusy
	StatusInvalid
	StatusUnavailable
	StatusRinging
	StatusRingInUse
	StatusOnHold
)

// String returns the status name used in logs and events.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusNotInUse:
		return "not_in_use"
	case StatusInUse:
		return "in_use"
	case StatusBusy:
		return "busy"
	case StatusInvalid:
		return "invalid"
	case StatusUnavailable:
		return "unavailable"
	case StatusRinging:
		return "ringing"
	case StatusRingInUse:
		return "ring_in_use"
	case StatusOnHold:
		return "on_hold"
	default:
		return "unknown"
	}
}

// Device is one shared availability record. The counters are the only
// state shared across unrelated callers; keep the lock hold times short.
type Device struct {
	key string

	mu       sync.Mutex
	status   Status
	reserved int
	active   int
	refs     int
}

// Key returns the state key this record was acquired under.
func (d *Device) Key() string { return d.key }

// Status returns the raw driver-reported status.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Counts returns the current reservation and active-call counters.
func (d *Device) Counts() (reserved, active int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved, d.active
}

// Reserve adds one reservation: an attempt has claimed the device but not
// yet completed.
func (d *Device) Reserve() {
	d.mu.Lock()
	d.reserved++
	d.mu.Unlock()
}

// ReleaseReservation drops one reservation.
func (d *Device) ReleaseReservation() {
	d.mu.Lock()
	if d.reserved > 0 {
		d.reserved--
	}
	d.mu.Unlock()
}

// AddActive counts one bridged call through the device.
func (d *Device) AddActive() {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()
}

// RemoveActive drops one bridged call.
func (d *Device) RemoveActive() {
	d.mu.Lock()
	if d.active > 0 {
		d.active--
	}
	d.mu.Unlock()
}

// Effective returns the status a member with the given ring-in-use
// permission observes. The raw driver status is reconciled with the
// engine's own commitments: a device the engine has reserved or bridged
// reads Busy to members that may not be dialed while in use, and a device
// the driver still reports idle reads InUse/Ringing while the engine holds
// an active call or reservation on it.
func (d *Device) Effective(ringInUse bool) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.status {
	case StatusInUse, StatusRinging, StatusRingInUse, StatusOnHold:
		if (d.reserved > 0 || d.active > 0) && !ringInUse {
			return StatusBusy
		}
		return d.status
	case StatusNotInUse, StatusUnknown:
		if d.active > 0 {
			if !ringInUse {
				return StatusBusy
			}
			return StatusInUse
		}
		if d.reserved > 0 {
			if !ringInUse {
				return StatusBusy
			}
			return StatusRinging
		}
		return d.status
	default:
		return d.status
	}
}

// setStatus updates the raw status under the device lock.
func (d *Device) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}
