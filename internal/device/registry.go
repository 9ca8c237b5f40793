package device

import (
	"log/slog"
	"sync"
)

// ChangeHandler receives device status changes from the fan-out consumer.
// It runs on a single dedicated goroutine, so changes for one key are
// always observed in the order they were reported.
type ChangeHandler func(key string, status Status)

// Registry is the process-wide map from state key to shared Device record.
// Records are created lazily on first acquire and unlinked when the last
// holder releases them. Status updates are fanned out through a dedicated
// single-consumer queue so a storm of device events cannot starve caller
// processing.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	handler ChangeHandler
	logger  *slog.Logger

	qmu     sync.Mutex
	pending []change
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

type change struct {
	key    string
	status Status
}

// NewRegistry creates a registry and starts its fan-out consumer.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		devices: make(map[string]*Device),
		logger:  logger.With("subsystem", "devices"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.consume()
	return r
}

// OnChange installs the handler invoked for every status update. Install
// it before the transport starts reporting state.
func (r *Registry) OnChange(h ChangeHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Acquire returns the shared record for key, creating it if absent, and
// takes a reference that must be paired with Release.
func (r *Registry) Acquire(key string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devices[key]
	if d == nil {
		d = &Device{key: key, status: StatusUnknown}
		r.devices[key] = d
		r.logger.Debug("device created", "key", key)
	}
	d.mu.Lock()
	d.refs++
	d.mu.Unlock()
	return d
}

// Release drops one reference; the record is unlinked when no holder
// remains.
func (r *Registry) Release(d *Device) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	d.refs--
	gone := d.refs <= 0
	d.mu.Unlock()
	if gone {
		delete(r.devices, d.key)
		r.logger.Debug("device destroyed", "key", d.key)
	}
}

// Lookup returns the record for key without taking a reference, or nil.
func (r *Registry) Lookup(key string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[key]
}

// SetStatus records a driver-reported status change and enqueues the
// fan-out. Unknown keys are ignored: nothing references them.
func (r *Registry) SetStatus(key string, status Status) {
	r.mu.Lock()
	d := r.devices[key]
	r.mu.Unlock()
	if d == nil {
		return
	}
	d.setStatus(status)

	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.pending = append(r.pending, change{key: key, status: status})
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// consume drains the pending queue in order on a single goroutine.
func (r *Registry) consume() {
	for {
		r.qmu.Lock()
		var batch []change
		batch, r.pending = r.pending, nil
		r.qmu.Unlock()

		for _, c := range batch {
			r.mu.Lock()
			h := r.handler
			r.mu.Unlock()
			if h != nil {
				h(c.key, c.status)
			}
		}

		select {
		case <-r.done:
			return
		case <-r.wake:
		}
	}
}

// Close stops the fan-out consumer. Pending changes are dropped.
func (r *Registry) Close() {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return
	}
	r.closed = true
	r.qmu.Unlock()
	close(r.done)
}
