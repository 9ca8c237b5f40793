package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/flowqueue/internal/audit"
	"github.com/flowpbx/flowqueue/internal/device"
	"github.com/flowpbx/flowqueue/internal/events"
	"github.com/flowpbx/flowqueue/internal/transport"
)

// Errors surfaced by the management operations. Attempt-level failures
// never appear here; they are absorbed by the ring loop.
var (
	ErrNoQueue        = errors.New("no such queue")
	ErrNoMember       = errors.New("no such member")
	ErrMemberExists   = errors.New("member already in queue")
	ErrInvalidPenalty = errors.New("invalid penalty")
	ErrEmptyInterface = errors.New("member interface must not be empty")
)

// Options wires an Engine to its collaborators. Driver and Devices are
// required; the rest default to no-ops when nil.
type Options struct {
	Logger   *slog.Logger
	Driver   transport.Driver
	Devices  *device.Registry
	Bus      *events.Bus
	AuditLog *audit.Log
	KV       KV
	Prompts  PromptPlayer
	Dialplan Dialplan
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Engine is the call-queue engine: the registry of queues and rule sets,
// the dispatcher entry point, and the management surface.
//
// Lock hierarchy, outer to inner: Engine.mu (registries), then queueData
// mu / listMu, then Member, then Device. No method calls back into the
// registry while holding a member or device lock.
type Engine struct {
	logger   *slog.Logger
	driver   transport.Driver
	devices  *device.Registry
	bus      *events.Bus
	qlog     *audit.Log
	kv       KV
	prompts  PromptPlayer
	dialplan Dialplan
	now      func() time.Time

	mu     sync.Mutex
	queues map[string]*Queue
	rules  map[string]*RuleSet
}

// New creates an engine and hooks it into the device registry's status
// fan-out.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:   logger.With("subsystem", "queue"),
		driver:   opts.Driver,
		devices:  opts.Devices,
		bus:      opts.Bus,
		qlog:     opts.AuditLog,
		kv:       opts.KV,
		prompts:  opts.Prompts,
		dialplan: opts.Dialplan,
		now:      opts.Clock,
		queues:   make(map[string]*Queue),
		rules:    make(map[string]*RuleSet),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.prompts == nil {
		e.prompts = nopPrompts{}
	}
	if e.dialplan == nil {
		e.dialplan = nopDialplan{}
	}
	if e.devices != nil {
		e.devices.OnChange(e.handleDeviceChange)
	}
	return e
}

// publish emits a bus event when a bus is wired.
func (e *Engine) publish(kind events.Kind, fields map[string]string) {
	if e.bus != nil {
		e.bus.Publish(kind, fields)
	}
}

// record writes a queue-log entry when an audit log is wired.
func (e *Engine) record(queue, callerUID, agent, tag string, extras ...string) {
	if e.qlog != nil {
		e.qlog.Record(queue, callerUID, agent, tag, extras...)
	}
}

// FindQueue resolves a queue by name.
func (e *Engine) FindQueue(name string) *Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues[name]
}

// queueList snapshots the registry.
func (e *Engine) queueList() []*Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Queue, 0, len(e.queues))
	for _, q := range e.queues {
		out = append(out, q)
	}
	return out
}

// RuleSet resolves a penalty rule set by name.
func (e *Engine) RuleSet(name string) *RuleSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules[name]
}

// RuleSets lists all penalty rule sets.
func (e *Engine) RuleSets() []*RuleSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*RuleSet, 0, len(e.rules))
	for _, rs := range e.rules {
		out = append(out, rs)
	}
	return out
}

// LoadRules replaces the rule registry.
func (e *Engine) LoadRules(sets []*RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*RuleSet, len(sets))
	for _, rs := range sets {
		e.rules[rs.Name] = rs
	}
}

// LoadQueues applies queue configurations. An existing queue gets a fresh
// immutable Queue value sharing the old queueData, so statistics and the
// waiting list survive a reload and in-flight callers keep a consistent
// view of the generation they resolved. Static members are reconciled
// against the new configuration.
func (e *Engine) LoadQueues(configs []Config) error {
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return fmt.Errorf("loading queues: %w", err)
		}
	}

	for _, cfg := range configs {
		cfg = cfg.withDefaults()

		e.mu.Lock()
		old := e.queues[cfg.Name]
		var q *Queue
		if old != nil {
			q = &Queue{cfg: cfg, data: old.data}
		} else {
			q = &Queue{cfg: cfg, data: newQueueData(cfg.Name)}
		}
		e.queues[cfg.Name] = q
		e.mu.Unlock()

		e.reconcileMembers(q, cfg.Members, ProvenanceStatic)
		if old == nil {
			e.logger.Info("queue created",
				"queue", cfg.Name,
				"strategy", cfg.Strategy.String(),
				"members", len(cfg.Members),
			)
			if cfg.Persist && e.kv != nil {
				if err := e.loadPersistedMembers(q); err != nil {
					e.logger.Warn("restoring dynamic members failed",
						"queue", cfg.Name,
						"error", err,
					)
				}
			}
		} else {
			e.logger.Info("queue reloaded", "queue", cfg.Name)
		}
	}
	return nil
}

// RemoveQueue unlinks a queue from the registry. In-flight callers keep
// their resolved Queue until they exit.
func (e *Engine) RemoveQueue(name string) error {
	e.mu.Lock()
	q := e.queues[name]
	delete(e.queues, name)
	e.mu.Unlock()
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, name)
	}
	for _, m := range q.data.memberList() {
		e.releaseMemberDevice(m)
	}
	e.logger.Info("queue removed", "queue", name)
	return nil
}

// AddMember registers a member with the given provenance. Registration
// precedence is static > realtime > dynamic; a registration that loses
// the precedence check returns ErrMemberExists.
func (e *Engine) AddMember(queueName string, mc MemberConfig, prov Provenance) error {
	q := e.FindQueue(queueName)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	if mc.Interface == "" {
		return ErrEmptyInterface
	}
	if mc.StateKey == "" {
		mc.StateKey = mc.Interface
	}

	m := e.newMember(mc, prov)
	added, changed := q.data.addMember(m)
	if !changed {
		e.devices.Release(m.Device())
		return fmt.Errorf("%w: %s in %s", ErrMemberExists, mc.Interface, queueName)
	}
	if added != m {
		e.devices.Release(m.Device())
		return fmt.Errorf("%w: %s in %s", ErrMemberExists, mc.Interface, queueName)
	}

	pausedNote := ""
	if mc.Paused {
		pausedNote = "PAUSED"
	}
	e.logger.Info("member added",
		"queue", queueName,
		"interface", mc.Interface,
		"name", mc.DisplayName,
		"penalty", mc.Penalty,
		"provenance", prov.String(),
		"paused", mc.Paused,
	)
	e.record(queueName, "", mc.Interface, audit.TagAddMember, pausedNote)
	e.publish(events.KindMemberAdded, map[string]string{
		"queue":      queueName,
		"interface":  mc.Interface,
		"name":       mc.DisplayName,
		"penalty":    strconv.Itoa(mc.Penalty),
		"paused":     strconv.FormatBool(mc.Paused),
		"provenance": prov.String(),
	})
	if prov == ProvenanceDynamic {
		e.persistDynamicMembers(q)
	}
	return nil
}

// newMember builds a Member, acquiring its shared device record.
func (e *Engine) newMember(mc MemberConfig, prov Provenance) *Member {
	m := &Member{
		iface:       mc.Interface,
		displayName: mc.DisplayName,
		stateKey:    mc.StateKey,
		penalty:     mc.Penalty,
		paused:      mc.Paused,
		ringInUse:   mc.RingInUse,
		provenance:  prov,
		realtimeUID: mc.RealtimeUID,
	}
	if m.stateKey == "" {
		m.stateKey = mc.Interface
	}
	if e.devices != nil {
		m.dev = e.devices.Acquire(m.stateKey)
	}
	return m
}

// releaseMemberDevice drops the member's device reference.
func (e *Engine) releaseMemberDevice(m *Member) {
	if e.devices != nil {
		e.devices.Release(m.Device())
	}
}

// RemoveMember unregisters a member from a queue.
func (e *Engine) RemoveMember(queueName, iface string) error {
	q := e.FindQueue(queueName)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	m := q.data.removeMember(iface)
	if m == nil {
		return fmt.Errorf("%w: %s in %s", ErrNoMember, iface, queueName)
	}
	e.releaseMemberDevice(m)

	e.logger.Info("member removed", "queue", queueName, "interface", iface)
	e.record(queueName, "", iface, audit.TagRemoveMember)
	e.publish(events.KindMemberRemoved, map[string]string{
		"queue":     queueName,
		"interface": iface,
	})
	if m.Provenance() == ProvenanceDynamic {
		e.persistDynamicMembers(q)
	}
	return nil
}

// PauseMember sets the paused flag on a member, in one queue or in every
// queue containing the interface when queueName is empty.
func (e *Engine) PauseMember(queueName, iface string, paused bool, reason string) error {
	if queueName != "" {
		q := e.FindQueue(queueName)
		if q == nil {
			return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
		}
		tag := audit.TagUnpause
		if paused {
			tag = audit.TagPause
		}
		if !e.pauseIn(q, iface, paused, reason, tag) {
			return fmt.Errorf("%w: %s in %s", ErrNoMember, iface, queueName)
		}
		return nil
	}

	tag := audit.TagUnpauseAll
	if paused {
		tag = audit.TagPauseAll
	}
	e.record("", "", iface, tag, reason)
	found := false
	for _, q := range e.queueList() {
		perQueueTag := audit.TagUnpause
		if paused {
			perQueueTag = audit.TagPause
		}
		if e.pauseIn(q, iface, paused, reason, perQueueTag) {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNoMember, iface)
	}
	return nil
}

// pauseIn applies the pause flag inside one queue, with log, audit, event
// and persistence side effects. It reports whether the member exists.
func (e *Engine) pauseIn(q *Queue, iface string, paused bool, reason, tag string) bool {
	m := q.data.memberByInterface(iface)
	if m == nil {
		return false
	}
	if !m.SetPaused(paused, reason) {
		return true
	}

	e.logger.Info("member pause changed",
		"queue", q.Name(),
		"interface", iface,
		"paused", paused,
		"reason", reason,
	)
	e.record(q.Name(), "", iface, tag, reason)
	e.publish(events.KindMemberPaused, map[string]string{
		"queue":     q.Name(),
		"interface": iface,
		"paused":    strconv.FormatBool(paused),
		"reason":    reason,
	})
	if m.Provenance() == ProvenanceDynamic && q.Config().Persist {
		e.persistDynamicMembers(q)
	}
	return true
}

// SetPenalty updates a member's penalty. Negative penalties are rejected
// here; only configuration may mark a member invalid.
func (e *Engine) SetPenalty(queueName, iface string, penalty int) error {
	if penalty < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPenalty, penalty)
	}
	q := e.FindQueue(queueName)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	m := q.data.memberByInterface(iface)
	if m == nil {
		return fmt.Errorf("%w: %s in %s", ErrNoMember, iface, queueName)
	}
	m.SetPenalty(penalty)

	e.logger.Info("member penalty changed",
		"queue", queueName,
		"interface", iface,
		"penalty", penalty,
	)
	e.record(queueName, "", iface, audit.TagPenalty, strconv.Itoa(penalty))
	e.publish(events.KindMemberPenalty, map[string]string{
		"queue":     queueName,
		"interface": iface,
		"penalty":   strconv.Itoa(penalty),
	})
	if m.Provenance() == ProvenanceDynamic && q.Config().Persist {
		e.persistDynamicMembers(q)
	}
	return nil
}

// SetRingInUse updates a member's permission to be dialed while its
// device is in use.
func (e *Engine) SetRingInUse(queueName, iface string, ringInUse bool) error {
	q := e.FindQueue(queueName)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	m := q.data.memberByInterface(iface)
	if m == nil {
		return fmt.Errorf("%w: %s in %s", ErrNoMember, iface, queueName)
	}
	m.SetRingInUse(ringInUse)
	e.logger.Info("member ringinuse changed",
		"queue", queueName,
		"interface", iface,
		"ringinuse", ringInUse,
	)
	if m.Provenance() == ProvenanceDynamic && q.Config().Persist {
		e.persistDynamicMembers(q)
	}
	return nil
}

// ResetStats clears a queue's statistics.
func (e *Engine) ResetStats(queueName string) error {
	q := e.FindQueue(queueName)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	q.data.resetStats()
	e.logger.Info("queue stats reset", "queue", queueName)
	return nil
}

// UpdateRealtimeMembers reconciles a queue's realtime members against the
// current backing rows: new rows are added, vanished rows removed, and
// unchanged rows left alone without spurious events.
func (e *Engine) UpdateRealtimeMembers(queueName string, mcs []MemberConfig) error {
	q := e.FindQueue(queueName)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, queueName)
	}
	seen := make(map[string]bool, len(mcs))
	for _, mc := range mcs {
		if mc.RealtimeUID != "" && seen[mc.RealtimeUID] {
			return fmt.Errorf("duplicate realtime uniqueid %q in %s", mc.RealtimeUID, queueName)
		}
		seen[mc.RealtimeUID] = true
	}
	e.reconcileMembers(q, mcs, ProvenanceRealtime)
	return nil
}

// reconcileMembers replaces the subset of a queue's members with the
// given provenance: mark existing ones dead, upsert the new set (clearing
// the flag on survivors), then sweep whatever stayed dead.
func (e *Engine) reconcileMembers(q *Queue, mcs []MemberConfig, prov Provenance) {
	for _, m := range q.data.memberList() {
		if m.Provenance() == prov {
			m.markDead(true)
		}
	}

	for _, mc := range mcs {
		if mc.Interface == "" {
			e.logger.Warn("skipping member with empty interface", "queue", q.Name())
			continue
		}
		if existing := q.data.memberByInterface(mc.Interface); existing != nil && existing.Provenance() == prov {
			existing.markDead(false)
			existing.SetPenalty(mc.Penalty)
			existing.SetRingInUse(mc.RingInUse)
			continue
		}
		if err := e.AddMember(q.Name(), mc, prov); err != nil {
			e.logger.Warn("reconcile add failed",
				"queue", q.Name(),
				"interface", mc.Interface,
				"error", err,
			)
		}
	}

	for _, m := range q.data.memberList() {
		if m.Provenance() == prov && m.isDead() {
			if err := e.RemoveMember(q.Name(), m.Interface()); err != nil {
				e.logger.Warn("reconcile remove failed",
					"queue", q.Name(),
					"interface", m.Interface(),
					"error", err,
				)
			}
		}
	}
}

// autopause pauses a member that failed to answer, per the queue policy.
func (e *Engine) autopause(q *Queue, m *Member) {
	switch q.Config().Autopause {
	case AutopauseOff:
		return
	case AutopauseYes:
		e.pauseIn(q, m.Interface(), true, "Auto-Pause", audit.TagPause)
	case AutopauseAll:
		if err := e.PauseMember("", m.Interface(), true, "Auto-Pause"); err != nil {
			e.logger.Warn("autopause all failed",
				"interface", m.Interface(),
				"error", err,
			)
		}
	}
}

// handleDeviceChange runs on the device registry's fan-out goroutine: it
// propagates a status change to every member referencing the key, in
// every queue that has not masked status events.
func (e *Engine) handleDeviceChange(key string, st device.Status) {
	for _, q := range e.queueList() {
		if q.Config().MaskMemberStatus {
			continue
		}
		for _, m := range q.data.memberList() {
			if m.StateKey() != key {
				continue
			}
			paused, _ := m.Paused()
			e.logger.Debug("member device status",
				"queue", q.Name(),
				"interface", m.Interface(),
				"status", st.String(),
			)
			e.publish(events.KindMemberStatus, map[string]string{
				"queue":     q.Name(),
				"interface": m.Interface(),
				"status":    st.String(),
				"paused":    strconv.FormatBool(paused),
				"penalty":   strconv.Itoa(m.Penalty()),
			})
		}
	}
}

// LogCustom writes a caller-supplied audit record, for the management
// surface's "queue log" command.
func (e *Engine) LogCustom(queueName, callerUID, agent, tag string, extras ...string) {
	e.record(queueName, callerUID, agent, tag, extras...)
}
