package queue

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/flowpbx/flowqueue/internal/events"
)

// MemberSnapshot is the read-side view of one member.
type MemberSnapshot struct {
	Interface   string    `json:"interface"`
	DisplayName string    `json:"display_name,omitempty"`
	StateKey    string    `json:"state_key"`
	Penalty     int       `json:"penalty"`
	Calls       int       `json:"calls"`
	LastCall    time.Time `json:"last_call,omitempty"`
	Paused      bool      `json:"paused"`
	PauseReason string    `json:"pause_reason,omitempty"`
	RingInUse   bool      `json:"ring_in_use"`
	Provenance  string    `json:"provenance"`
	Status      string    `json:"status"`
	InWrapup    bool      `json:"in_wrapup"`
}

// CallerSnapshot is the read-side view of one waiting caller.
type CallerSnapshot struct {
	UID      string        `json:"uid"`
	Channel  string        `json:"channel"`
	Position int           `json:"position"`
	Priority int           `json:"priority"`
	Wait     time.Duration `json:"wait"`
	CallerID string        `json:"caller_id,omitempty"`
}

// Snapshot is a point-in-time view of one queue.
type Snapshot struct {
	Name          string           `json:"name"`
	Strategy      string           `json:"strategy"`
	Weight        int              `json:"weight"`
	MaxLen        int              `json:"max_len"`
	Count         int              `json:"count"`
	Holdtime      int              `json:"holdtime"`
	Talktime      int              `json:"talktime"`
	Completed     int              `json:"completed"`
	CompletedInSL int              `json:"completed_in_sl"`
	Abandoned     int              `json:"abandoned"`
	Available     int              `json:"available"`
	Members       []MemberSnapshot `json:"members"`
	Callers       []CallerSnapshot `json:"callers"`
}

// Snapshot builds the read-side view of one queue.
func (e *Engine) Snapshot(name string) (*Snapshot, error) {
	q := e.FindQueue(name)
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoQueue, name)
	}
	return e.snapshotQueue(q), nil
}

// Snapshots builds views of every queue, ordered by name.
func (e *Engine) Snapshots() []*Snapshot {
	queues := e.queueList()
	out := make([]*Snapshot, 0, len(queues))
	for _, q := range queues {
		out = append(out, e.snapshotQueue(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) snapshotQueue(q *Queue) *Snapshot {
	cfg := q.Config()
	st := q.data.stats()
	now := e.now()

	s := &Snapshot{
		Name:          cfg.Name,
		Strategy:      cfg.Strategy.String(),
		Weight:        cfg.Weight,
		MaxLen:        cfg.MaxLen,
		Count:         st.Count,
		Holdtime:      st.Holdtime,
		Talktime:      st.Talktime,
		Completed:     st.Completed,
		CompletedInSL: st.CompletedInSL,
		Abandoned:     st.Abandoned,
		Available:     e.availableMembers(q),
	}

	for _, m := range q.data.memberList() {
		paused, reason := m.Paused()
		last, _ := m.LastCall()
		s.Members = append(s.Members, MemberSnapshot{
			Interface:   m.Interface(),
			DisplayName: m.DisplayName(),
			StateKey:    m.StateKey(),
			Penalty:     m.Penalty(),
			Calls:       m.Calls(),
			LastCall:    last,
			Paused:      paused,
			PauseReason: reason,
			RingInUse:   m.RingInUse(),
			Provenance:  m.Provenance().String(),
			Status:      m.EffectiveStatus().String(),
			InWrapup:    m.inWrapup(now),
		})
	}

	q.data.listMu.Lock()
	for _, c := range q.data.callers {
		s.Callers = append(s.Callers, CallerSnapshot{
			UID:      c.UID,
			Channel:  c.ch.Name(),
			Position: c.pos,
			Priority: c.prio,
			Wait:     now.Sub(c.start),
			CallerID: c.ch.CallerID().Number,
		})
	}
	q.data.listMu.Unlock()
	return s
}

// Summarize publishes a QueueSummary event for one queue.
func (e *Engine) Summarize(name string) error {
	s, err := e.Snapshot(name)
	if err != nil {
		return err
	}
	e.publish(events.KindQueueSummary, map[string]string{
		"queue":     s.Name,
		"count":     strconv.Itoa(s.Count),
		"holdtime":  strconv.Itoa(s.Holdtime),
		"talktime":  strconv.Itoa(s.Talktime),
		"completed": strconv.Itoa(s.Completed),
		"abandoned": strconv.Itoa(s.Abandoned),
		"available": strconv.Itoa(s.Available),
	})
	return nil
}
