package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// kvMemberFamily is the KV family holding one record per queue with
// persisted dynamic members.
const kvMemberFamily = "queue_members"

// persistDynamicMembers writes the queue's dynamic members to the KV
// store, one record per queue:
//
//	interface;penalty;paused;displayname;statekey;callinuse[|...]
//
// An empty member set deletes the record. Best-effort: a store failure
// is logged, never surfaced to the management caller.
func (e *Engine) persistDynamicMembers(q *Queue) {
	if e.kv == nil || !q.Config().Persist {
		return
	}
	var parts []string
	for _, m := range q.data.memberList() {
		if m.Provenance() != ProvenanceDynamic {
			continue
		}
		paused, _ := m.Paused()
		parts = append(parts, strings.Join([]string{
			m.Interface(),
			strconv.Itoa(m.Penalty()),
			boolDigit(paused),
			m.DisplayName(),
			m.StateKey(),
			boolDigit(m.RingInUse()),
		}, ";"))
	}

	var err error
	if len(parts) == 0 {
		err = e.kv.Delete(kvMemberFamily, q.Name())
	} else {
		err = e.kv.Put(kvMemberFamily, q.Name(), strings.Join(parts, "|"))
	}
	if err != nil {
		e.logger.Warn("persisting dynamic members failed",
			"queue", q.Name(),
			"error", err,
		)
	}
}

// loadPersistedMembers restores a queue's dynamic members from the KV
// store. Unparsable entries are skipped with a warning; restoring is
// quiet otherwise, emitting no membership events.
func (e *Engine) loadPersistedMembers(q *Queue) error {
	if e.kv == nil {
		return nil
	}
	val, err := e.kv.Get(kvMemberFamily, q.Name())
	if err != nil || val == "" {
		return nil
	}

	restored := 0
	for _, rec := range strings.Split(val, "|") {
		mc, err := parseMemberRecord(rec)
		if err != nil {
			e.logger.Warn("skipping persisted member",
				"queue", q.Name(),
				"record", rec,
				"error", err,
			)
			continue
		}
		m := e.newMember(mc, ProvenanceDynamic)
		if _, changed := q.data.addMember(m); !changed {
			e.releaseMemberDevice(m)
			continue
		}
		restored++
	}
	if restored > 0 {
		e.logger.Info("restored dynamic members",
			"queue", q.Name(),
			"count", restored,
		)
	}
	return nil
}

// parseMemberRecord decodes one persisted member record.
func parseMemberRecord(rec string) (MemberConfig, error) {
	fields := strings.Split(rec, ";")
	if len(fields) < 6 {
		return MemberConfig{}, fmt.Errorf("want 6 fields, have %d", len(fields))
	}
	if fields[0] == "" {
		return MemberConfig{}, fmt.Errorf("empty interface")
	}
	penalty, err := strconv.Atoi(fields[1])
	if err != nil {
		return MemberConfig{}, fmt.Errorf("bad penalty %q: %w", fields[1], err)
	}
	return MemberConfig{
		Interface:   fields[0],
		Penalty:     penalty,
		Paused:      fields[2] == "1",
		DisplayName: fields[3],
		StateKey:    fields[4],
		RingInUse:   fields[5] == "1",
	}, nil
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
