package queue

import (
	"strings"
	"sync"
	"testing"
)

// fakeKV is an in-memory KV for persistence tests.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Put(family, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[family+"/"+key] = value
	return nil
}

func (f *fakeKV) Get(family, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[family+"/"+key], nil
}

func (f *fakeKV) Delete(family, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, family+"/"+key)
	return nil
}

func (f *fakeKV) record(queue string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[kvMemberFamily+"/"+queue]
}

func TestPersistDynamicMembers(t *testing.T) {
	kv := newFakeKV()
	e, _ := newTestEngine(t, Options{KV: kv})
	loadQueue(t, e, Config{Name: "sales", Persist: true})

	if err := e.AddMember("sales", MemberConfig{
		Interface:   "loop/alice",
		DisplayName: "Alice",
		StateKey:    "SIP/alice",
		Penalty:     2,
		RingInUse:   true,
	}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	want := "loop/alice;2;0;Alice;SIP/alice;1"
	if got := kv.record("sales"); got != want {
		t.Errorf("persisted record = %q, want %q", got, want)
	}

	// Pausing rewrites the record.
	if err := e.PauseMember("sales", "loop/alice", true, "lunch"); err != nil {
		t.Fatalf("PauseMember: %v", err)
	}
	if got := kv.record("sales"); !strings.Contains(got, ";2;1;") {
		t.Errorf("paused flag not persisted: %q", got)
	}

	// A second dynamic member joins the same record.
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/bob"}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember bob: %v", err)
	}
	if got := kv.record("sales"); !strings.Contains(got, "|loop/bob;0;0;;loop/bob;0") {
		t.Errorf("second member not appended: %q", got)
	}

	// Static members are never persisted.
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/static"}, ProvenanceStatic); err != nil {
		t.Fatalf("AddMember static: %v", err)
	}
	if strings.Contains(kv.record("sales"), "loop/static") {
		t.Error("static member leaked into persistence")
	}

	// Removing the last dynamic member deletes the record.
	if err := e.RemoveMember("sales", "loop/alice"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if err := e.RemoveMember("sales", "loop/bob"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if got := kv.record("sales"); got != "" {
		t.Errorf("record not deleted after last dynamic member: %q", got)
	}
}

func TestLoadPersistedMembers(t *testing.T) {
	kv := newFakeKV()
	kv.Put(kvMemberFamily, "sales",
		"loop/alice;2;1;Alice;SIP/alice;1|garbage-no-fields|loop/bob;0;0;;loop/bob;0")

	e, _ := newTestEngine(t, Options{KV: kv})
	q := loadQueue(t, e, Config{Name: "sales", Persist: true})

	if q.data.memberCount() != 2 {
		t.Fatalf("restored members = %d, want 2", q.data.memberCount())
	}
	alice := q.data.memberByInterface("loop/alice")
	if alice == nil {
		t.Fatal("alice not restored")
	}
	if alice.Penalty() != 2 || alice.DisplayName() != "Alice" || alice.StateKey() != "SIP/alice" || !alice.RingInUse() {
		t.Errorf("alice restored wrong: penalty=%d name=%q key=%q riu=%v",
			alice.Penalty(), alice.DisplayName(), alice.StateKey(), alice.RingInUse())
	}
	if paused, _ := alice.Paused(); !paused {
		t.Error("alice paused flag not restored")
	}
	if m := q.data.memberByInterface("loop/bob"); m == nil || m.Provenance() != ProvenanceDynamic {
		t.Error("bob not restored as dynamic")
	}
}

func TestLoadPersistedMembersSkippedWithoutPersist(t *testing.T) {
	kv := newFakeKV()
	kv.Put(kvMemberFamily, "sales", "loop/alice;0;0;;loop/alice;0")

	e, _ := newTestEngine(t, Options{KV: kv})
	q := loadQueue(t, e, Config{Name: "sales"})
	if q.data.memberCount() != 0 {
		t.Errorf("members restored into a non-persistent queue: %d", q.data.memberCount())
	}
}

func TestParseMemberRecord(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"loop/a;0;0;;loop/a;0", false},
		{"loop/a;3;1;Alice;SIP/a;1", false},
		{"", true},
		{"loop/a;0;0", true},
		{";0;0;;k;0", true},
		{"loop/a;NaN;0;;k;0", true},
	}
	for _, tt := range tests {
		_, err := parseMemberRecord(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMemberRecord(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
