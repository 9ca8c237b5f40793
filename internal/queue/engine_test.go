package queue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowpbx/flowqueue/internal/device"
	"github.com/flowpbx/flowqueue/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires an engine to a loopback driver and a fresh device
// registry. The registry is closed with the test.
func newTestEngine(t *testing.T, opts Options) (*Engine, *transport.Loopback) {
	t.Helper()
	drv := transport.NewLoopback()
	devices := device.NewRegistry(testLogger())
	t.Cleanup(devices.Close)

	opts.Logger = testLogger()
	opts.Driver = drv
	opts.Devices = devices
	return New(opts), drv
}

// loadQueue loads a single queue config and returns the resolved queue.
func loadQueue(t *testing.T, e *Engine, cfg Config) *Queue {
	t.Helper()
	if err := e.LoadQueues([]Config{cfg}); err != nil {
		t.Fatalf("LoadQueues: %v", err)
	}
	q := e.FindQueue(cfg.Name)
	if q == nil {
		t.Fatalf("queue %q not found after load", cfg.Name)
	}
	return q
}

func TestAddMemberProvenancePrecedence(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})

	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err != nil {
		t.Fatalf("dynamic add: %v", err)
	}
	// A second dynamic registration of the same interface is refused.
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err == nil {
		t.Fatal("duplicate dynamic add succeeded, want ErrMemberExists")
	}
	// Realtime overrides dynamic.
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice", Penalty: 3}, ProvenanceRealtime); err != nil {
		t.Fatalf("realtime override: %v", err)
	}
	m := q.data.memberByInterface("loop/alice")
	if m.Provenance() != ProvenanceRealtime || m.Penalty() != 3 {
		t.Errorf("member = %v penalty %d, want realtime penalty 3", m.Provenance(), m.Penalty())
	}
	// Realtime does not override static.
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/bob"}, ProvenanceStatic); err != nil {
		t.Fatalf("static add: %v", err)
	}
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/bob"}, ProvenanceRealtime); err == nil {
		t.Fatal("realtime replaced static member, want refusal")
	}
	// Static overrides anything.
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice", Penalty: 9}, ProvenanceStatic); err != nil {
		t.Fatalf("static override: %v", err)
	}
	if got := q.data.memberByInterface("loop/alice").Penalty(); got != 9 {
		t.Errorf("penalty after static override = %d, want 9", got)
	}
}

func TestAddMemberValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	loadQueue(t, e, Config{Name: "sales"})

	if err := e.AddMember("nosuch", MemberConfig{Interface: "loop/x"}, ProvenanceDynamic); err == nil {
		t.Error("add to unknown queue succeeded")
	}
	if err := e.AddMember("sales", MemberConfig{}, ProvenanceDynamic); err == nil {
		t.Error("add with empty interface succeeded")
	}
}

func TestAddMemberDefaultsStateKey(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})

	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	m := q.data.memberByInterface("loop/alice")
	if m.StateKey() != "loop/alice" {
		t.Errorf("state key = %q, want interface as default", m.StateKey())
	}
	if m.Device() == nil {
		t.Error("member has no device record")
	}
}

func TestRemoveMember(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})

	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := e.RemoveMember("sales", "loop/alice"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if q.data.memberByInterface("loop/alice") != nil {
		t.Error("member still present after remove")
	}
	if err := e.RemoveMember("sales", "loop/alice"); err == nil {
		t.Error("removing absent member succeeded")
	}
}

func TestPauseMemberSingleQueue(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	if err := e.PauseMember("sales", "loop/alice", true, "lunch"); err != nil {
		t.Fatalf("PauseMember: %v", err)
	}
	paused, reason := q.data.memberByInterface("loop/alice").Paused()
	if !paused || reason != "lunch" {
		t.Errorf("paused = %v %q, want true lunch", paused, reason)
	}
	if err := e.PauseMember("sales", "loop/alice", false, ""); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if paused, _ := q.data.memberByInterface("loop/alice").Paused(); paused {
		t.Error("member still paused after unpause")
	}
	if err := e.PauseMember("sales", "loop/nosuch", true, ""); err == nil {
		t.Error("pausing absent member succeeded")
	}
}

func TestPauseMemberAllQueues(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if err := e.LoadQueues([]Config{{Name: "sales"}, {Name: "support"}}); err != nil {
		t.Fatalf("LoadQueues: %v", err)
	}
	for _, qn := range []string{"sales", "support"} {
		if err := e.AddMember(qn, MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err != nil {
			t.Fatalf("AddMember %s: %v", qn, err)
		}
	}

	if err := e.PauseMember("", "loop/alice", true, "break"); err != nil {
		t.Fatalf("PauseMember all: %v", err)
	}
	for _, qn := range []string{"sales", "support"} {
		m := e.FindQueue(qn).data.memberByInterface("loop/alice")
		if paused, _ := m.Paused(); !paused {
			t.Errorf("member not paused in %s", qn)
		}
	}
	if err := e.PauseMember("", "loop/nobody", true, ""); err == nil {
		t.Error("pausing interface in no queue succeeded")
	}
}

func TestSetPenalty(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/alice"}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	if err := e.SetPenalty("sales", "loop/alice", 7); err != nil {
		t.Fatalf("SetPenalty: %v", err)
	}
	if got := q.data.memberByInterface("loop/alice").Penalty(); got != 7 {
		t.Errorf("penalty = %d, want 7", got)
	}
	if err := e.SetPenalty("sales", "loop/alice", -1); err == nil {
		t.Error("negative penalty accepted")
	}
}

func TestResetStats(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})
	q.data.recordCompleted(20*time.Second, 60*time.Second, true)
	q.data.recordAbandoned()

	if err := e.ResetStats("sales"); err != nil {
		t.Fatalf("ResetStats: %v", err)
	}
	st := q.data.stats()
	if st.Completed != 0 || st.Abandoned != 0 || st.Holdtime != 0 || st.Talktime != 0 {
		t.Errorf("stats after reset = %+v, want zeroes", st)
	}
}

func TestLoadQueuesReloadKeepsData(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales", Members: []MemberConfig{{Interface: "loop/alice"}}})
	q.data.recordCompleted(10*time.Second, 30*time.Second, false)
	if err := e.AddMember("sales", MemberConfig{Interface: "loop/dyn"}, ProvenanceDynamic); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	// Reload with a changed strategy and a different static member set.
	reloaded := loadQueue(t, e, Config{
		Name:     "sales",
		Strategy: StrategyLeastRecent,
		Members:  []MemberConfig{{Interface: "loop/bob"}},
	})

	if reloaded.data != q.data {
		t.Fatal("reload did not share queueData")
	}
	if got := reloaded.data.stats().Completed; got != 1 {
		t.Errorf("completed after reload = %d, want 1", got)
	}
	if reloaded.Config().Strategy != StrategyLeastRecent {
		t.Error("reload did not apply new strategy")
	}
	// Static reconcile: alice removed, bob added, dynamic member survives.
	if reloaded.data.memberByInterface("loop/alice") != nil {
		t.Error("stale static member survived reload")
	}
	if reloaded.data.memberByInterface("loop/bob") == nil {
		t.Error("new static member missing after reload")
	}
	if m := reloaded.data.memberByInterface("loop/dyn"); m == nil || m.Provenance() != ProvenanceDynamic {
		t.Error("dynamic member lost on reload")
	}
}

func TestUpdateRealtimeMembersReconcile(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	q := loadQueue(t, e, Config{Name: "sales"})

	first := []MemberConfig{
		{Interface: "loop/a", RealtimeUID: "1", Penalty: 1},
		{Interface: "loop/b", RealtimeUID: "2"},
	}
	if err := e.UpdateRealtimeMembers("sales", first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if q.data.memberCount() != 2 {
		t.Fatalf("member count = %d, want 2", q.data.memberCount())
	}

	// b vanishes, a changes penalty, c appears.
	second := []MemberConfig{
		{Interface: "loop/a", RealtimeUID: "1", Penalty: 5},
		{Interface: "loop/c", RealtimeUID: "3"},
	}
	if err := e.UpdateRealtimeMembers("sales", second); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if q.data.memberByInterface("loop/b") != nil {
		t.Error("vanished realtime member survived")
	}
	if q.data.memberByInterface("loop/c") == nil {
		t.Error("new realtime member missing")
	}
	if got := q.data.memberByInterface("loop/a").Penalty(); got != 5 {
		t.Errorf("updated penalty = %d, want 5", got)
	}

	dup := []MemberConfig{
		{Interface: "loop/a", RealtimeUID: "1"},
		{Interface: "loop/b", RealtimeUID: "1"},
	}
	if err := e.UpdateRealtimeMembers("sales", dup); err == nil {
		t.Error("duplicate realtime uniqueid accepted")
	}
}

func TestRemoveQueue(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	loadQueue(t, e, Config{Name: "sales"})

	if err := e.RemoveQueue("sales"); err != nil {
		t.Fatalf("RemoveQueue: %v", err)
	}
	if e.FindQueue("sales") != nil {
		t.Error("queue still registered after remove")
	}
	if err := e.RemoveQueue("sales"); err == nil {
		t.Error("removing absent queue succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (&Config{}).Validate(); err == nil {
		t.Error("nameless queue validated")
	}
	bad := &Config{Name: "q", Members: []MemberConfig{{}}}
	if err := bad.Validate(); err == nil {
		t.Error("member with empty interface validated")
	}
	ok := &Config{Name: "q", Members: []MemberConfig{{Interface: "loop/a"}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
