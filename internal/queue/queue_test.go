package queue

import (
	"testing"
	"time"
)

func TestParseConditionMask(t *testing.T) {
	tests := []struct {
		in      string
		want    ConditionMask
		wantErr bool
	}{
		{"", 0, false},
		{"no", 0, false},
		{"yes", ConditionMask(CondPenalty | CondPaused | CondInvalid | CondUnavailable), false},
		{"strict", ConditionMask(CondPenalty | CondPaused | CondInvalid | CondUnavailable), false},
		{"loose", ConditionMask(CondPenalty | CondInvalid), false},
		{"paused,inuse", ConditionMask(CondPaused | CondInUse), false},
		{"ringing, wrapup", ConditionMask(CondRinging | CondWrapup), false},
		{"unavailable,unknown,invalid,penalty", ConditionMask(CondUnavailable | CondUnknown | CondInvalid | CondPenalty), false},
		{"bogus", 0, true},
		{"paused,bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseConditionMask(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseConditionMask(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseConditionMask(%q) = %b, want %b", tt.in, got, tt.want)
		}
	}
}

func TestParseAutopauseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AutopauseMode
		wantErr bool
	}{
		{"", AutopauseOff, false},
		{"no", AutopauseOff, false},
		{"yes", AutopauseYes, false},
		{"all", AutopauseAll, false},
		{"maybe", AutopauseOff, true},
	}
	for _, tt := range tests {
		got, err := ParseAutopauseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAutopauseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseAutopauseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"", StrategyRingAll},
		{"ringall", StrategyRingAll},
		{"leastrecent", StrategyLeastRecent},
		{"fewestcalls", StrategyFewestCalls},
		{"random", StrategyRandom},
		{"rrmemory", StrategyRRMemory},
		{"roundrobin", StrategyRRMemory},
		{"linear", StrategyLinear},
		{"wrandom", StrategyWeightedRandom},
		{"rrordered", StrategyRROrdered},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if err != nil {
			t.Errorf("ParseStrategy(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if tt.in != "" && tt.in != "roundrobin" && got.String() != tt.in {
			t.Errorf("Strategy(%v).String() = %q, want %q", got, got.String(), tt.in)
		}
	}
	if _, err := ParseStrategy("fancy"); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestRecordCompletedMovingAverage(t *testing.T) {
	d := newQueueData("q")

	// new = (3*old + sample) / 4, starting from zero.
	d.recordCompleted(40*time.Second, 100*time.Second, true)
	if st := d.stats(); st.Holdtime != 10 || st.Talktime != 25 {
		t.Errorf("after first call holdtime=%d talktime=%d, want 10 25", st.Holdtime, st.Talktime)
	}
	d.recordCompleted(40*time.Second, 100*time.Second, false)
	st := d.stats()
	if st.Holdtime != 17 { // (3*10 + 40) / 4
		t.Errorf("holdtime = %d, want 17", st.Holdtime)
	}
	if st.Completed != 2 || st.CompletedInSL != 1 {
		t.Errorf("completed=%d inSL=%d, want 2 1", st.Completed, st.CompletedInSL)
	}
}

func newListCaller(d *queueData, uid string, prio int) *Caller {
	return &Caller{UID: uid, data: d, prio: prio}
}

func callerOrder(d *queueData) []string {
	d.listMu.Lock()
	defer d.listMu.Unlock()
	out := make([]string, len(d.callers))
	for i, c := range d.callers {
		out[i] = c.UID
	}
	return out
}

func TestInsertCallerPriorityOrdering(t *testing.T) {
	d := newQueueData("q")
	a := newListCaller(d, "a", 0)
	b := newListCaller(d, "b", 0)
	hi := newListCaller(d, "hi", 5)

	d.insertCaller(a, 0)
	d.insertCaller(b, 0)
	d.insertCaller(hi, 0)

	got := callerOrder(d)
	want := []string{"hi", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if hi.Position() != 1 || a.Position() != 2 || b.Position() != 3 {
		t.Errorf("positions = %d %d %d, want 1 2 3", hi.Position(), a.Position(), b.Position())
	}
	if hi.origPos != 1 {
		t.Errorf("origPos = %d, want 1", hi.origPos)
	}
}

func TestInsertCallerRequestedPosition(t *testing.T) {
	d := newQueueData("q")
	d.insertCaller(newListCaller(d, "a", 0), 0)
	d.insertCaller(newListCaller(d, "b", 0), 0)
	d.insertCaller(newListCaller(d, "c", 0), 0)

	// Requested position 2 lands between a and b.
	jump := newListCaller(d, "jump", 0)
	d.insertCaller(jump, 2)
	got := callerOrder(d)
	want := []string{"a", "jump", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// A requested position never jumps ahead of higher priority.
	d2 := newQueueData("q2")
	d2.insertCaller(newListCaller(d2, "vip", 9), 0)
	sneak := newListCaller(d2, "sneak", 0)
	d2.insertCaller(sneak, 1)
	if got := callerOrder(d2); got[0] != "vip" || got[1] != "sneak" {
		t.Errorf("order = %v, want vip first", got)
	}
}

func TestReinsertPreservesOrigPos(t *testing.T) {
	d := newQueueData("q")
	a := newListCaller(d, "a", 0)
	b := newListCaller(d, "b", 0)
	d.insertCaller(a, 0)
	d.insertCaller(b, 0)
	if b.origPos != 2 {
		t.Fatalf("origPos = %d, want 2", b.origPos)
	}

	// Pulled out and re-queued at the head, as after a winning member
	// hangs up before the bridge, the caller keeps its joining position.
	d.removeCaller(b)
	d.insertCaller(b, 1)
	if b.Position() != 1 {
		t.Errorf("position after re-insert = %d, want 1", b.Position())
	}
	if b.origPos != 2 {
		t.Errorf("origPos after re-insert = %d, want 2", b.origPos)
	}
}

func TestRemoveCallerRenumbers(t *testing.T) {
	d := newQueueData("q")
	a := newListCaller(d, "a", 0)
	b := newListCaller(d, "b", 0)
	c := newListCaller(d, "c", 0)
	d.insertCaller(a, 0)
	d.insertCaller(b, 0)
	d.insertCaller(c, 0)

	if !d.removeCaller(b) {
		t.Fatal("removeCaller returned false for present caller")
	}
	if d.removeCaller(b) {
		t.Error("removeCaller returned true for absent caller")
	}
	if a.Position() != 1 || c.Position() != 2 {
		t.Errorf("positions after remove = %d %d, want 1 2", a.Position(), c.Position())
	}
	if d.waitingCount() != 2 {
		t.Errorf("waitingCount = %d, want 2", d.waitingCount())
	}
	if d.callerIndex(c) != 2 {
		t.Errorf("callerIndex(c) = %d, want 2", d.callerIndex(c))
	}
	if d.callerIndex(b) != 0 {
		t.Errorf("callerIndex(removed) = %d, want 0", d.callerIndex(b))
	}
}

func TestProvenanceOverrides(t *testing.T) {
	tests := []struct {
		newer, older Provenance
		want         bool
	}{
		{ProvenanceStatic, ProvenanceStatic, true},
		{ProvenanceStatic, ProvenanceRealtime, true},
		{ProvenanceStatic, ProvenanceDynamic, true},
		{ProvenanceRealtime, ProvenanceStatic, false},
		{ProvenanceRealtime, ProvenanceRealtime, true},
		{ProvenanceRealtime, ProvenanceDynamic, true},
		{ProvenanceDynamic, ProvenanceStatic, false},
		{ProvenanceDynamic, ProvenanceRealtime, false},
		{ProvenanceDynamic, ProvenanceDynamic, false},
	}
	for _, tt := range tests {
		if got := tt.newer.overrides(tt.older); got != tt.want {
			t.Errorf("%v overrides %v = %v, want %v", tt.newer, tt.older, got, tt.want)
		}
	}
}

func TestMemberWrapup(t *testing.T) {
	m := &Member{iface: "loop/a"}
	now := time.Now()
	if m.inWrapup(now) {
		t.Error("fresh member in wrapup")
	}
	m.CompleteCall(now, 30*time.Second)
	if !m.inWrapup(now.Add(10 * time.Second)) {
		t.Error("member not in wrapup inside the window")
	}
	if m.inWrapup(now.Add(31 * time.Second)) {
		t.Error("member still in wrapup after the window")
	}
	if m.Calls() != 1 {
		t.Errorf("calls = %d, want 1", m.Calls())
	}
}
