package device

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEffectiveStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		reserved  int
		active    int
		ringInUse bool
		want      Status
	}{
		{"idle", StatusNotInUse, 0, 0, false, StatusNotInUse},
		{"idle reserved", StatusNotInUse, 1, 0, false, StatusBusy},
		{"idle reserved riu", StatusNotInUse, 1, 0, true, StatusRinging},
		{"idle active", StatusNotInUse, 0, 1, false, StatusBusy},
		{"idle active riu", StatusNotInUse, 0, 1, true, StatusInUse},
		{"unknown reserved", StatusUnknown, 1, 0, false, StatusBusy},
		{"inuse clean", StatusInUse, 0, 0, false, StatusInUse},
		{"inuse reserved", StatusInUse, 1, 0, false, StatusBusy},
		{"inuse reserved riu", StatusInUse, 1, 0, true, StatusInUse},
		{"ringing active", StatusRinging, 0, 1, false, StatusBusy},
		{"unavailable stays", StatusUnavailable, 1, 1, true, StatusUnavailable},
		{"invalid stays", StatusInvalid, 0, 0, false, StatusInvalid},
	}
	for _, tt := range tests {
		d := &Device{key: "k", status: tt.status, reserved: tt.reserved, active: tt.active}
		if got := d.Effective(tt.ringInUse); got != tt.want {
			t.Errorf("%s: Effective(%v) = %v, want %v", tt.name, tt.ringInUse, got, tt.want)
		}
	}
}

func TestCounterUnderflowClamped(t *testing.T) {
	d := &Device{key: "k", status: StatusNotInUse}
	d.ReleaseReservation()
	d.RemoveActive()
	if r, a := d.Counts(); r != 0 || a != 0 {
		t.Errorf("counts = %d %d, want 0 0", r, a)
	}
	d.Reserve()
	d.Reserve()
	d.ReleaseReservation()
	if r, _ := d.Counts(); r != 1 {
		t.Errorf("reserved = %d, want 1", r)
	}
}

func TestRegistryAcquireShares(t *testing.T) {
	r := NewRegistry(testLogger())
	defer r.Close()

	a := r.Acquire("SIP/alice")
	b := r.Acquire("SIP/alice")
	if a != b {
		t.Fatal("same key produced distinct records")
	}
	if r.Lookup("SIP/alice") != a {
		t.Error("Lookup missed live record")
	}

	r.Release(a)
	if r.Lookup("SIP/alice") == nil {
		t.Error("record destroyed while a holder remains")
	}
	r.Release(b)
	if r.Lookup("SIP/alice") != nil {
		t.Error("record survived last release")
	}
	r.Release(nil) // must not panic
}

func TestSetStatusUnknownKeyIgnored(t *testing.T) {
	r := NewRegistry(testLogger())
	defer r.Close()
	r.SetStatus("SIP/ghost", StatusInUse) // no holder, no record, no panic
	if r.Lookup("SIP/ghost") != nil {
		t.Error("SetStatus created a record")
	}
}

func TestFanOutOrder(t *testing.T) {
	r := NewRegistry(testLogger())
	defer r.Close()

	got := make(chan Status, 8)
	r.OnChange(func(key string, st Status) {
		if key == "SIP/alice" {
			got <- st
		}
	})
	d := r.Acquire("SIP/alice")
	defer r.Release(d)

	want := []Status{StatusRinging, StatusInUse, StatusNotInUse}
	for _, st := range want {
		r.SetStatus("SIP/alice", st)
	}
	for i, w := range want {
		select {
		case st := <-got:
			if st != w {
				t.Fatalf("change %d = %v, want %v", i, st, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("change %d never delivered", i)
		}
	}
	if d.Status() != StatusNotInUse {
		t.Errorf("raw status = %v, want not_in_use", d.Status())
	}
}
