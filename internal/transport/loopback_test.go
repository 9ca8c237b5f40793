package transport

import (
	"context"
	"testing"
	"time"
)

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		in             string
		tech, location string
		ok             bool
	}{
		{"SIP/alice", "SIP", "alice", true},
		{"loop/a/b", "loop", "a/b", true},
		{"noslash", "noslash", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		tech, location, ok := SplitAddress(tt.in)
		if tech != tt.tech || location != tt.location || ok != tt.ok {
			t.Errorf("SplitAddress(%q) = %q, %q, %v, want %q, %q, %v",
				tt.in, tech, location, ok, tt.tech, tt.location, tt.ok)
		}
	}
}

func TestLoopbackRequestInheritsOriginator(t *testing.T) {
	d := NewLoopback()
	d.AddEndpoint("loop/alice")

	caller := d.NewCaller("loop/in-1", "support", PartyID{Number: "100"})
	caller.SetVariable("LANG", "de")

	ch, err := d.Request(context.Background(), "loop", "alice", caller)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if ch.Variable("LANG") != "de" {
		t.Errorf("variable not inherited: %q", ch.Variable("LANG"))
	}
	if ch.CallerID().Number != "100" {
		t.Errorf("caller id not inherited: %q", ch.CallerID().Number)
	}
	if ch.State() != StateDown {
		t.Errorf("state = %v, want down before dialing", ch.State())
	}

	if _, err := d.Request(context.Background(), "loop", "nobody", caller); err == nil {
		t.Error("request to unknown endpoint succeeded")
	}
}

func TestLoopbackScriptedAnswer(t *testing.T) {
	d := NewLoopback()
	ep := d.AddEndpoint("loop/alice")
	ep.AnswerAfter(0)

	ch, err := d.Request(context.Background(), "loop", "alice", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := d.Call(context.Background(), ch, "loop/alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	ready, _ := d.WaitFor([]Channel{ch}, time.Second)
	if ready != ch {
		t.Fatal("WaitFor did not report the answered channel")
	}
	f := d.Read(ch)
	if f == nil || f.Kind != FrameControl || f.Control != ControlAnswer {
		t.Fatalf("frame = %+v, want answer control", f)
	}
	if ch.State() != StateUp {
		t.Errorf("state = %v, want up", ch.State())
	}
}

func TestLoopbackWaitForTimeout(t *testing.T) {
	d := NewLoopback()
	d.AddEndpoint("loop/alice")
	ch, _ := d.Request(context.Background(), "loop", "alice", nil)

	start := time.Now()
	ready, _ := d.WaitFor([]Channel{ch}, 50*time.Millisecond)
	if ready != nil {
		t.Fatal("WaitFor returned a channel with nothing pending")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("WaitFor returned after %v, want ~50ms", elapsed)
	}
}

func TestLoopbackHangupDrainsFrames(t *testing.T) {
	d := NewLoopback()
	ep := d.AddEndpoint("loop/alice")
	ep.Manual()
	ch, _ := d.Request(context.Background(), "loop", "alice", nil)
	if err := d.Call(context.Background(), ch, "loop/alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	lc := ch.(*LoopChannel)
	lc.PushDTMF('5')
	d.Hangup(ch, true)

	// Queued frames remain readable after hangup, then Read returns nil.
	if f := d.Read(ch); f == nil || f.Kind != FrameControl || f.Control != ControlRinging {
		t.Fatalf("first frame = %+v, want ringing", f)
	}
	if f := d.Read(ch); f == nil || f.Kind != FrameDTMF || f.Digit != '5' {
		t.Fatalf("second frame = %+v, want dtmf 5", f)
	}
	if f := d.Read(ch); f != nil {
		t.Fatalf("frame after drain = %+v, want nil", f)
	}
	if !lc.AnsweredElsewhere() {
		t.Error("answered-elsewhere flag not recorded")
	}
	if ch.HangupCause() != 16 {
		t.Errorf("cause = %d, want 16", ch.HangupCause())
	}

	// Frames pushed after hangup are dropped.
	lc.PushDTMF('6')
	if f := d.Read(ch); f != nil {
		t.Errorf("frame pushed after hangup delivered: %+v", f)
	}
}

func TestLoopbackBridgeEndsOnHangup(t *testing.T) {
	d := NewLoopback()
	ep := d.AddEndpoint("loop/alice")
	ep.AnswerAfter(0)

	caller := d.NewCaller("loop/in-1", "support", PartyID{})
	peer, _ := d.Request(context.Background(), "loop", "alice", caller)
	if err := d.Call(context.Background(), peer, "loop/alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	done := make(chan BridgeResult, 1)
	go func() {
		res, _ := d.Bridge(context.Background(), caller, peer, BridgeConfig{})
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	caller.HangupWithCause(16)

	select {
	case res := <-done:
		if res.Transferred {
			t.Error("hangup reported as transfer")
		}
	case <-time.After(time.Second):
		t.Fatal("bridge did not end on hangup")
	}
}

func TestLoopbackBridgeTransfer(t *testing.T) {
	d := NewLoopback()
	ep := d.AddEndpoint("loop/alice")
	ep.AnswerAfter(0)

	caller := d.NewCaller("loop/in-1", "support", PartyID{})
	peer, _ := d.Request(context.Background(), "loop", "alice", caller)
	if err := d.Call(context.Background(), peer, "loop/alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	done := make(chan BridgeResult, 1)
	go func() {
		res, _ := d.Bridge(context.Background(), caller, peer, BridgeConfig{AllowTransfer: true})
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	peer.(*LoopChannel).ScriptTransfer("SIP/600")

	select {
	case res := <-done:
		if !res.Transferred || res.TransferTarget != "SIP/600" {
			t.Errorf("result = %+v, want transfer to SIP/600", res)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge did not observe the transfer")
	}
}
