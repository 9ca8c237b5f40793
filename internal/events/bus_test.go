package events

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(testLogger())
	sub, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(KindJoin, map[string]string{"queue": "support"})

	select {
	case ev := <-sub:
		if ev.Kind != KindJoin || ev.Fields["queue"] != "support" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("event not timestamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := NewBus(testLogger())
	sub, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// The second publish overflows the buffer; it must not block.
		b.Publish(KindJoin, nil)
		b.Publish(KindLeave, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	ev := <-sub
	if ev.Kind != KindJoin {
		t.Errorf("kept event = %s, want the first", ev.Kind)
	}
	select {
	case ev := <-sub:
		t.Errorf("unexpected second event %s, want drop", ev.Kind)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus(testLogger())
	sub, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-sub; ok {
		t.Error("channel still open after cancel")
	}
	// Publishing after cancel reaches no one and must not panic.
	b.Publish(KindJoin, nil)
}
