package audit

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, testLogger())
	l.now = func() time.Time { return time.Unix(1700000000, 0) }

	l.Record("support", "uid-1", "SIP/alice", TagConnect, "12", "chan-9")
	want := "1700000000|uid-1|support|SIP/alice|CONNECT|12|chan-9\n"
	if got := buf.String(); got != want {
		t.Errorf("record = %q, want %q", got, want)
	}
}

func TestRecordNonePlaceholders(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, testLogger())
	l.now = func() time.Time { return time.Unix(1, 0) }

	l.Record("", "", "", TagPauseAll)
	if got := buf.String(); got != "1|NONE|NONE|NONE|PAUSEALL\n" {
		t.Errorf("record = %q", got)
	}
}

func TestRecordNoExtras(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, testLogger())
	l.Record("q", "u", "a", TagAbandon)
	if strings.Count(buf.String(), "|") != 4 {
		t.Errorf("unexpected field count in %q", buf.String())
	}
}

func TestReopenFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue_log")

	l, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer l.Close()

	l.Record("q", "u1", "", TagEnterQueue)
	rotated := filepath.Join(dir, "queue_log.1")
	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := l.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	l.Record("q", "u2", "", TagAbandon)

	fresh, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(fresh), "ABANDON") || strings.Contains(string(fresh), "ENTERQUEUE") {
		t.Errorf("post-reopen content: %q", fresh)
	}
	old, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatalf("ReadFile rotated: %v", err)
	}
	if !strings.Contains(string(old), "ENTERQUEUE") {
		t.Errorf("rotated content: %q", old)
	}
}

func TestReopenWithoutFileIsNoop(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, testLogger())
	if err := l.Reopen(); err != nil {
		t.Errorf("Reopen on writer-backed log: %v", err)
	}
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_log")

	l, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	l.Record("q", "u1", "", TagEnterQueue)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := OpenFile(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Record("q", "u2", "", TagAbandon)
	l2.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2 (append, not truncate)", len(lines))
	}
	if !strings.Contains(lines[0], "ENTERQUEUE") || !strings.Contains(lines[1], "ABANDON") {
		t.Errorf("unexpected content: %v", lines)
	}
}
