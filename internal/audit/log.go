// Package audit writes the line-oriented queue log: one record per
// significant call or membership transition, pipe-separated, append-only.
// The format is stable and consumed by external reporting tools, so fields
// are never reordered.
package audit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Tags emitted by the engine. The set is part of the log contract.
const (
	TagEnterQueue      = "ENTERQUEUE"
	TagAddMember       = "ADDMEMBER"
	TagRemoveMember    = "REMOVEMEMBER"
	TagPause           = "PAUSE"
	TagUnpause         = "UNPAUSE"
	TagPauseAll        = "PAUSEALL"
	TagUnpauseAll      = "UNPAUSEALL"
	TagPenalty         = "PENALTY"
	TagRingNoAnswer    = "RINGNOANSWER"
	TagConnect         = "CONNECT"
	TagCompleteCaller  = "COMPLETECALLER"
	TagCompleteAgent   = "COMPLETEAGENT"
	TagTransfer        = "TRANSFER"
	TagAbandon         = "ABANDON"
	TagAgentDump       = "AGENTDUMP"
	TagSysCompat       = "SYSCOMPAT"
	TagExitEmpty       = "EXITEMPTY"
	TagExitWithTimeout = "EXITWITHTIMEOUT"
	TagExitWithKey     = "EXITWITHKEY"
	TagPickup          = "PICKUP"
)

// Log is a concurrency-safe queue-log writer.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Log writing to w.
func New(w io.Writer, logger *slog.Logger) *Log {
	return &Log{
		w:      w,
		now:    time.Now,
		logger: logger.With("subsystem", "queuelog"),
	}
}

// OpenFile creates a Log appending to the file at path, creating it if
// needed.
func OpenFile(path string, logger *slog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening queue log: %w", err)
	}
	l := New(f, logger)
	l.closer = f
	l.path = path
	return l, nil
}

// Reopen closes and reopens the underlying file so an external rotation
// (rename plus SIGHUP) takes effect. It is a no-op for logs that do not
// own a file.
func (l *Log) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("reopening queue log: %w", err)
	}
	if l.closer != nil {
		l.closer.Close()
	}
	l.w = f
	l.closer = f
	l.logger.Info("queue log reopened", "path", l.path)
	return nil
}

// Record writes one entry:
//
//	epoch|caller-uid|queue|agent|TAG|extra1|extra2|...
//
// Empty caller or agent identities are written as "NONE", matching the
// historical format readers expect.
func (l *Log) Record(queue, callerUID, agent, tag string, extras ...string) {
	if callerUID == "" {
		callerUID = "NONE"
	}
	if agent == "" {
		agent = "NONE"
	}
	if queue == "" {
		queue = "NONE"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%d|%s|%s|%s|%s", l.now().Unix(), callerUID, queue, agent, tag)
	if len(extras) > 0 {
		line += "|" + strings.Join(extras, "|")
	}
	if _, err := fmt.Fprintln(l.w, line); err != nil {
		l.logger.Error("queue log write failed", "error", err)
	}
}

// Close closes the underlying file, if the log owns one.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
