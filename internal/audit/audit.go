// Package audit keeps an append-only trail of every decision applied to a task.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskvisor/internal/shared"
)

// Actions recorded in the trail.
const (
	ActionTriage    = "triage"
	ActionRuntime   = "runtime"
	ActionWatchdog  = "watchdog"
	ActionRecovery  = "recovery"
	ActionTransport = "transport"
	ActionDelete    = "delete"
	ActionStartup   = "startup"
)

// Entry is one audited decision.
type Entry struct {
	TraceID  string
	JobID    string
	Action   string
	Decision string
	Reason   string
	Edits    []string
}

type record struct {
	Timestamp string   `json:"timestamp"`
	TraceID   string   `json:"trace_id,omitempty"`
	Subject   string   `json:"subject"`
	Action    string   `json:"action"`
	Decision  string   `json:"decision"`
	Reason    string   `json:"reason"`
	Edits     []string `json:"edits,omitempty"`
}

// Log writes entries to <home>/logs/audit.jsonl and, when a database is
// attached, to the audit_log table. A nil *Log discards entries.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts map[string]int64
	now    func() time.Time
}

// Open appends to <homeDir>/logs/audit.jsonl. db may be nil.
func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{file: f, db: db, counts: make(map[string]int64), now: time.Now}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Count returns how many entries with the given decision were recorded
// since Open.
func (l *Log) Count(decision string) int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[decision]
}

// Record appends e. Reasons are redacted before they are persisted.
// Write failures are swallowed; the audit trail never blocks the worker.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	if e.TraceID == "-" {
		e.TraceID = ""
	}
	e.Reason = shared.Redact(e.Reason)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[e.Decision]++

	if l.file != nil {
		b, err := json.Marshal(record{
			Timestamp: l.now().UTC().Format(time.RFC3339Nano),
			TraceID:   e.TraceID,
			Subject:   e.JobID,
			Action:    e.Action,
			Decision:  e.Decision,
			Reason:    e.Reason,
			Edits:     e.Edits,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		reason := e.Reason
		if len(e.Edits) > 0 {
			reason += " [edits: " + strings.Join(e.Edits, ", ") + "]"
		}
		_, _ = l.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, e.TraceID, e.JobID, e.Action, e.Decision, reason)
	}
}
