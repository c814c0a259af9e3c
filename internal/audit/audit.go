// Package audit records authorization decisions to an append-only JSONL
// file and, once a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/voxdesk/internal/shared"
)

type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	// Reject marks configuration refused at load time, not a request decision.
	Reject Decision = "reject"
	Fatal  Decision = "fatal"
)

var decisions = []Decision{Allow, Deny, Reject, Fatal}

// Event is one audited decision. Reason and Subject are redacted before
// they are written.
type Event struct {
	Decision      Decision
	Action        string
	Reason        string
	PolicyVersion string
	Subject       string
}

type line struct {
	Timestamp     string   `json:"timestamp"`
	TraceID       string   `json:"trace_id,omitempty"`
	Decision      Decision `json:"decision"`
	Action        string   `json:"action"`
	Reason        string   `json:"reason"`
	PolicyVersion string   `json:"policy_version"`
	Subject       string   `json:"subject,omitempty"`
}

type recorder struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts map[Decision]*atomic.Int64
}

var rec = newRecorder()

func newRecorder() *recorder {
	r := &recorder{counts: make(map[Decision]*atomic.Int64, len(decisions))}
	for _, d := range decisions {
		r.counts[d] = new(atomic.Int64)
	}
	return r
}

// Init opens <home>/logs/audit.jsonl. Repeated calls keep the first file.
func Init(homeDir string) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	rec.file = f
	return nil
}

// SetDB mirrors subsequent events into audit_log. A nil db detaches.
func SetDB(d *sql.DB) {
	rec.mu.Lock()
	rec.db = d
	rec.mu.Unlock()
}

func Close() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.file == nil {
		return nil
	}
	err := rec.file.Close()
	rec.file = nil
	return err
}

// Count returns how many events with decision d were logged since startup.
func Count(d Decision) int64 {
	if c, ok := rec.counts[d]; ok {
		return c.Load()
	}
	return 0
}

// Log writes ev tagged with the trace id carried by ctx.
func Log(ctx context.Context, ev Event) {
	if c, ok := rec.counts[ev.Decision]; ok {
		c.Add(1)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	l := line{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       traceID,
		Decision:      ev.Decision,
		Action:        ev.Action,
		Reason:        shared.Redact(ev.Reason),
		PolicyVersion: ev.PolicyVersion,
		Subject:       shared.Redact(ev.Subject),
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.file != nil {
		if b, err := json.Marshal(l); err == nil {
			_, _ = rec.file.Write(append(b, '\n'))
		}
	}
	if rec.db != nil {
		// Detached from ctx so a cancelled request still leaves its row.
		_, _ = rec.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, l.TraceID, l.Subject, l.Action, string(l.Decision), l.Reason, l.PolicyVersion)
	}
}
