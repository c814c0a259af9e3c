package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/voxdesk/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func initHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	return home
}

func TestLogWritesEntryAndCounts(t *testing.T) {
	home := initHome(t)

	denies, rejects := Count(Deny), Count(Reject)
	Log(context.Background(), Event{Decision: Deny, Action: "get-profiles", Reason: "role_not_allowed", PolicyVersion: "policy-abc", Subject: "user-1"})
	Log(context.Background(), Event{Decision: Allow, Action: "get-calls", Reason: "role_allowed", PolicyVersion: "policy-abc", Subject: "user-1"})
	Log(context.Background(), Event{Decision: Reject, Action: "policy.reload", Reason: "unknown role"})

	entries := readEntries(t, home)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	first := entries[0]
	if first["decision"] != "deny" || first["action"] != "get-profiles" || first["policy_version"] != "policy-abc" {
		t.Fatalf("first entry = %#v", first)
	}
	if got := Count(Deny) - denies; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
	if got := Count(Reject) - rejects; got != 1 {
		t.Fatalf("reject count delta = %d, want 1", got)
	}
	if Count("bogus") != 0 {
		t.Fatal("unknown decisions are not counted")
	}
}

func TestLogCarriesTraceAndRedacts(t *testing.T) {
	home := initHome(t)

	ctx := shared.WithTraceID(context.Background(), "trace-42")
	Log(ctx, Event{Decision: Deny, Action: "auth", Reason: "Bearer abcdefghijklmnopqrstuvwxyz", Subject: "anonymous"})

	entries := readEntries(t, home)
	last := entries[len(entries)-1]
	if last["trace_id"] != "trace-42" {
		t.Fatalf("trace_id = %#v", last["trace_id"])
	}
	if strings.Contains(last["reason"].(string), "abcdefghijklmnop") {
		t.Fatalf("secret leaked into audit reason: %#v", last["reason"])
	}
}

func TestLogMirrorsToDatabase(t *testing.T) {
	initHome(t)
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE audit_log (trace_id TEXT, subject TEXT, action TEXT, decision TEXT, reason TEXT, policy_version TEXT);`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	SetDB(db)
	t.Cleanup(func() { SetDB(nil) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Log(ctx, Event{Decision: Allow, Action: "stream-recording", Reason: "recording_token", Subject: "user-9"})

	var action, decision string
	if err := db.QueryRow(`SELECT action, decision FROM audit_log;`).Scan(&action, &decision); err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if action != "stream-recording" || decision != "allow" {
		t.Fatalf("row = %s/%s", action, decision)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := initHome(t)
	path := filepath.Join(home, "logs", "audit.jsonl")

	Log(context.Background(), Event{Decision: Allow, Action: "op1"})
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	Log(context.Background(), Event{Decision: Deny, Action: "op2"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("file did not grow: before=%d after=%d", info1.Size(), info2.Size())
	}
	entries := readEntries(t, home)
	if entries[1]["action"] != "op2" {
		t.Fatalf("entries out of order: %#v", entries)
	}
}
