package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	return openTestStoreWithBus(t, nil)
}

func openTestStoreWithBus(t *testing.T, b *bus.Bus) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "voxdesk.db")
	store, err := persistence.Open(dbPath, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

type fixture struct {
	clientID   string
	campaignID string
	leads      []string
}

// seedCampaign creates a client with credits, a campaign with an agent, and n leads.
func seedCampaign(t *testing.T, store *persistence.Store, n int) fixture {
	t.Helper()
	ctx := context.Background()
	clientID, err := store.CreateProfile(ctx, persistence.Profile{
		Email:    "owner@example.com",
		FullName: "Olive Owner",
		Credits:  100,
		Roles:    []string{"client"},
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	campaignID, err := store.CreateCampaign(ctx, persistence.Campaign{
		ClientID: clientID,
		Name:     "spring outreach",
		AgentID:  "agent-1",
		Status:   persistence.CampaignRunning,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	f := fixture{clientID: clientID, campaignID: campaignID}
	for i := 0; i < n; i++ {
		id, err := store.AddLead(ctx, persistence.Lead{
			CampaignID: campaignID,
			Name:       "Lead Person",
			Phone:      fmt.Sprintf("+1555000%04d", i),
		})
		if err != nil {
			t.Fatalf("add lead: %v", err)
		}
		f.leads = append(f.leads, id)
	}
	return f
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	required := []string{
		"schema_migrations", "profiles", "user_roles", "auth_tokens", "campaigns",
		"campaign_leads", "campaign_call_queue", "queue_events", "calls", "tasks",
		"demo_calls", "audit_log", "policy_versions",
	}
	for _, table := range required {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 2 || checksum == "" {
		t.Fatalf("ledger = (%d, %q), want version 2 with checksum", version, checksum)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	store, path := openTestStore(t)
	f := seedCampaign(t, store, 1)
	_ = store.Close()

	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	c, err := reopened.GetCampaign(context.Background(), f.campaignID)
	if err != nil {
		t.Fatalf("get campaign after reopen: %v", err)
	}
	if c.AgentID != "agent-1" {
		t.Fatalf("agent = %q", c.AgentID)
	}
}

func TestStore_ChecksumMismatchRejected(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_OpenEmptyPath(t *testing.T) {
	if _, err := persistence.Open("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_GetCampaignNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetCampaign(context.Background(), "missing")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_TokensLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	f := seedCampaign(t, store, 0)

	raw, err := store.IssueToken(ctx, f.clientID, "cli", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := store.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ID != f.clientID || !p.HasRole("client") {
		t.Fatalf("profile = %+v", p)
	}

	var stored string
	if err := store.DB().QueryRow(`SELECT token_hash FROM auth_tokens LIMIT 1;`).Scan(&stored); err != nil {
		t.Fatalf("read token: %v", err)
	}
	if stored == raw {
		t.Fatal("raw token stored in database")
	}

	if ok, err := store.RevokeToken(ctx, raw); err != nil || !ok {
		t.Fatalf("revoke = %v, %v", ok, err)
	}
	if _, err := store.Authenticate(ctx, raw); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("revoked token err = %v", err)
	}

	expired, err := store.IssueToken(ctx, f.clientID, "old", -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, err := store.Authenticate(ctx, expired); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expired token err = %v", err)
	}
}

func TestStore_ReserveCredits(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, err := store.CreateProfile(ctx, persistence.Profile{Email: "Low@Example.com", Credits: 2, Roles: []string{"client"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := store.ReserveCredits(ctx, id, 1)
		if err != nil || !ok {
			t.Fatalf("reserve %d = %v, %v", i, ok, err)
		}
	}
	ok, err := store.ReserveCredits(ctx, id, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("reserve should fail with zero balance")
	}
	if err := store.RefundCredits(ctx, id, 1); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got, _ := store.Credits(ctx, id); got != 1 {
		t.Fatalf("credits = %d, want 1", got)
	}

	p, err := store.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.Email != "low@example.com" {
		t.Fatalf("email not normalized: %q", p.Email)
	}
}

func TestStore_CallsAndStats(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	f := seedCampaign(t, store, 0)

	if _, err := store.CreateCall(ctx, persistence.Call{
		ClientID: f.clientID, AgentID: "agent-1", ExecutionID: "exec-1", ToNumber: "+15550001111",
	}); err != nil {
		t.Fatalf("create call: %v", err)
	}
	if err := store.UpdateCallOutcome(ctx, "exec-1", persistence.CallOutcome{
		Status: persistence.CallCompleted, DurationSeconds: 42, Transcript: "hello",
	}); err != nil {
		t.Fatalf("update outcome: %v", err)
	}
	// An empty outcome keeps what is stored.
	if err := store.UpdateCallOutcome(ctx, "exec-1", persistence.CallOutcome{}); err != nil {
		t.Fatalf("update empty outcome: %v", err)
	}
	c, err := store.GetCallByExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if c.Status != persistence.CallCompleted || c.DurationSeconds != 42 || c.Transcript != "hello" {
		t.Fatalf("call = %+v", c)
	}

	stats, err := store.CallStatsSince(ctx, f.clientID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Completed != 1 || stats.TotalDuration != 42 {
		t.Fatalf("stats = %+v", stats)
	}

	if err := store.UpdateCallOutcome(ctx, "missing", persistence.CallOutcome{Status: "failed"}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing execution err = %v", err)
	}
}

func TestStore_RetentionKeepsLatestEvent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	f := seedCampaign(t, store, 2)

	if _, err := store.InsertQueueItems(ctx, f.campaignID, f.clientID, "agent-1", []persistence.NewQueueItem{
		{LeadID: f.leads[0], Priority: 2}, {LeadID: f.leads[1], Priority: 1},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -60)
	if _, err := store.DB().Exec(`UPDATE queue_events SET created_at = ?;`, old); err != nil {
		t.Fatalf("age events: %v", err)
	}
	before, err := store.QueueCounts(ctx, f.campaignID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}

	res, err := store.RunRetention(ctx, 30, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedQueueEvents != 1 {
		t.Fatalf("purged = %d, want 1", res.PurgedQueueEvents)
	}
	after, err := store.QueueCounts(ctx, f.campaignID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if after.LastEventID != before.LastEventID {
		t.Fatalf("high-water mark moved: %d -> %d", before.LastEventID, after.LastEventID)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	seedCampaign(t, store, 1)
	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(context.Background(), dest); err == nil {
		t.Fatal("expected error when backup destination exists")
	}
}
