package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/voxdesk/internal/audit"
	"github.com/basket/voxdesk/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "vx-v1-2026-03-02-campaign-queue"

	// v2 adds queue_events for status stream resync and policy_versions.
	schemaVersionV2  = 2
	schemaChecksumV2 = "vx-v2-2026-04-18-queue-events"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
		if maxVersion == schemaVersionLatest {
			return tx.Commit()
		}
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Log(ctx, audit.Event{
		Decision: audit.Allow,
		Action:   "data.migration",
		Reason:   "migration_applied",
		Subject:  fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest),
	})
	return nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		credits INTEGER NOT NULL DEFAULT 0 CHECK(credits >= 0),
		parent_client_id TEXT REFERENCES profiles(id),
		engineer_id TEXT REFERENCES profiles(id),
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK(role IN ('admin', 'engineer', 'client', 'telecaller', 'monitoring', 'lead_manager')),
		PRIMARY KEY (user_id, role)
	);`,
	`CREATE TABLE IF NOT EXISTS auth_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		label TEXT NOT NULL DEFAULT '',
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES profiles(id),
		name TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'running', 'paused', 'completed')),
		concurrency_level INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS campaign_leads (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		assigned_to TEXT REFERENCES profiles(id),
		status TEXT NOT NULL DEFAULT 'new',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS campaign_call_queue (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		lead_id TEXT NOT NULL REFERENCES campaign_leads(id),
		client_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK(status IN ('pending', 'in_progress', 'completed', 'failed', 'retry_pending', 'max_retries_reached', 'cancelled')),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		execution_id TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS queue_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		campaign_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		campaign_id TEXT,
		lead_id TEXT,
		queue_item_id TEXT,
		agent_id TEXT NOT NULL,
		execution_id TEXT UNIQUE,
		to_number TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'initiated',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		transcript TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		recording_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		engineer_id TEXT NOT NULL REFERENCES profiles(id),
		client_id TEXT REFERENCES profiles(id),
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'in_progress', 'done')),
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS demo_calls (
		id TEXT PRIMARY KEY,
		engineer_id TEXT NOT NULL REFERENCES profiles(id),
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		transcript TEXT NOT NULL DEFAULT '',
		recording_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		policy_version TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS policy_versions (
		policy_version TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		loaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	// At most one active row per lead in a campaign. Inserts and retries use
	// OR IGNORE so a conflicting row is skipped instead of failing the batch.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_lead ON campaign_call_queue(campaign_id, lead_id)
		WHERE status IN ('pending', 'in_progress', 'retry_pending');`,
	`CREATE INDEX IF NOT EXISTS idx_queue_claim ON campaign_call_queue(campaign_id, status, priority DESC, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_execution ON campaign_call_queue(execution_id);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_events_campaign ON queue_events(campaign_id, event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_leads_campaign ON campaign_leads(campaign_id);`,
	`CREATE INDEX IF NOT EXISTS idx_leads_assigned ON campaign_leads(assigned_to);`,
	`CREATE INDEX IF NOT EXISTS idx_calls_client_time ON calls(client_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_client ON campaigns(client_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_engineer ON tasks(engineer_id);`,
	`CREATE INDEX IF NOT EXISTS idx_demo_calls_engineer ON demo_calls(engineer_id);`,
	`CREATE INDEX IF NOT EXISTS idx_auth_tokens_user ON auth_tokens(user_id);`,
}

// RecordPolicyVersion stores the version of a policy snapshot that became active.
func (s *Store) RecordPolicyVersion(ctx context.Context, policyVersion, checksum, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (policy_version, checksum, loaded_at, source)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(policy_version) DO UPDATE SET loaded_at = CURRENT_TIMESTAMP, source = excluded.source;
	`, policyVersion, checksum, source)
	if err != nil {
		return fmt.Errorf("record policy version: %w", err)
	}
	return nil
}

type RetentionResult struct {
	PurgedQueueEvents int64 `json:"purged_queue_events"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
}

// RunRetention deletes queue events and audit rows older than the given
// windows. A window of zero keeps everything.
func (s *Store) RunRetention(ctx context.Context, queueEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if queueEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -queueEventDays)
		// Keep the newest event of every campaign so stream high-water marks survive.
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM queue_events
			WHERE created_at < ?
			  AND event_id NOT IN (SELECT MAX(event_id) FROM queue_events GROUP BY campaign_id);
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge queue_events: %w", err)
		}
		result.PurgedQueueEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination %s already exists", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
