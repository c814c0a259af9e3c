package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Call status values mirrored from provider executions.
const (
	CallInitiated = "initiated"
	CallCompleted = "completed"
	CallFailed    = "failed"
)

type Call struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	LeadID          string    `json:"lead_id,omitempty"`
	QueueItemID     string    `json:"queue_item_id,omitempty"`
	AgentID         string    `json:"agent_id"`
	ExecutionID     string    `json:"execution_id,omitempty"`
	ToNumber        string    `json:"to_number"`
	Status          string    `json:"status"`
	DurationSeconds int       `json:"duration_seconds"`
	Transcript      string    `json:"transcript,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	RecordingURL    string    `json:"recording_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const callColumns = `id, client_id, COALESCE(campaign_id, ''), COALESCE(lead_id, ''), COALESCE(queue_item_id, ''),
	agent_id, COALESCE(execution_id, ''), to_number, status, duration_seconds, transcript, summary, recording_url,
	created_at, updated_at`

func scanCall(scanFn func(dest ...any) error, c *Call) error {
	return scanFn(
		&c.ID, &c.ClientID, &c.CampaignID, &c.LeadID, &c.QueueItemID,
		&c.AgentID, &c.ExecutionID, &c.ToNumber, &c.Status, &c.DurationSeconds,
		&c.Transcript, &c.Summary, &c.RecordingURL, &c.CreatedAt, &c.UpdatedAt,
	)
}

func insertCallTx(ctx context.Context, tx *sql.Tx, c *Call, now time.Time) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CallInitiated
	}
	c.CreatedAt, c.UpdatedAt = now, now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (id, client_id, campaign_id, lead_id, queue_item_id, agent_id, execution_id,
			to_number, status, duration_seconds, transcript, summary, recording_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, c.ID, c.ClientID, nullString(c.CampaignID), nullString(c.LeadID), nullString(c.QueueItemID),
		c.AgentID, nullString(c.ExecutionID), c.ToNumber, c.Status, c.DurationSeconds,
		c.Transcript, c.Summary, c.RecordingURL, now, now); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// CreateCall records a call placed outside a campaign queue.
func (s *Store) CreateCall(ctx context.Context, c Call) (*Call, error) {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin call tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := insertCallTx(ctx, tx, &c, time.Now().UTC()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	return s.getCallWhere(ctx, `id = ?`, id)
}

func (s *Store) GetCallByExecution(ctx context.Context, executionID string) (*Call, error) {
	return s.getCallWhere(ctx, `execution_id = ?`, executionID)
}

func (s *Store) getCallWhere(ctx context.Context, where string, arg any) (*Call, error) {
	var c Call
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE `+where+`;`, arg)
	if err := scanCall(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call %v: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return &c, nil
}

// CallOutcome is the provider-reported result of an execution.
type CallOutcome struct {
	Status          string
	DurationSeconds int
	Transcript      string
	Summary         string
	RecordingURL    string
}

// UpdateCallOutcome copies a provider outcome onto the call for executionID.
// Empty fields leave the stored value unchanged.
func (s *Store) UpdateCallOutcome(ctx context.Context, executionID string, o CallOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET
			status = COALESCE(NULLIF(?, ''), status),
			duration_seconds = CASE WHEN ? > 0 THEN ? ELSE duration_seconds END,
			transcript = COALESCE(NULLIF(?, ''), transcript),
			summary = COALESCE(NULLIF(?, ''), summary),
			recording_url = COALESCE(NULLIF(?, ''), recording_url),
			updated_at = ?
		WHERE execution_id = ?;
	`, o.Status, o.DurationSeconds, o.DurationSeconds, o.Transcript, o.Summary, o.RecordingURL,
		time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("update call outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("call for execution %s: %w", executionID, ErrNotFound)
	}
	return nil
}

type CallFilter struct {
	ClientID   string
	CampaignID string
	Since      time.Time
	Limit      int
}

// ListCalls returns calls newest first.
func (s *Store) ListCalls(ctx context.Context, f CallFilter) ([]Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE 1=1`
	var args []any
	if f.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID)
	}
	if f.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, f.CampaignID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		var c Call
		if err := scanCall(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type CallStats struct {
	Total         int `json:"total"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	InProgress    int `json:"in_progress"`
	TotalDuration int `json:"total_duration_seconds"`
}

// CallStatsSince aggregates calls created at or after since. An empty
// clientID spans all clients.
func (s *Store) CallStatsSince(ctx context.Context, clientID string, since time.Time) (CallStats, error) {
	var st CallStats
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status NOT IN ('completed', 'failed') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration_seconds), 0)
		FROM calls WHERE created_at >= ?`
	args := []any{since.UTC()}
	if clientID != "" {
		query += ` AND client_id = ?`
		args = append(args, clientID)
	}
	if err := s.db.QueryRowContext(ctx, query+`;`, args...).Scan(
		&st.Total, &st.Completed, &st.Failed, &st.InProgress, &st.TotalDuration,
	); err != nil {
		return st, fmt.Errorf("call stats: %w", err)
	}
	return st, nil
}

type Task struct {
	ID         string    `json:"id"`
	EngineerID string    `json:"engineer_id"`
	ClientID   string    `json:"client_id,omitempty"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) CreateTask(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, engineer_id, client_id, title, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, t.ID, t.EngineerID, nullString(t.ClientID), t.Title, t.Status, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// ListTasks returns tasks of one engineer, or all tasks for an empty id.
func (s *Store) ListTasks(ctx context.Context, engineerID string) ([]Task, error) {
	query := `SELECT id, engineer_id, COALESCE(client_id, ''), title, status, created_at FROM tasks`
	var args []any
	if engineerID != "" {
		query += ` WHERE engineer_id = ?`
		args = append(args, engineerID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at DESC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.EngineerID, &t.ClientID, &t.Title, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type DemoCall struct {
	ID           string    `json:"id"`
	EngineerID   string    `json:"engineer_id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Status       string    `json:"status"`
	Transcript   string    `json:"transcript,omitempty"`
	RecordingURL string    `json:"recording_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) CreateDemoCall(ctx context.Context, d DemoCall) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = "scheduled"
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO demo_calls (id, engineer_id, name, phone, status, transcript, recording_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, d.ID, d.EngineerID, d.Name, d.Phone, d.Status, d.Transcript, d.RecordingURL, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert demo call: %w", err)
	}
	return d.ID, nil
}

// ListDemoCalls returns demo calls of one engineer, or all for an empty id.
func (s *Store) ListDemoCalls(ctx context.Context, engineerID string) ([]DemoCall, error) {
	query := `SELECT id, engineer_id, name, phone, status, transcript, recording_url, created_at FROM demo_calls`
	var args []any
	if engineerID != "" {
		query += ` WHERE engineer_id = ?`
		args = append(args, engineerID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at DESC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list demo calls: %w", err)
	}
	defer rows.Close()
	var out []DemoCall
	for rows.Next() {
		var d DemoCall
		if err := rows.Scan(&d.ID, &d.EngineerID, &d.Name, &d.Phone, &d.Status, &d.Transcript, &d.RecordingURL, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan demo call: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
