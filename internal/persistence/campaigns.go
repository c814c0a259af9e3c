package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Campaign lifecycle values.
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

type Campaign struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	Name             string    `json:"name"`
	AgentID          string    `json:"agent_id"`
	Status           string    `json:"status"`
	ConcurrencyLevel int       `json:"concurrency_level"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Lead struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) CreateCampaign(ctx context.Context, c Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, client_id, name, agent_id, status, concurrency_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, c.ID, c.ClientID, c.Name, c.AgentID, c.Status, c.ConcurrencyLevel, now, now); err != nil {
		return "", fmt.Errorf("insert campaign: %w", err)
	}
	return c.ID, nil
}

const campaignColumns = `id, client_id, name, agent_id, status, concurrency_level, created_at, updated_at`

func scanCampaign(scanFn func(dest ...any) error, c *Campaign) error {
	return scanFn(&c.ID, &c.ClientID, &c.Name, &c.AgentID, &c.Status, &c.ConcurrencyLevel, &c.CreatedAt, &c.UpdatedAt)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?;`, id)
	if err := scanCampaign(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

// ListCampaigns returns campaigns of one client, or all campaigns for an
// empty clientID.
func (s *Store) ListCampaigns(ctx context.Context, clientID string) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY created_at DESC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		var c Campaign
		if err := scanCampaign(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetCampaignAgent(ctx context.Context, id, agentID string) error {
	return s.updateCampaign(ctx, id, `agent_id = ?`, agentID)
}

func (s *Store) SetCampaignStatus(ctx context.Context, id, status string) error {
	return s.updateCampaign(ctx, id, `status = ?`, status)
}

func (s *Store) SetCampaignConcurrency(ctx context.Context, id string, level int) error {
	return s.updateCampaign(ctx, id, `concurrency_level = ?`, level)
}

func (s *Store) updateCampaign(ctx context.Context, id, set string, value any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET `+set+`, updated_at = ? WHERE id = ?;`, value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) AddLead(ctx context.Context, l Lead) (string, error) {
	if strings.TrimSpace(l.Phone) == "" {
		return "", errors.New("lead phone is required")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = "new"
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_leads (id, campaign_id, name, phone, email, assigned_to, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, l.ID, l.CampaignID, l.Name, l.Phone, l.Email, nullString(l.AssignedTo), l.Status, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert lead: %w", err)
	}
	return l.ID, nil
}

const leadColumns = `id, campaign_id, name, phone, email, COALESCE(assigned_to, ''), status, created_at`

func scanLead(scanFn func(dest ...any) error, l *Lead) error {
	return scanFn(&l.ID, &l.CampaignID, &l.Name, &l.Phone, &l.Email, &l.AssignedTo, &l.Status, &l.CreatedAt)
}

// LeadsByID returns the leads of campaignID whose ids are in ids, keyed by id.
// Ids that do not exist or belong to another campaign are absent.
func (s *Store) LeadsByID(ctx context.Context, campaignID string, ids []string) (map[string]Lead, error) {
	out := make(map[string]Lead, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, campaignID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leadColumns+` FROM campaign_leads
		WHERE campaign_id = ? AND id IN (`+placeholders+`);
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l Lead
		if err := scanLead(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out[l.ID] = l
	}
	return out, rows.Err()
}

func (s *Store) GetLead(ctx context.Context, id string) (*Lead, error) {
	var l Lead
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM campaign_leads WHERE id = ?;`, id)
	if err := scanLead(row.Scan, &l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return &l, nil
}

// LeadFilter narrows ListLeads. Zero values match everything.
type LeadFilter struct {
	CampaignID string
	ClientID   string
	AssignedTo string
	Limit      int
}

func (s *Store) ListLeads(ctx context.Context, f LeadFilter) ([]Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM campaign_leads WHERE 1 = 1`
	var args []any
	if f.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, f.CampaignID)
	}
	if f.ClientID != "" {
		query += ` AND campaign_id IN (SELECT id FROM campaigns WHERE client_id = ?)`
		args = append(args, f.ClientID)
	}
	if f.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()
	var out []Lead
	for rows.Next() {
		var l Lead
		if err := scanLead(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) AssignLead(ctx context.Context, leadID, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaign_leads SET assigned_to = ? WHERE id = ?;`, nullString(userID), leadID)
	if err != nil {
		return fmt.Errorf("assign lead: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	return nil
}
