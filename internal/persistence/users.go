package persistence

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Profile struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	FullName       string    `json:"full_name"`
	Phone          string    `json:"phone"`
	Credits        int       `json:"credits"`
	ParentClientID string    `json:"parent_client_id,omitempty"`
	EngineerID     string    `json:"engineer_id,omitempty"`
	Roles          []string  `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasRole reports whether the profile carries role.
func (p Profile) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OwnerClientID is the client whose data this user acts on: the user itself
// for clients, the parent client for sub-roles.
func (p Profile) OwnerClientID() string {
	if p.ParentClientID != "" {
		return p.ParentClientID
	}
	return p.ID
}

// CreateProfile inserts a profile and its roles. An empty ID is generated.
func (s *Store) CreateProfile(ctx context.Context, p Profile) (string, error) {
	if strings.TrimSpace(p.Email) == "" {
		return "", errors.New("email is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create profile tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, email, full_name, phone, credits, parent_client_id, engineer_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, p.ID, strings.ToLower(strings.TrimSpace(p.Email)), p.FullName, p.Phone, p.Credits,
			nullString(p.ParentClientID), nullString(p.EngineerID), time.Now().UTC()); err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		for _, role := range p.Roles {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?);
			`, p.ID, role); err != nil {
				return fmt.Errorf("insert role %q: %w", role, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

const profileColumns = `id, email, full_name, phone, credits,
	COALESCE(parent_client_id, ''), COALESCE(engineer_id, ''), created_at`

func scanProfile(scanFn func(dest ...any) error, p *Profile) error {
	return scanFn(&p.ID, &p.Email, &p.FullName, &p.Phone, &p.Credits,
		&p.ParentClientID, &p.EngineerID, &p.CreatedAt)
}

func (s *Store) loadRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = ? ORDER BY role;`, userID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?;`, id)
	if err := scanProfile(row.Scan, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	roles, err := s.loadRoles(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Roles = roles
	return &p, nil
}

// ProfileFilter narrows ListProfiles. Zero values match everything.
type ProfileFilter struct {
	Role       string
	EngineerID string
	Limit      int // zero means no limit
}

func (s *Store) ListProfiles(ctx context.Context, f ProfileFilter) ([]Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE 1 = 1`
	var args []any
	if f.Role != "" {
		query += ` AND id IN (SELECT user_id FROM user_roles WHERE role = ?)`
		args = append(args, f.Role)
	}
	if f.EngineerID != "" {
		query += ` AND engineer_id = ?`
		args = append(args, f.EngineerID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	var out []Profile
	for rows.Next() {
		var p Profile
		if err := scanProfile(rows.Scan, &p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range out {
		roles, err := s.loadRoles(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Roles = roles
	}
	return out, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueToken creates a bearer token for userID. Only its hash is stored.
func (s *Store) IssueToken(ctx context.Context, userID, label string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	raw := "vx_" + base64.RawURLEncoding.EncodeToString(buf)
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (token_hash, user_id, label, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, hashToken(raw), userID, label, now.Add(ttl), now); err != nil {
		return "", fmt.Errorf("insert token: %w", err)
	}
	return raw, nil
}

// Authenticate resolves a bearer token to its profile. Unknown, expired and
// revoked tokens yield ErrNotFound.
func (s *Store) Authenticate(ctx context.Context, raw string) (*Profile, error) {
	if raw == "" {
		return nil, ErrNotFound
	}
	var userID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, expires_at, revoked_at FROM auth_tokens WHERE token_hash = ?;
	`, hashToken(raw)).Scan(&userID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if revokedAt.Valid || !time.Now().UTC().Before(expiresAt) {
		return nil, ErrNotFound
	}
	return s.GetProfile(ctx, userID)
}

func (s *Store) RevokeToken(ctx context.Context, raw string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL;
	`, time.Now().UTC(), hashToken(raw))
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// AddCredits adjusts a client's credit balance by delta, which may be negative
// as long as the balance stays non-negative.
func (s *Store) AddCredits(ctx context.Context, userID string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET credits = credits + ? WHERE id = ? AND credits + ? >= 0;
	`, delta, userID, delta)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("add credits to %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *Store) Credits(ctx context.Context, userID string) (int, error) {
	var credits int
	if err := s.db.QueryRowContext(ctx, `SELECT credits FROM profiles WHERE id = ?;`, userID).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
		}
		return 0, fmt.Errorf("read credits: %w", err)
	}
	return credits, nil
}

// ReserveCredits deducts n credits if the balance allows it.
func (s *Store) ReserveCredits(ctx context.Context, clientID string, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	var reserved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE profiles SET credits = credits - ? WHERE id = ? AND credits >= ?;
		`, n, clientID, n)
		if err != nil {
			return fmt.Errorf("reserve credits: %w", err)
		}
		affected, _ := res.RowsAffected()
		reserved = affected == 1
		return nil
	})
	return reserved, err
}

// RefundCredits returns previously reserved credits.
func (s *Store) RefundCredits(ctx context.Context, clientID string, n int) error {
	if n <= 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE profiles SET credits = credits + ? WHERE id = ?;`, n, clientID)
		if err != nil {
			return fmt.Errorf("refund credits: %w", err)
		}
		return nil
	})
}
