package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/shared"
)

type QueueStatus string

const (
	QueuePending           QueueStatus = "pending"
	QueueInProgress        QueueStatus = "in_progress"
	QueueCompleted         QueueStatus = "completed"
	QueueFailed            QueueStatus = "failed"
	QueueRetryPending      QueueStatus = "retry_pending"
	QueueMaxRetriesReached QueueStatus = "max_retries_reached"
	QueueCancelled         QueueStatus = "cancelled"
)

// QueueStatuses lists every queue status in display order.
var QueueStatuses = []QueueStatus{
	QueuePending,
	QueueInProgress,
	QueueCompleted,
	QueueFailed,
	QueueRetryPending,
	QueueMaxRetriesReached,
	QueueCancelled,
}

// Terminal reports whether no automatic transition leaves s.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueCompleted, QueueFailed, QueueMaxRetriesReached, QueueCancelled:
		return true
	}
	return false
}

// Active reports whether s counts against the one-active-row-per-lead rule.
func (s QueueStatus) Active() bool {
	switch s {
	case QueuePending, QueueInProgress, QueueRetryPending:
		return true
	}
	return false
}

// Queue event reasons.
const (
	ReasonEnqueued       = "enqueued"
	ReasonClaimed        = "claimed"
	ReasonCallCompleted  = "call_completed"
	ReasonCallFailed     = "call_failed"
	ReasonTransientRetry = "transient_retry"
	ReasonMaxAttempts    = "max_attempts"
	ReasonManualRetry    = "manual_retry"
	ReasonCancelled      = "cancelled"
	ReasonStaleReclaim   = "stale_reclaim"
	ReasonNoCredits      = "insufficient_credits"
)

var allowedQueueTransitions = map[QueueStatus]map[QueueStatus]struct{}{
	QueuePending: {
		QueueInProgress: {},
		QueueCancelled:  {},
	},
	QueueRetryPending: {
		QueueInProgress: {},
		QueueCancelled:  {},
	},
	QueueInProgress: {
		QueueCompleted:         {},
		QueueFailed:            {},
		QueueRetryPending:      {},
		QueueMaxRetriesReached: {},
		QueuePending:           {}, // Stale or unplaced claim returned to the queue.
	},
	QueueFailed: {
		QueuePending: {}, // Manual retry only.
	},
}

// ErrIllegalTransition is returned when a requested status change is not in
// the queue state machine.
var ErrIllegalTransition = errors.New("illegal queue transition")

func canTransition(from, to QueueStatus) bool {
	next, ok := allowedQueueTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type QueueItem struct {
	ID           string      `json:"id"`
	CampaignID   string      `json:"campaign_id"`
	LeadID       string      `json:"lead_id"`
	ClientID     string      `json:"client_id"`
	AgentID      string      `json:"agent_id"`
	Priority     int         `json:"priority"`
	Status       QueueStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	ExecutionID  string      `json:"execution_id,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

const queueColumns = `id, campaign_id, lead_id, client_id, agent_id, priority, status, attempt_count,
	COALESCE(execution_id, ''), COALESCE(error_message, ''), created_at, started_at, completed_at, updated_at`

func scanQueueItem(scanFn func(dest ...any) error, item *QueueItem) error {
	var started, completed sql.NullTime
	if err := scanFn(
		&item.ID,
		&item.CampaignID,
		&item.LeadID,
		&item.ClientID,
		&item.AgentID,
		&item.Priority,
		&item.Status,
		&item.AttemptCount,
		&item.ExecutionID,
		&item.ErrorMessage,
		&item.CreatedAt,
		&started,
		&completed,
		&item.UpdatedAt,
	); err != nil {
		return err
	}
	item.StartedAt = timePtr(started)
	item.CompletedAt = timePtr(completed)
	return nil
}

// NewQueueItem is one lead to enqueue.
type NewQueueItem struct {
	LeadID   string
	Priority int
}

// Transition describes a status change and the columns it touches.
type Transition struct {
	To     QueueStatus
	Reason string

	// Claim stamps started_at, increments attempt_count and drops the
	// execution id of any earlier attempt.
	Claim bool
	// Unclaim undoes a claim that never reached the provider.
	Unclaim bool
	// Reset clears execution_id, error_message, timestamps and attempt_count.
	Reset bool

	ExecutionID  *string
	ErrorMessage *string
}

type queueChange struct {
	campaignID string
	itemID     string
	from       QueueStatus
	to         QueueStatus
	eventID    int64
}

func (s *Store) appendQueueEventTx(ctx context.Context, tx *sql.Tx, campaignID, itemID string, from, to QueueStatus, reason string, now time.Time) (int64, error) {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_events (campaign_id, item_id, state_from, state_to, reason, trace_id, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?);
	`, campaignID, itemID, string(from), string(to), reason, traceID, now)
	if err != nil {
		return 0, fmt.Errorf("insert queue_event: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) transitionQueueItemTx(
	ctx context.Context,
	tx *sql.Tx,
	itemID string,
	allowedFrom []QueueStatus,
	tr Transition,
	now time.Time,
) (queueChange, bool, error) {
	var current QueueStatus
	var campaignID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, campaign_id FROM campaign_call_queue WHERE id = ?;
	`, itemID).Scan(&current, &campaignID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queueChange{}, false, nil
		}
		return queueChange{}, false, fmt.Errorf("select queue item for transition: %w", err)
	}
	if allowedFrom != nil && !slices.Contains(allowedFrom, current) {
		return queueChange{}, false, nil
	}
	if !canTransition(current, tr.To) {
		return queueChange{}, false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, tr.To)
	}

	execValue := sql.NullString{}
	if tr.ExecutionID != nil {
		execValue = sql.NullString{Valid: true, String: *tr.ExecutionID}
	}
	errValue := sql.NullString{}
	if tr.ErrorMessage != nil {
		errValue = sql.NullString{Valid: true, String: *tr.ErrorMessage}
	}

	// OR IGNORE turns a collision on the active-lead index into a no-op.
	res, err := tx.ExecContext(ctx, `
		UPDATE OR IGNORE campaign_call_queue
		SET status = ?,
			attempt_count = CASE WHEN ? THEN 0 WHEN ? THEN attempt_count + 1 WHEN ? THEN MAX(attempt_count - 1, 0) ELSE attempt_count END,
			execution_id = CASE WHEN ? THEN NULL WHEN ? THEN ? ELSE execution_id END,
			error_message = CASE WHEN ? THEN NULL WHEN ? THEN ? ELSE error_message END,
			started_at = CASE WHEN ? THEN NULL WHEN ? THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? THEN ? ELSE NULL END,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`,
		tr.To,
		tr.Reset, tr.Claim, tr.Unclaim,
		tr.Reset || tr.Claim || tr.Unclaim, execValue.Valid, execValue.String,
		tr.Reset, errValue.Valid, errValue.String,
		tr.Reset || tr.Unclaim, tr.Claim, now,
		tr.To.Terminal(), now,
		now,
		itemID, current,
	)
	if err != nil {
		return queueChange{}, false, fmt.Errorf("update queue transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return queueChange{}, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return queueChange{}, false, nil
	}
	eventID, err := s.appendQueueEventTx(ctx, tx, campaignID, itemID, current, tr.To, tr.Reason, now)
	if err != nil {
		return queueChange{}, false, err
	}
	return queueChange{campaignID: campaignID, itemID: itemID, from: current, to: tr.To, eventID: eventID}, true, nil
}

// publishChanges announces committed changes, one event per campaign, and a
// drained event for campaigns that no longer have active rows.
func (s *Store) publishChanges(ctx context.Context, changes []queueChange) {
	if s.bus == nil || len(changes) == 0 {
		return
	}
	type agg struct {
		ev       bus.QueueChangedEvent
		terminal bool
	}
	order := []string{}
	byCampaign := map[string]*agg{}
	for _, c := range changes {
		a, ok := byCampaign[c.campaignID]
		if !ok {
			a = &agg{ev: bus.QueueChangedEvent{CampaignID: c.campaignID}}
			byCampaign[c.campaignID] = a
			order = append(order, c.campaignID)
		}
		a.ev.Count++
		if c.eventID > a.ev.EventID {
			a.ev.EventID = c.eventID
		}
		a.ev.ItemID, a.ev.FromStatus, a.ev.ToStatus = c.itemID, string(c.from), string(c.to)
		if c.to.Terminal() {
			a.terminal = true
		}
	}
	for _, campaignID := range order {
		a := byCampaign[campaignID]
		if a.ev.Count > 1 {
			a.ev.ItemID, a.ev.FromStatus = "", ""
		}
		s.bus.Publish(bus.QueueTopic(campaignID), a.ev)
		if !a.terminal {
			continue
		}
		counts, err := s.QueueCounts(ctx, campaignID)
		if err != nil || counts.ActiveCount() > 0 {
			continue
		}
		s.bus.Publish(bus.TopicCampaignDrained, bus.CampaignDrainedEvent{
			CampaignID: campaignID,
			Completed:  counts.Counts[QueueCompleted],
			Failed:     counts.Counts[QueueFailed] + counts.Counts[QueueMaxRetriesReached],
			Total:      counts.Total,
		})
	}
}

// InsertQueueItems inserts one pending row per item in a single transaction.
// Items whose lead already has an active row are skipped. The inserted rows
// are returned in input order.
func (s *Store) InsertQueueItems(ctx context.Context, campaignID, clientID, agentID string, items []NewQueueItem) ([]QueueItem, error) {
	var inserted []QueueItem
	var changes []queueChange
	err := retryOnBusy(ctx, 5, func() error {
		inserted, changes = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		for i, it := range items {
			// Distinct created_at values keep insertion order stable for age ordering.
			created := now.Add(time.Duration(i) * time.Microsecond)
			id := uuid.NewString()
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO campaign_call_queue
					(id, campaign_id, lead_id, client_id, agent_id, priority, status, attempt_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
			`, id, campaignID, it.LeadID, clientID, agentID, it.Priority, QueuePending, created, created)
			if err != nil {
				return fmt.Errorf("insert queue item: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			eventID, err := s.appendQueueEventTx(ctx, tx, campaignID, id, "", QueuePending, ReasonEnqueued, now)
			if err != nil {
				return err
			}
			changes = append(changes, queueChange{campaignID: campaignID, itemID: id, to: QueuePending, eventID: eventID})
			inserted = append(inserted, QueueItem{
				ID:         id,
				CampaignID: campaignID,
				LeadID:     it.LeadID,
				ClientID:   clientID,
				AgentID:    agentID,
				Priority:   it.Priority,
				Status:     QueuePending,
				CreatedAt:  created,
				UpdatedAt:  created,
			})
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishChanges(ctx, changes)
	return inserted, nil
}

// ClaimQueueItems moves up to limit pending or retry_pending rows of a
// campaign to in_progress and returns them. Rows are taken oldest first, or
// highest priority first when byPriority is set.
func (s *Store) ClaimQueueItems(ctx context.Context, campaignID string, limit int, byPriority bool) ([]QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	order := `created_at ASC, rowid ASC`
	if byPriority {
		order = `priority DESC, created_at ASC, rowid ASC`
	}
	var claimed []QueueItem
	var changes []queueChange
	err := retryOnBusy(ctx, 5, func() error {
		claimed, changes = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM campaign_call_queue
			WHERE campaign_id = ? AND status IN (?, ?)
			ORDER BY `+order+`
			LIMIT ?;
		`, campaignID, QueuePending, QueueRetryPending, limit)
		if err != nil {
			return fmt.Errorf("select claimable items: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable item: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, id := range ids {
			change, ok, err := s.transitionQueueItemTx(ctx, tx, id,
				[]QueueStatus{QueuePending, QueueRetryPending},
				Transition{To: QueueInProgress, Reason: ReasonClaimed, Claim: true}, now)
			if err != nil {
				return fmt.Errorf("claim transition: %w", err)
			}
			if !ok {
				continue
			}
			var item QueueItem
			row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM campaign_call_queue WHERE id = ?;`, id)
			if err := scanQueueItem(row.Scan, &item); err != nil {
				return fmt.Errorf("reload claimed item: %w", err)
			}
			claimed = append(claimed, item)
			changes = append(changes, change)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishChanges(ctx, changes)
	return claimed, nil
}

// TransitionQueueItem applies tr to one row. allowedFrom, when non-nil,
// restricts the statuses the row may currently be in. It reports false when
// the row is missing or not in an allowed status.
func (s *Store) TransitionQueueItem(ctx context.Context, itemID string, allowedFrom []QueueStatus, tr Transition) (bool, error) {
	var change queueChange
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		change, ok, err = s.transitionQueueItemTx(ctx, tx, itemID, allowedFrom, tr, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publishChanges(ctx, []queueChange{change})
	}
	return ok, nil
}

// transitionWhere applies tr to every row of the campaign matching the
// status filter, in one transaction. An empty campaignID spans all campaigns.
func (s *Store) transitionWhere(ctx context.Context, campaignID string, from []QueueStatus, extra string, extraArgs []any, tr Transition) (int, error) {
	var changes []queueChange
	err := retryOnBusy(ctx, 5, func() error {
		changes = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bulk transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `SELECT id FROM campaign_call_queue WHERE status IN (`
		args := []any{}
		for i, st := range from {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
		if campaignID != "" {
			query += ` AND campaign_id = ?`
			args = append(args, campaignID)
		}
		if extra != "" {
			query += ` AND ` + extra
			args = append(args, extraArgs...)
		}
		query += ` ORDER BY created_at ASC, rowid ASC;`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select bulk transition rows: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan bulk transition row: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, id := range ids {
			change, ok, err := s.transitionQueueItemTx(ctx, tx, id, from, tr, now)
			if err != nil {
				return err
			}
			if ok {
				changes = append(changes, change)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	s.publishChanges(ctx, changes)
	return len(changes), nil
}

// ResetFailedItems returns every failed row of a campaign to pending with
// its error state and attempt counter cleared. Rows whose lead has since been
// re-queued are left failed.
func (s *Store) ResetFailedItems(ctx context.Context, campaignID string) (int, error) {
	return s.transitionWhere(ctx, campaignID, []QueueStatus{QueueFailed}, "", nil,
		Transition{To: QueuePending, Reason: ReasonManualRetry, Reset: true})
}

// CancelQueuedItems cancels rows that have not been picked up yet. Rows in
// progress are left to finish.
func (s *Store) CancelQueuedItems(ctx context.Context, campaignID string) (int, error) {
	return s.transitionWhere(ctx, campaignID, []QueueStatus{QueuePending, QueueRetryPending}, "", nil,
		Transition{To: QueueCancelled, Reason: ReasonCancelled})
}

// ReclaimStaleItems returns in_progress rows that never received an
// execution id and were claimed before cutoff to pending.
func (s *Store) ReclaimStaleItems(ctx context.Context, cutoff time.Time) (int, error) {
	return s.transitionWhere(ctx, "", []QueueStatus{QueueInProgress},
		`execution_id IS NULL AND started_at < ?`, []any{cutoff.UTC()},
		Transition{To: QueuePending, Reason: ReasonStaleReclaim})
}

// RecordPlacement stores the provider execution id on an in_progress row and
// inserts the matching call record in the same transaction.
func (s *Store) RecordPlacement(ctx context.Context, itemID, executionID string, call Call) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin placement tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE campaign_call_queue SET execution_id = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, executionID, now, itemID, QueueInProgress)
		if err != nil {
			return fmt.Errorf("set execution id: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("queue item %s not in progress: %w", itemID, ErrNotFound)
		}
		call.QueueItemID = itemID
		call.ExecutionID = executionID
		if err := insertCallTx(ctx, tx, &call, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	var item QueueItem
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM campaign_call_queue WHERE id = ?;`, id)
	if err := scanQueueItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return &item, nil
}

func (s *Store) GetQueueItemByExecution(ctx context.Context, executionID string) (*QueueItem, error) {
	var item QueueItem
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM campaign_call_queue WHERE execution_id = ?
		ORDER BY created_at DESC LIMIT 1;`, executionID)
	if err := scanQueueItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue item for execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get queue item by execution: %w", err)
	}
	return &item, nil
}

// ListQueueItems returns a campaign's rows, optionally restricted to statuses.
func (s *Store) ListQueueItems(ctx context.Context, campaignID string, statuses ...QueueStatus) ([]QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM campaign_call_queue WHERE campaign_id = ?`
	args := []any{campaignID}
	if len(statuses) > 0 {
		query += ` AND status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY created_at ASC, rowid ASC;`
	return s.queryQueueItems(ctx, query, args...)
}

// InFlightItems returns in_progress rows that have a provider execution.
// An empty campaignID spans all campaigns.
func (s *Store) InFlightItems(ctx context.Context, campaignID string) ([]QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM campaign_call_queue
		WHERE status = ? AND execution_id IS NOT NULL`
	args := []any{QueueInProgress}
	if campaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY started_at ASC;`
	return s.queryQueueItems(ctx, query, args...)
}

func (s *Store) queryQueueItems(ctx context.Context, query string, args ...any) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := scanQueueItem(rows.Scan, &item); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// QueueCounts is a per-status row count for one campaign.
type QueueCounts struct {
	Counts      map[QueueStatus]int
	Total       int
	LastEventID int64
}

// ActiveCount is the number of rows still waiting or in flight.
func (c QueueCounts) ActiveCount() int {
	return c.Counts[QueuePending] + c.Counts[QueueInProgress] + c.Counts[QueueRetryPending]
}

// QueueCounts reads the status histogram and the latest event id together.
func (s *Store) QueueCounts(ctx context.Context, campaignID string) (QueueCounts, error) {
	out := QueueCounts{Counts: make(map[QueueStatus]int, len(QueueStatuses))}
	for _, st := range QueueStatuses {
		out.Counts[st] = 0
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return out, fmt.Errorf("begin counts tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_call_queue WHERE campaign_id = ? GROUP BY status;
	`, campaignID)
	if err != nil {
		return out, fmt.Errorf("count queue items: %w", err)
	}
	for rows.Next() {
		var st QueueStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan queue count: %w", err)
		}
		out.Counts[st] = n
		out.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(event_id), 0) FROM queue_events WHERE campaign_id = ?;
	`, campaignID).Scan(&out.LastEventID); err != nil {
		return out, fmt.Errorf("read last queue event: %w", err)
	}
	return out, nil
}

// QueueTotals counts rows per status across every campaign.
func (s *Store) QueueTotals(ctx context.Context) (map[QueueStatus]int, error) {
	out := make(map[QueueStatus]int, len(QueueStatuses))
	for _, st := range QueueStatuses {
		out[st] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaign_call_queue GROUP BY status;`)
	if err != nil {
		return out, fmt.Errorf("count queue totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st QueueStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return out, fmt.Errorf("scan queue total: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// CampaignsWithQueuedWork lists running campaigns that have pending or
// retry_pending rows.
func (s *Store) CampaignsWithQueuedWork(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT q.campaign_id FROM campaign_call_queue q
		JOIN campaigns c ON c.id = q.campaign_id
		WHERE c.status = ? AND q.status IN (?, ?)
		ORDER BY q.campaign_id;
	`, CampaignRunning, QueuePending, QueueRetryPending)
}

// CampaignsWithInFlight lists campaigns that have calls awaiting an outcome.
func (s *Store) CampaignsWithInFlight(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT campaign_id FROM campaign_call_queue
		WHERE status = ? AND execution_id IS NOT NULL
		ORDER BY campaign_id;
	`, QueueInProgress)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
