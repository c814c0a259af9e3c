package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/voice"
)

const resolveConcurrency = 4

type ResolveResult struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
}

// Resolve polls the provider for every placed call still in progress and
// applies finished outcomes. An empty campaignID covers all campaigns.
// Provider errors for single executions are logged and skipped.
func (s *Service) Resolve(ctx context.Context, campaignID string) (ResolveResult, error) {
	if s.dialer == nil || !s.dialer.Configured() {
		return ResolveResult{}, ErrProviderUnavailable
	}
	items, err := s.store.InFlightItems(ctx, campaignID)
	if err != nil {
		return ResolveResult{}, err
	}
	var res ResolveResult
	results := make([]bool, len(items))
	var g errgroup.Group
	g.SetLimit(resolveConcurrency)
	for i, item := range items {
		g.Go(func() error {
			exec, err := s.dialer.GetExecution(ctx, item.ExecutionID)
			if err != nil {
				s.logger.Warn("poll execution failed",
					"queue_item_id", item.ID,
					"execution_id", item.ExecutionID,
					"error", err,
				)
				return nil
			}
			if exec.ID == "" {
				exec.ID = item.ExecutionID
			}
			changed, err := s.ApplyExecution(ctx, exec)
			if err != nil {
				return err
			}
			results[i] = changed
			return nil
		})
	}
	err = g.Wait()
	res.Checked = len(items)
	for _, changed := range results {
		if changed {
			res.Resolved++
		}
	}
	return res, err
}

// ApplyExecution records a provider execution against its queue row and
// call. It reports whether the row changed status. Executions that are not
// finished, unknown, or already applied are no-ops.
func (s *Service) ApplyExecution(ctx context.Context, exec voice.Execution) (bool, error) {
	if exec.ID == "" {
		return false, errors.New("execution id is required")
	}
	if !exec.Terminal() {
		return false, nil
	}

	item, err := s.store.GetQueueItemByExecution(ctx, exec.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		// A call placed outside the queue, or an earlier attempt of a row.
		return false, s.recordOutcome(ctx, exec)
	case err != nil:
		return false, err
	case item.Status != persistence.QueueInProgress:
		return false, nil
	}
	if err := s.recordOutcome(ctx, exec); err != nil {
		return false, err
	}

	to, reason := s.outcomeStatus(item.AttemptCount, exec.Status)
	tr := persistence.Transition{To: to, Reason: reason}
	if to != persistence.QueueCompleted {
		msg := exec.Status
		if exec.ErrorMessage != "" {
			msg += ": " + exec.ErrorMessage
		}
		tr.ErrorMessage = &msg
	}
	changed, err := s.store.TransitionQueueItem(ctx, item.ID, []persistence.QueueStatus{persistence.QueueInProgress}, tr)
	if err != nil {
		return false, err
	}
	if changed {
		s.countTransition(ctx, to, 1)
		s.logger.Info("call resolved",
			"queue_item_id", item.ID,
			"execution_id", exec.ID,
			"provider_status", exec.Status,
			"status", to,
		)
	}
	return changed, nil
}

func (s *Service) recordOutcome(ctx context.Context, exec voice.Execution) error {
	callStatus := persistence.CallFailed
	if exec.Status == voice.ExecCompleted {
		callStatus = persistence.CallCompleted
	}
	err := s.store.UpdateCallOutcome(ctx, exec.ID, persistence.CallOutcome{
		Status:          callStatus,
		DurationSeconds: durationSeconds(exec),
		Transcript:      exec.Transcript,
		Summary:         exec.Summary,
		RecordingURL:    exec.TelephonyData.RecordingURL,
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("update call outcome: %w", err)
	}
	return nil
}

// outcomeStatus maps a finished execution to the row's next status. Busy
// and unanswered calls are retried while attempts remain.
func (s *Service) outcomeStatus(attempts int, execStatus string) (persistence.QueueStatus, string) {
	switch execStatus {
	case voice.ExecCompleted:
		return persistence.QueueCompleted, persistence.ReasonCallCompleted
	case voice.ExecBusy, voice.ExecNoAnswer:
		if attempts < s.cfg.MaxAttempts {
			return persistence.QueueRetryPending, persistence.ReasonTransientRetry
		}
		return persistence.QueueMaxRetriesReached, persistence.ReasonMaxAttempts
	default:
		if attempts >= s.cfg.MaxAttempts {
			return persistence.QueueMaxRetriesReached, persistence.ReasonMaxAttempts
		}
		return persistence.QueueFailed, persistence.ReasonCallFailed
	}
}

func durationSeconds(exec voice.Execution) int {
	if exec.ConversationDuration > 0 {
		return int(math.Round(exec.ConversationDuration))
	}
	if d, err := strconv.ParseFloat(exec.TelephonyData.Duration, 64); err == nil && d > 0 {
		return int(math.Round(d))
	}
	return 0
}
