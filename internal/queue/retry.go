package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/voxdesk/internal/persistence"
)

type RetryResult struct {
	Reset int `json:"reset"`
	DispatchResult
}

// Retry returns every failed row of a campaign to pending with its error
// state cleared and immediately dispatches again.
func (s *Service) Retry(ctx context.Context, campaignID string, caller *persistence.Profile) (RetryResult, error) {
	campaign, err := s.loadCampaign(ctx, campaignID, caller)
	if err != nil {
		return RetryResult{}, err
	}
	if campaign.AgentID == "" {
		return RetryResult{}, ErrNoAgentAssigned
	}
	n, err := s.store.ResetFailedItems(ctx, campaign.ID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("reset failed items: %w", err)
	}
	if n == 0 {
		return RetryResult{}, ErrNoFailedItems
	}
	s.logger.Info("failed items reset", "campaign_id", campaign.ID, "count", n)

	res, err := s.Dispatch(ctx, DispatchRequest{CampaignID: campaign.ID, Caller: caller})
	return RetryResult{Reset: n, DispatchResult: res}, err
}

// Cancel stops rows that have not been picked up. Calls already in
// progress run to completion.
func (s *Service) Cancel(ctx context.Context, campaignID string, caller *persistence.Profile) (int, error) {
	campaign, err := s.loadCampaign(ctx, campaignID, caller)
	if err != nil {
		return 0, err
	}
	n, err := s.store.CancelQueuedItems(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("cancel queued items: %w", err)
	}
	if n > 0 {
		s.countTransition(ctx, persistence.QueueCancelled, n)
	}
	s.logger.Info("queued items cancelled", "campaign_id", campaign.ID, "count", n)
	return n, nil
}

// ReclaimStale returns rows that were claimed but never placed to pending
// once they are older than the configured stale window.
func (s *Service) ReclaimStale(ctx context.Context) (int, error) {
	window := time.Duration(s.cfg.StaleAfterSeconds) * time.Second
	if window <= 0 {
		window = 10 * time.Minute
	}
	n, err := s.store.ReclaimStaleItems(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.countTransition(ctx, persistence.QueuePending, n)
		s.logger.Warn("stale queue items reclaimed", "count", n, "older_than", window)
	}
	return n, nil
}
