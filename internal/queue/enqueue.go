package queue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/voxdesk/internal/otel"
	"github.com/basket/voxdesk/internal/persistence"
)

type EnqueueRequest struct {
	CampaignID string
	// LeadIDs in selection order; earlier leads get higher priority.
	LeadIDs []string
	Caller  *persistence.Profile
}

type EnqueueResult struct {
	Inserted int                     `json:"inserted"`
	Skipped  int                     `json:"skipped"`
	Items    []persistence.QueueItem `json:"items"`
}

// Enqueue adds one pending row per selected lead that has no active row in
// the campaign. The lead at selection index i of n gets priority n-i.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Caller == nil {
		return EnqueueResult{}, ErrUnauthenticated
	}
	ids := dedupe(req.LeadIDs)
	if len(ids) == 0 {
		return EnqueueResult{}, ErrNoLeadsSelected
	}

	ctx, span := otel.StartSpan(ctx, s.tracer, "queue.enqueue", otel.AttrCampaignID.String(req.CampaignID))
	defer span.End()

	campaign, err := s.Campaign(ctx, req.CampaignID, req.Caller)
	if err != nil {
		return EnqueueResult{}, err
	}
	if campaign.AgentID == "" {
		return EnqueueResult{}, ErrNoAgentAssigned
	}

	leads, err := s.store.LeadsByID(ctx, campaign.ID, ids)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	n := len(ids)
	items := make([]persistence.NewQueueItem, 0, n)
	for i, id := range ids {
		if _, ok := leads[id]; !ok {
			continue
		}
		items = append(items, persistence.NewQueueItem{LeadID: id, Priority: n - i})
	}
	if len(items) == 0 {
		return EnqueueResult{}, fmt.Errorf("%w: none of the selected leads belong to campaign %s", ErrNoLeadsSelected, campaign.ID)
	}

	inserted, err := s.store.InsertQueueItems(ctx, campaign.ID, campaign.ClientID, campaign.AgentID, items)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	if len(inserted) == 0 {
		return EnqueueResult{}, ErrAllLeadsAlreadyQueued
	}
	if s.metrics != nil {
		s.metrics.QueueEnqueued.Add(ctx, int64(len(inserted)), metric.WithAttributes(otel.AttrCampaignID.String(campaign.ID)))
	}
	s.logger.InfoContext(ctx, "leads enqueued",
		"campaign_id", campaign.ID,
		"inserted", len(inserted),
		"skipped", n-len(inserted),
	)
	return EnqueueResult{Inserted: len(inserted), Skipped: n - len(inserted), Items: inserted}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
