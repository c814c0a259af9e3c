package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/basket/voxdesk/internal/otel"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/shared"
	"github.com/basket/voxdesk/internal/voice"
)

type DispatchRequest struct {
	CampaignID string
	// Concurrency overrides the campaign's level when positive.
	Concurrency int
	// Caller is nil for the sweeper and the CLI.
	Caller *persistence.Profile
}

type DispatchResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type tally struct {
	mu sync.Mutex
	DispatchResult
}

func (t *tally) add(processed, successful, failed int) {
	t.mu.Lock()
	t.Processed += processed
	t.Successful += successful
	t.Failed += failed
	t.mu.Unlock()
}

// Dispatch claims one batch of pending and retry_pending rows and places a
// call for each, with at most the resolved concurrency in flight. Calling it
// again continues with whatever is still queued.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (result DispatchResult, err error) {
	start := time.Now()
	ctx = shared.WithCampaignID(ctx, req.CampaignID)
	ctx, span := otel.StartSpan(ctx, s.tracer, "queue.dispatch", otel.AttrCampaignID.String(req.CampaignID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("voxdesk.dispatch.processed", result.Processed),
			attribute.Int("voxdesk.dispatch.successful", result.Successful),
		)
		span.End()
		if s.metrics != nil {
			s.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrCampaignID.String(req.CampaignID)))
		}
	}()

	campaign, err := s.loadCampaign(ctx, req.CampaignID, req.Caller)
	if err != nil {
		return DispatchResult{}, err
	}
	if campaign.AgentID == "" {
		return DispatchResult{}, ErrNoAgentAssigned
	}
	if s.dialer == nil || !s.dialer.Configured() {
		return DispatchResult{}, ErrProviderUnavailable
	}
	if s.cfg.CreditsPerCall > 0 {
		credits, err := s.store.Credits(ctx, campaign.ClientID)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("read credits: %w", err)
		}
		if credits < s.cfg.CreditsPerCall {
			return DispatchResult{}, ErrInsufficientCredits
		}
	}
	if campaign.Status == persistence.CampaignDraft {
		if err := s.store.SetCampaignStatus(ctx, campaign.ID, persistence.CampaignRunning); err != nil {
			return DispatchResult{}, err
		}
	}

	items, err := s.store.ClaimQueueItems(ctx, campaign.ID, s.cfg.BatchSize, s.cfg.PriorityOrdering)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return DispatchResult{}, nil
	}
	s.countTransition(ctx, persistence.QueueInProgress, len(items))
	leadIDs := make([]string, len(items))
	for i, it := range items {
		leadIDs[i] = it.LeadID
	}
	leads, err := s.store.LeadsByID(ctx, campaign.ID, leadIDs)
	if err != nil {
		s.unclaimAll(ctx, items)
		return DispatchResult{}, fmt.Errorf("load leads: %w", err)
	}

	concurrency := s.concurrencyFor(req.Concurrency, campaign.ConcurrencyLevel)
	var t tally
	var outOfCredits atomic.Bool
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, item := range items {
		lead, ok := leads[item.LeadID]
		g.Go(func() error {
			if outOfCredits.Load() {
				return s.unclaim(ctx, item, persistence.ReasonNoCredits)
			}
			if !ok {
				t.add(1, 0, 1)
				return s.failItem(ctx, item, errors.New("lead no longer exists"))
			}
			return s.placeOne(ctx, campaign, item, lead, &t, &outOfCredits)
		})
	}
	err = g.Wait()
	result = t.DispatchResult

	s.logger.InfoContext(ctx, "dispatch batch finished",
		"claimed", len(items),
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed,
		"concurrency", concurrency,
		"out_of_credits", outOfCredits.Load(),
	)
	if err != nil {
		return result, err
	}
	if outOfCredits.Load() && result.Processed == 0 {
		return result, ErrInsufficientCredits
	}
	return result, nil
}

func (s *Service) placeOne(
	ctx context.Context,
	campaign *persistence.Campaign,
	item persistence.QueueItem,
	lead persistence.Lead,
	t *tally,
	outOfCredits *atomic.Bool,
) error {
	ok, err := s.store.ReserveCredits(ctx, campaign.ClientID, s.cfg.CreditsPerCall)
	if err != nil {
		_ = s.unclaim(ctx, item, persistence.ReasonNoCredits)
		return fmt.Errorf("reserve credits: %w", err)
	}
	if !ok {
		outOfCredits.Store(true)
		return s.unclaim(ctx, item, persistence.ReasonNoCredits)
	}

	resp, err := s.dialer.PlaceCall(ctx, voice.CallRequest{
		AgentID:        campaign.AgentID,
		RecipientPhone: lead.Phone,
		FromPhone:      s.fromNumber,
		UserData: map[string]string{
			"campaign_id":   campaign.ID,
			"queue_item_id": item.ID,
			"lead_name":     lead.Name,
		},
	})
	if err != nil {
		if refundErr := s.store.RefundCredits(ctx, campaign.ClientID, s.cfg.CreditsPerCall); refundErr != nil {
			s.logger.ErrorContext(ctx, "refund credits failed", "client_id", campaign.ClientID, "error", refundErr)
		}
		t.add(1, 0, 1)
		s.recordCall(ctx, campaign.ID, "failed")
		return s.failItem(ctx, item, err)
	}

	if err := s.store.RecordPlacement(ctx, item.ID, resp.ExecutionID, persistence.Call{
		ClientID:   campaign.ClientID,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		AgentID:    campaign.AgentID,
		ToNumber:   lead.Phone,
	}); err != nil {
		// The call is live at the provider; the row stays in_progress and
		// the stale sweep returns it to the queue.
		t.add(1, 0, 0)
		s.logger.ErrorContext(ctx, "record placement failed",
			"queue_item_id", item.ID,
			"execution_id", resp.ExecutionID,
			"error", err,
		)
		return fmt.Errorf("record placement: %w", err)
	}
	t.add(1, 1, 0)
	s.recordCall(ctx, campaign.ID, "placed")
	return nil
}

// failureStatus maps a failed attempt to the row's next status.
func (s *Service) failureStatus(attempts int, err error) (persistence.QueueStatus, string) {
	switch {
	case attempts >= s.cfg.MaxAttempts:
		return persistence.QueueMaxRetriesReached, persistence.ReasonMaxAttempts
	case voice.IsTransient(err):
		return persistence.QueueRetryPending, persistence.ReasonTransientRetry
	default:
		return persistence.QueueFailed, persistence.ReasonCallFailed
	}
}

func (s *Service) failItem(ctx context.Context, item persistence.QueueItem, cause error) error {
	status, reason := s.failureStatus(item.AttemptCount, cause)
	msg := cause.Error()
	if _, err := s.store.TransitionQueueItem(ctx, item.ID, []persistence.QueueStatus{persistence.QueueInProgress},
		persistence.Transition{To: status, Reason: reason, ErrorMessage: &msg}); err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}
	s.countTransition(ctx, status, 1)
	s.logger.WarnContext(ctx, "call attempt failed",
		"queue_item_id", item.ID,
		"attempt", item.AttemptCount,
		"next_status", status,
		"provider_status", voice.StatusCode(cause),
		"error", cause,
	)
	return nil
}

func (s *Service) unclaim(ctx context.Context, item persistence.QueueItem, reason string) error {
	_, err := s.store.TransitionQueueItem(ctx, item.ID, []persistence.QueueStatus{persistence.QueueInProgress},
		persistence.Transition{To: persistence.QueuePending, Reason: reason, Unclaim: true})
	if err != nil {
		return fmt.Errorf("return item to queue: %w", err)
	}
	return nil
}

func (s *Service) unclaimAll(ctx context.Context, items []persistence.QueueItem) {
	for _, it := range items {
		if err := s.unclaim(ctx, it, persistence.ReasonStaleReclaim); err != nil {
			s.logger.ErrorContext(ctx, "unclaim failed", "queue_item_id", it.ID, "error", err)
		}
	}
}

func (s *Service) recordCall(ctx context.Context, campaignID, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DispatchCalls.Add(ctx, 1, metric.WithAttributes(
		otel.AttrCampaignID.String(campaignID),
		otel.AttrOutcome.String(outcome),
	))
}

func (s *Service) countTransition(ctx context.Context, to persistence.QueueStatus, n int) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueTransitions.Add(ctx, int64(n), metric.WithAttributes(otel.AttrStatus.String(string(to))))
}
