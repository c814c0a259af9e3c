// Package queue runs the campaign call queue: enqueueing leads, dispatching
// calls with bounded concurrency, resolving outcomes, retries, cancellation
// and live status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/otel"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/voice"
)

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrNoLeadsSelected       = errors.New("no leads selected")
	ErrCampaignNotFound      = errors.New("campaign not found")
	ErrNoAgentAssigned       = errors.New("campaign has no agent assigned")
	ErrAllLeadsAlreadyQueued = errors.New("all selected leads are already queued")
	ErrEnqueueFailed         = errors.New("enqueue failed")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrNoFailedItems         = errors.New("no failed items to retry")
	ErrProviderUnavailable   = voice.ErrProviderUnavailable
)

// Dialer is the part of the voice provider the queue needs.
type Dialer interface {
	Configured() bool
	PlaceCall(ctx context.Context, req voice.CallRequest) (voice.CallResponse, error)
	GetExecution(ctx context.Context, executionID string) (voice.Execution, error)
}

type Options struct {
	Store      *persistence.Store
	Dialer     Dialer
	Bus        *bus.Bus
	Config     config.QueueConfig
	FromNumber string
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
}

type Service struct {
	store      *persistence.Store
	dialer     Dialer
	bus        *bus.Bus
	cfg        config.QueueConfig
	fromNumber string
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics

	snapshots singleflight.Group
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{
		store:      opts.Store,
		dialer:     opts.Dialer,
		bus:        opts.Bus,
		cfg:        cfg,
		fromNumber: opts.FromNumber,
		logger:     logger.With("component", "queue"),
		tracer:     tracer,
		metrics:    opts.Metrics,
	}
}

func managesAllCampaigns(p *persistence.Profile) bool {
	return p.HasRole(policy.RoleAdmin) || p.HasRole(policy.RoleEngineer)
}

// Campaign loads a campaign the caller may operate on. Admins and engineers
// reach every campaign, everyone else only their own client's.
func (s *Service) Campaign(ctx context.Context, campaignID string, caller *persistence.Profile) (*persistence.Campaign, error) {
	if caller == nil {
		return nil, ErrUnauthenticated
	}
	return s.loadCampaign(ctx, campaignID, caller)
}

// loadCampaign skips the ownership check for a nil caller, which is how
// the sweeper and the CLI act.
func (s *Service) loadCampaign(ctx context.Context, campaignID string, caller *persistence.Profile) (*persistence.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
		}
		return nil, err
	}
	if caller != nil && !managesAllCampaigns(caller) && caller.OwnerClientID() != c.ClientID {
		return nil, ErrForbidden
	}
	return c, nil
}

// concurrencyFor picks the request value, then the campaign's, then the
// configured default, capped at the configured maximum.
func (s *Service) concurrencyFor(requested, campaignLevel int) int {
	n := requested
	if n <= 0 {
		n = campaignLevel
	}
	if n <= 0 {
		n = s.cfg.DefaultConcurrency
	}
	if n <= 0 {
		n = 1
	}
	if s.cfg.MaxConcurrency > 0 && n > s.cfg.MaxConcurrency {
		n = s.cfg.MaxConcurrency
	}
	return n
}
