// Package cron runs the periodic queue sweep: stale reclaim, outcome
// polling, auto-dispatch and retention.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/queue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type Config struct {
	Store  *persistence.Store
	Queue  *queue.Service
	Sweep  config.SweepConfig
	Logger *slog.Logger
}

// Result summarizes one sweep.
type Result struct {
	Reclaimed       int   `json:"reclaimed"`
	Checked         int   `json:"checked"`
	Resolved        int   `json:"resolved"`
	Dispatched      int   `json:"dispatched"`
	PurgedEvents    int64 `json:"purged_queue_events"`
	PurgedAuditRows int64 `json:"purged_audit_rows"`
}

// Scheduler fires Sweep on the configured cron expression.
type Scheduler struct {
	store  *persistence.Store
	queue  *queue.Service
	cfg    config.SweepConfig
	logger *slog.Logger

	mu     sync.Mutex
	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  cfg.Store,
		queue:  cfg.Queue,
		cfg:    cfg.Sweep,
		logger: logger,
	}
}

// Start schedules the sweep and runs one immediately. Overlapping runs are
// skipped while a previous sweep is still going.
func (s *Scheduler) Start(ctx context.Context) error {
	next, err := NextRunTime(s.cfg.Cron, time.Now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Cron, func() { s.Sweep(ctx) }); err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cron, s.cancel = c, cancel
	s.mu.Unlock()

	c.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Sweep(ctx)
	}()
	s.logger.Info("sweeper started", "cron", s.cfg.Cron, "next_run", next, "auto_dispatch", s.cfg.AutoDispatch)
	return nil
}

// Stop cancels in-flight work and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass. Each step logs and continues on failure.
func (s *Scheduler) Sweep(ctx context.Context) Result {
	var res Result
	start := time.Now()

	n, err := s.queue.ReclaimStale(ctx)
	if err != nil {
		s.logger.Error("sweep: reclaim stale", "error", err)
	}
	res.Reclaimed = n

	resolved, err := s.queue.Resolve(ctx, "")
	switch {
	case errors.Is(err, queue.ErrProviderUnavailable):
		s.logger.Debug("sweep: provider not configured, skipping resolve")
	case err != nil:
		s.logger.Error("sweep: resolve", "error", err)
	}
	res.Checked, res.Resolved = resolved.Checked, resolved.Resolved

	if s.cfg.AutoDispatch {
		res.Dispatched = s.autoDispatch(ctx)
	}

	if s.cfg.QueueEventRetentionDays > 0 || s.cfg.AuditRetentionDays > 0 {
		purged, err := s.store.RunRetention(ctx, s.cfg.QueueEventRetentionDays, s.cfg.AuditRetentionDays)
		if err != nil {
			s.logger.Error("sweep: retention", "error", err)
		}
		res.PurgedEvents, res.PurgedAuditRows = purged.PurgedQueueEvents, purged.PurgedAuditLogs
	}

	s.logger.Debug("sweep finished",
		"reclaimed", res.Reclaimed,
		"resolved", res.Resolved,
		"dispatched", res.Dispatched,
		"elapsed", time.Since(start),
	)
	return res
}

func (s *Scheduler) autoDispatch(ctx context.Context) int {
	ids, err := s.store.CampaignsWithQueuedWork(ctx)
	if err != nil {
		s.logger.Error("sweep: list campaigns with queued work", "error", err)
		return 0
	}
	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		out, err := s.queue.Dispatch(ctx, queue.DispatchRequest{CampaignID: id})
		total += out.Processed
		switch {
		case errors.Is(err, queue.ErrInsufficientCredits):
			s.logger.Info("sweep: campaign out of credits", "campaign_id", id)
		case err != nil:
			s.logger.Error("sweep: dispatch", "campaign_id", id, "error", err)
		}
	}
	return total
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
