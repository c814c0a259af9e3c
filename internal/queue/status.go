package queue

import (
	"context"
	"errors"
	"time"

	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/persistence"
)

// Snapshot is the per-status view of one campaign's queue.
type Snapshot struct {
	CampaignID string                          `json:"campaign_id"`
	Counts     map[persistence.QueueStatus]int `json:"counts"`
	Total      int                             `json:"total"`
	Active     bool                            `json:"active"`
	Progress   float64                         `json:"progress"`
	EventID    int64                           `json:"event_id"`
	At         time.Time                       `json:"at"`
}

// Snapshot reads current counts. Progress is the finished share
// (completed, failed and max_retries_reached) of all rows.
func (s *Service) Snapshot(ctx context.Context, campaignID string) (Snapshot, error) {
	counts, err := s.store.QueueCounts(ctx, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		CampaignID: campaignID,
		Counts:     counts.Counts,
		Total:      counts.Total,
		Active:     counts.ActiveCount() > 0,
		EventID:    counts.LastEventID,
		At:         time.Now().UTC(),
	}
	if counts.Total > 0 {
		finished := counts.Counts[persistence.QueueCompleted] +
			counts.Counts[persistence.QueueFailed] +
			counts.Counts[persistence.QueueMaxRetriesReached]
		snap.Progress = float64(finished) / float64(counts.Total)
	}
	return snap, nil
}

// sharedSnapshot collapses concurrent reads for the same campaign into one
// query, so a burst of changes with many watchers costs one read.
func (s *Service) sharedSnapshot(ctx context.Context, campaignID string) (Snapshot, error) {
	v, err, _ := s.snapshots.Do(campaignID, func() (any, error) {
		return s.Snapshot(context.WithoutCancel(ctx), campaignID)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Watch streams snapshots of a campaign. A snapshot is sent right away when
// sinceEventID is zero or differs from the current high-water mark, then
// after every committed change. Bursts are coalesced: a watcher always gets
// the latest state, not every intermediate one. The channel closes when ctx
// ends.
func (s *Service) Watch(ctx context.Context, campaignID string, sinceEventID int64) (<-chan Snapshot, error) {
	if s.bus == nil {
		return nil, errors.New("status watch requires an event bus")
	}
	sub := s.bus.Subscribe(bus.QueueTopic(campaignID), bus.WithBuffer(1))
	first, err := s.Snapshot(ctx, campaignID)
	if err != nil {
		s.bus.Unsubscribe(sub)
		return nil, err
	}

	out := make(chan Snapshot, 1)
	if s.metrics != nil {
		s.metrics.ActiveWatchers.Add(ctx, 1)
	}
	go func() {
		defer func() {
			s.bus.Unsubscribe(sub)
			close(out)
			if s.metrics != nil {
				s.metrics.ActiveWatchers.Add(context.WithoutCancel(ctx), -1)
			}
		}()

		last := sinceEventID
		send := func(snap Snapshot) bool {
			select {
			case out <- snap:
				last = snap.EventID
				return true
			case <-ctx.Done():
				return false
			}
		}
		if sinceEventID == 0 || sinceEventID != first.EventID {
			if !send(first) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.Ch():
				if !ok {
					return
				}
				snap, err := s.sharedSnapshot(ctx, campaignID)
				if err != nil {
					s.logger.Warn("status snapshot failed", "campaign_id", campaignID, "error", err)
					continue
				}
				if snap.EventID == last {
					continue
				}
				if !send(snap) {
					return
				}
			}
		}
	}()
	return out, nil
}
