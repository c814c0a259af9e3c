// Package bus is the in-process fan-out between the queue store, status
// watchers and alert channels.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Queue and campaign topics. Per-campaign topics are built with QueueTopic.
const (
	TopicQueuePrefix     = "queue.campaign."
	TopicCampaignDrained = "campaign.drained"
	TopicPolicyReloaded  = "policy.reloaded"
)

// QueueTopic returns the change topic for one campaign's queue.
func QueueTopic(campaignID string) string {
	return TopicQueuePrefix + campaignID
}

// QueueChangedEvent is published after a queue row transition commits.
type QueueChangedEvent struct {
	CampaignID string // Campaign the row belongs to
	ItemID     string // Queue item id, empty for bulk changes
	EventID    int64  // Highest queue_events id written by the commit
	FromStatus string // Previous status, empty on insert
	ToStatus   string // New status
	Count      int    // Rows affected by the commit
}

// CampaignDrainedEvent is published when a campaign has no active rows left.
type CampaignDrainedEvent struct {
	CampaignID string
	Completed  int
	Failed     int
	Total      int
}

// PolicyReloadedEvent is published after policy.yaml is re-read.
type PolicyReloadedEvent struct {
	PolicyVersion string
	Error         string // Set when the reload was rejected and the old policy kept
}

type SubscribeOption func(*Subscription)

// WithBuffer sets the subscription's channel capacity. A buffer of 1 turns
// the subscription into a wake-up signal: bursts collapse into one pending
// event.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Event, n)
		}
	}
}

type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus delivers events to every subscription whose prefix matches the topic.
// Publish never blocks: a full subscriber loses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers for topics starting with prefix. An empty prefix
// matches everything.
func (b *Bus) Subscribe(prefix string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{prefix: prefix}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ch == nil {
		sub.ch = make(chan Event, defaultBufferSize)
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
