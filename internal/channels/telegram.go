package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/persistence"
)

// CampaignLookup resolves campaign names for alert text.
type CampaignLookup interface {
	GetCampaign(ctx context.Context, id string) (*persistence.Campaign, error)
}

// TelegramChannel posts campaign and policy alerts to one operator chat.
type TelegramChannel struct {
	token    string
	chatID   int64
	endpoint string
	client   tgbotapi.HTTPClient
	eventBus *bus.Bus
	lookup   CampaignLookup
	logger   *slog.Logger

	bot *tgbotapi.BotAPI
}

type TelegramOption func(*TelegramChannel)

// WithAPIEndpoint overrides the Bot API URL format (token, method).
func WithAPIEndpoint(endpoint string) TelegramOption {
	return func(t *TelegramChannel) { t.endpoint = endpoint }
}

func WithCampaignLookup(l CampaignLookup) TelegramOption {
	return func(t *TelegramChannel) { t.lookup = l }
}

func NewTelegramChannel(token string, chatID int64, eventBus *bus.Bus, logger *slog.Logger, opts ...TelegramOption) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramChannel{
		token:    token,
		chatID:   chatID,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		eventBus: eventBus,
		logger:   logger.With("channel", "telegram"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects to the Bot API, retrying with backoff, then relays bus
// events until ctx is done.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.eventBus == nil {
		return fmt.Errorf("telegram: no event bus")
	}
	// Subscribe before connecting so nothing published meanwhile is lost.
	drained := t.eventBus.Subscribe(bus.TopicCampaignDrained)
	defer t.eventBus.Unsubscribe(drained)
	reloaded := t.eventBus.Subscribe(bus.TopicPolicyReloaded)
	defer t.eventBus.Unsubscribe(reloaded)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
		if err == nil {
			t.bot = bot
			break
		}
		t.logger.Warn("telegram connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	t.logger.Info("telegram alerts started", "user", t.bot.Self.UserName, "chat_id", t.chatID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-drained.Ch():
			if !ok {
				return nil
			}
			t.relay(ctx, ev)
		case ev, ok := <-reloaded.Ch():
			if !ok {
				return nil
			}
			t.relay(ctx, ev)
		}
	}
}

func (t *TelegramChannel) relay(ctx context.Context, ev bus.Event) {
	text := t.format(ctx, ev)
	if text == "" {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Error("telegram send failed", "topic", ev.Topic, "error", err)
		return
	}
	t.logger.Debug("telegram alert sent", "topic", ev.Topic)
}

func (t *TelegramChannel) format(ctx context.Context, ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.CampaignDrainedEvent:
		name := p.CampaignID
		if t.lookup != nil {
			if c, err := t.lookup.GetCampaign(ctx, p.CampaignID); err == nil && c.Name != "" {
				name = c.Name
			}
		}
		return fmt.Sprintf("Campaign %q finished: %d completed, %d failed, %d total.",
			name, p.Completed, p.Failed, p.Total)
	case bus.PolicyReloadedEvent:
		if p.Error != "" {
			return "Policy reload rejected, keeping " + p.PolicyVersion + ": " + p.Error
		}
		return "Policy reloaded: " + p.PolicyVersion
	}
	return ""
}
