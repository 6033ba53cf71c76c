package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/londonpotato1/standx-maker-bot/internal/event"
	"github.com/londonpotato1/standx-maker-bot/internal/infra"
)

// Telegram forwards notable engine events to a chat. Disabled instances
// swallow everything silently.
type Telegram struct {
	cfg  infra.TelegramConfig
	http *resty.Client
}

// NewTelegram creates a notifier.
func NewTelegram(cfg infra.TelegramConfig) *Telegram {
	return &Telegram{
		cfg:  cfg,
		http: resty.New().SetBaseURL("https://api.telegram.org"),
	}
}

// Handle forwards one event if it is worth a message.
func (t *Telegram) Handle(ctx context.Context, ev event.Event) {
	if !t.cfg.Enabled {
		return
	}

	var text string
	switch ev.Type {
	case event.TypeOrderFilled:
		text = fmt.Sprintf("⚠️ fill: %s %s %.6g @ %.2f", ev.Symbol, ev.Side, ev.Qty, ev.Price)
	case event.TypeSafetyTriggered:
		text = fmt.Sprintf("🛑 safety: %s - %s", ev.Symbol, ev.Reason)
	case event.TypeEmergencyStop:
		text = fmt.Sprintf("🚨 EMERGENCY STOP: %s - %s", ev.Symbol, ev.Reason)
	default:
		return
	}

	t.send(ctx, text)
}

func (t *Telegram) send(ctx context.Context, text string) {
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.cfg.ChatID,
			"text":    text,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.cfg.BotToken))
	if err != nil {
		slog.Warn("telegram send failed", slog.Any("error", err))
		return
	}
	if resp.StatusCode() >= 400 {
		slog.Warn("telegram send rejected", slog.Int("status", resp.StatusCode()))
	}
}
