// Package alert delivers critical notifications to Telegram. Delivery is
// best-effort and rate-limited per alert title: the trading path never blocks
// on, and never fails because of, a messaging outage.
package alert

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const defaultCooldown = 5 * time.Minute

// TelegramAlerter sends alerts to one chat. Implements risk.Alerter.
type TelegramAlerter struct {
	api      *tgbotapi.BotAPI
	chatID   int64
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewTelegramAlerter connects to the Telegram bot API. cooldown <= 0 uses
// the default of 5 minutes between repeats of the same alert title.
func NewTelegramAlerter(token string, chatID int64, cooldown time.Duration) (*TelegramAlerter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	log.Info().Str("bot", api.Self.UserName).Msg("📢 Telegram alerter connected")
	return &TelegramAlerter{
		api:      api,
		chatID:   chatID,
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
	}, nil
}

// SendCriticalAlert delivers one alert, suppressing repeats of the same title
// inside the cooldown window. Errors are logged and swallowed.
func (t *TelegramAlerter) SendCriticalAlert(title, message string, details map[string]string) {
	t.mu.Lock()
	last, seen := t.lastSent[title]
	if seen && time.Since(last) < t.cooldown {
		t.mu.Unlock()
		log.Debug().Str("title", title).Msg("Alert suppressed by cooldown")
		return
	}
	t.lastSent[title] = time.Now()
	t.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s*\n\n%s\n", escapeMarkdown(title), escapeMarkdown(message))
	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "• %s: `%s`\n", escapeMarkdown(k), escapeMarkdown(details[k]))
		}
	}

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Str("title", title).Msg("Failed to send Telegram alert")
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}
