// Package notify sends operator alerts and ask-question prompts to
// Telegram, and relays operator replies back as typed commands. Grounded
// on the sniperterminal example's NotificationService: a bot handle plus a
// GetUpdatesChan poll loop, generalised from its hand-rolled
// EXECUTE_/DISCARD_ callback-data prefixes into a single "AQ:" prefix
// carrying a question ID and an action code (spec.md §4.12).
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramBot is the subset of *tgbotapi.BotAPI the notifier depends on,
// narrowed so tests can substitute a fake without opening a network
// connection.
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
}

// Notifier sends alerts to a Telegram chat via the Bot API.
type Notifier struct {
	bot     telegramBot
	chatID  int64
	enabled bool
}

// NewNotifier creates a Notifier. Notifications are enabled only when both
// botToken and chatID are set; an empty token disables sends entirely
// rather than erroring, so a deployment can run without Telegram wired up.
func NewNotifier(botToken string, chatID int64) (*Notifier, error) {
	if botToken == "" || chatID == 0 {
		return &Notifier{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: init telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID, enabled: true}, nil
}

// Enabled reports whether the notifier is active.
func (n *Notifier) Enabled() bool { return n.enabled }

// Send posts an HTML-formatted message to the configured chat.
func (n *Notifier) Send(ctx context.Context, msg string) error {
	if !n.enabled {
		return nil
	}
	m := tgbotapi.NewMessage(n.chatID, msg)
	m.ParseMode = tgbotapi.ModeHTML
	_, err := n.bot.Send(m)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	return nil
}

func (n *Notifier) NotifyFill(ctx context.Context, coin, side string, price, size float64) error {
	msg := fmt.Sprintf("<b>Fill</b>\nCoin: <code>%s</code>\nSide: %s\nPrice: %.4f\nSize: %.4f", coin, side, price, size)
	return n.Send(ctx, msg)
}

func (n *Notifier) NotifyStopLoss(ctx context.Context, coin string, pnl float64) error {
	msg := fmt.Sprintf("<b>Stop-Loss Triggered</b>\nCoin: <code>%s</code>\nPnL: %.2f USD", coin, pnl)
	return n.Send(ctx, msg)
}

func (n *Notifier) NotifyEmergencyStop(ctx context.Context, reason string) error {
	return n.Send(ctx, fmt.Sprintf("<b>EMERGENCY STOP</b>\nReason: %s\nAll trading halted.", reason))
}

func (n *Notifier) NotifyDailySummary(ctx context.Context, pnl float64, fills int, volume float64) error {
	msg := fmt.Sprintf("<b>Daily Summary</b>\nPnL: %.2f USD\nFills: %d\nVolume: %.2f USD", pnl, fills, volume)
	return n.Send(ctx, msg)
}

func (n *Notifier) NotifyRiskCooldown(ctx context.Context, consecutiveLosses, maxConsecutiveLosses int, cooldownRemaining time.Duration) error {
	msg := fmt.Sprintf(
		"<b>Risk Cooldown</b>\nConsecutive Losses: %d/%d\nCooldown Remaining: %.0fs",
		consecutiveLosses, maxConsecutiveLosses, cooldownRemaining.Seconds(),
	)
	return n.Send(ctx, msg)
}

// questionCallbackPrefix namespaces ask-question inline-keyboard callback
// data from any other bot command this notifier might grow.
const questionCallbackPrefix = "AQ:"

// questionActions are the operator-facing button labels; the engine's
// askquestion package maps each back to an OperatorCommand (spec.md §4.12).
var questionActions = []string{"APPROVE", "PAUSE", "HOLD", "FLATTEN", "CANCEL_ORDERS", "REJECT"}

// SendQuestion posts an ask-question prompt with one inline button per
// operator action, tagging each callback with the question ID so the
// reply can be routed back without extra state.
func (n *Notifier) SendQuestion(ctx context.Context, questionID, coin, reasonCode, summary string) error {
	if !n.enabled {
		return nil
	}
	text := fmt.Sprintf("<b>Ask-Question</b>\nID: <code>%s</code>\nCoin: <code>%s</code>\nReason: %s\n%s",
		questionID, coin, reasonCode, summary)
	m := tgbotapi.NewMessage(n.chatID, text)
	m.ParseMode = tgbotapi.ModeHTML

	row := make([]tgbotapi.InlineKeyboardButton, 0, len(questionActions))
	for _, action := range questionActions {
		data := questionCallbackPrefix + questionID + ":" + action
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(action, data))
	}
	m.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)

	if _, err := n.bot.Send(m); err != nil {
		return fmt.Errorf("notify: send question: %w", err)
	}
	return nil
}

// OperatorCommand is a parsed reply to an ask-question prompt.
type OperatorCommand struct {
	QuestionID string
	Action     string // one of questionActions, or "CUSTOM" for free-text replies
	Text       string // free-text body, set only for CUSTOM
}

// Listen polls Telegram for operator replies and emits OperatorCommands on
// the returned channel until ctx is cancelled. Plain text replies (not a
// button press) are reported as CUSTOM so the caller can apply its own
// free-text parsing.
func (n *Notifier) Listen(ctx context.Context) <-chan OperatorCommand {
	out := make(chan OperatorCommand)
	if !n.enabled {
		close(out)
		return out
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := n.bot.GetUpdatesChan(cfg)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if cmd, ok := parseUpdate(update); ok {
					select {
					case out <- cmd:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func parseUpdate(update tgbotapi.Update) (OperatorCommand, bool) {
	if update.CallbackQuery != nil {
		data := update.CallbackQuery.Data
		if strings.HasPrefix(data, questionCallbackPrefix) {
			rest := strings.TrimPrefix(data, questionCallbackPrefix)
			idx := strings.LastIndex(rest, ":")
			if idx < 0 {
				return OperatorCommand{}, false
			}
			return OperatorCommand{QuestionID: rest[:idx], Action: rest[idx+1:]}, true
		}
		return OperatorCommand{}, false
	}
	if update.Message != nil && !update.Message.IsCommand() {
		return OperatorCommand{Action: "CUSTOM", Text: update.Message.Text}, true
	}
	return OperatorCommand{}, false
}

// ParseChatID is a small helper for config loading, where chat IDs arrive
// as strings from the environment.
func ParseChatID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
