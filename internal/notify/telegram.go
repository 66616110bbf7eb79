package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/engine"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
)

const (
	maxReasonLen = 300
	// tgbotapi long-polls for 60s; nothing for longer than this means the
	// connection is dead even though the channel stays open.
	stallTimeout = 150 * time.Second
	maxBackoff   = 30 * time.Second
)

// Bot is the slice of *tgbotapi.BotAPI the notifier uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// ChatCapturer turns "task: ..." chat messages into tasks.
// *engine.Service implements it.
type ChatCapturer interface {
	CaptureChatTask(ctx context.Context, message, agentID string) (engine.TaskView, bool, error)
}

type TelegramConfig struct {
	Bot     Bot
	ChatIDs []int64
	Bus     *bus.Bus
	Logger  *slog.Logger
	// Tasks enables inbound task capture when set.
	Tasks ChatCapturer
}

// Telegram posts completed and failed tasks to the configured chats.
type Telegram struct {
	cfg     TelegramConfig
	allowed map[int64]struct{}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return bot, nil
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Bot == nil {
		return nil, errors.New("telegram: bot is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("telegram: event bus is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram: at least one chat id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.ChatIDs))
	for _, id := range cfg.ChatIDs {
		allowed[id] = struct{}{}
	}
	return &Telegram{cfg: cfg, allowed: allowed}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Start(ctx context.Context) error {
	sub := t.cfg.Bus.Subscribe(bus.TopicTaskStatusChanged)
	defer t.cfg.Bus.Unsubscribe(sub)

	if t.cfg.Tasks != nil {
		go t.listen(ctx)
	}
	t.cfg.Logger.Info("telegram notifier started", "chats", len(t.cfg.ChatIDs), "accept_tasks", t.cfg.Tasks != nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			p, ok := ev.Payload.(bus.TaskStatusChangedEvent)
			if !ok {
				continue
			}
			if text, ok := FormatStatusChange(p); ok {
				t.broadcast(text)
			}
		}
	}
}

// FormatStatusChange renders a terminal status change as a MarkdownV2
// message. ok is false for non-terminal transitions.
func FormatStatusChange(ev bus.TaskStatusChangedEvent) (string, bool) {
	st, _ := persistence.ParseTaskStatus(ev.NewStatus)
	if !st.Terminal() || ev.OldStatus == ev.NewStatus {
		return "", false
	}
	icon := "✅"
	if st == persistence.StatusFailed {
		icon = "❌"
	}
	name := shared.FirstNonEmpty(ev.Name, ev.JobID)
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* %s", icon, escapeMarkdownV2(name), escapeMarkdownV2(string(st)))
	if ev.AgentID != "" {
		fmt.Fprintf(&b, "\nagent: `%s`", escapeMarkdownV2(ev.AgentID))
	}
	if reason := strings.TrimSpace(ev.Reason); reason != "" {
		fmt.Fprintf(&b, "\n%s", escapeMarkdownV2(shared.Clip(reason, maxReasonLen)))
	}
	fmt.Fprintf(&b, "\nid: `%s`", escapeMarkdownV2(ev.JobID))
	return b.String(), true
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.cfg.ChatIDs {
		t.replyMarkdown(chatID, text)
	}
}

func (t *Telegram) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.cfg.Bot.Send(msg); err != nil {
		t.cfg.Logger.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	if _, err := t.cfg.Bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.cfg.Logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

// listen long-polls for messages and reconnects with exponential backoff.
func (t *Telegram) listen(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		err := t.pollUpdates(ctx, t.cfg.Bot.GetUpdatesChan(u))
		t.cfg.Bot.StopReceivingUpdates()
		if err == nil {
			return
		}
		t.cfg.Logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates returns nil when ctx is done and an error to trigger a reconnect.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			timer.Reset(stallTimeout)
			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage captures "task: ..." messages. An "@agent" prefix routes the
// task to that agent.
func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	if _, ok := t.allowed[chatID]; !ok {
		t.cfg.Logger.Warn("telegram access denied", "chat_id", chatID)
		return
	}
	content := strings.TrimSpace(msg.Text)
	agentID := ""
	if strings.HasPrefix(content, "@") {
		head, rest, _ := strings.Cut(content, " ")
		agentID = strings.TrimPrefix(head, "@")
		content = strings.TrimSpace(rest)
	}
	if content == "" {
		return
	}
	view, captured, err := t.cfg.Tasks.CaptureChatTask(ctx, content, agentID)
	switch {
	case err != nil:
		t.cfg.Logger.Error("telegram task capture failed", "chat_id", chatID, "error", err)
		t.reply(chatID, "Could not create task: "+err.Error())
	case captured:
		t.reply(chatID, fmt.Sprintf("Task queued: %s (%s)", view.Meta.Name, view.ID))
	}
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
