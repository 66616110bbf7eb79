package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/engine"
	"github.com/basket/taskvisor/internal/persistence"
)

// Compile-time interface check.
var _ Notifier = (*Telegram)(nil)

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	updates chan tgbotapi.Update
	sendErr error
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.sendErr
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

type fakeCapturer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCapturer) CaptureChatTask(_ context.Context, message, agentID string) (engine.TaskView, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agentID+"|"+message)
	if f.err != nil {
		return engine.TaskView{}, true, f.err
	}
	text, ok := engine.TaskFromChat(message)
	if !ok {
		return engine.TaskView{}, false, nil
	}
	return engine.TaskView{ID: "job-1", Meta: persistence.TaskMeta{Name: "Task: " + text}}, true, nil
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func startTelegram(t *testing.T, cfg TelegramConfig) context.CancelFunc {
	t.Helper()
	tg, err := NewTelegram(cfg)
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tg.Start(ctx)
	}()
	waitFor(t, time.Second, func() bool { return cfg.Bus.SubscriberCount() > 0 })
	return func() {
		cancel()
		<-done
	}
}

func TestTelegram_AnnouncesTerminalStatus(t *testing.T) {
	b := bus.New()
	bot := newFakeBot()
	stop := startTelegram(t, TelegramConfig{Bot: bot, Bus: b, ChatIDs: []int64{10, 20}})
	defer stop()

	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{JobID: "j1", OldStatus: "assigned", NewStatus: "run_requested"})
	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		JobID: "j2", Name: "Task: ship v1.2", AgentID: "ops", OldStatus: "review", NewStatus: "failed", Reason: "tests failed",
	})

	waitFor(t, 2*time.Second, func() bool { return len(bot.messages()) == 2 })
	msgs := bot.messages()
	if msgs[0].ChatID != 10 || msgs[1].ChatID != 20 {
		t.Fatalf("chats = %d, %d", msgs[0].ChatID, msgs[1].ChatID)
	}
	if msgs[0].ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Fatalf("parse mode = %q", msgs[0].ParseMode)
	}
	if !strings.Contains(msgs[0].Text, `ship v1\.2`) || !strings.Contains(msgs[0].Text, "tests failed") {
		t.Fatalf("text = %q", msgs[0].Text)
	}
}

func TestTelegram_SendErrorIsLogged(t *testing.T) {
	b := bus.New()
	bot := newFakeBot()
	bot.sendErr = errors.New("forbidden")
	stop := startTelegram(t, TelegramConfig{Bot: bot, Bus: b, ChatIDs: []int64{1}})
	defer stop()

	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{JobID: "j1", OldStatus: "review", NewStatus: "completed"})
	waitFor(t, 2*time.Second, func() bool { return len(bot.messages()) == 1 })
}

func TestTelegram_CapturesTasksFromAllowedChats(t *testing.T) {
	b := bus.New()
	bot := newFakeBot()
	tasks := &fakeCapturer{}
	stop := startTelegram(t, TelegramConfig{Bot: bot, Bus: b, ChatIDs: []int64{42}, Tasks: tasks})
	defer stop()

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 99}, Text: "task: sneak in"}}
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}, Text: "just chatting"}}
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}, Text: "@ops task: rotate keys"}}

	waitFor(t, 2*time.Second, func() bool { return len(bot.messages()) == 1 })
	tasks.mu.Lock()
	calls := append([]string(nil), tasks.calls...)
	tasks.mu.Unlock()
	if len(calls) != 2 || calls[1] != "ops|task: rotate keys" {
		t.Fatalf("calls = %v", calls)
	}
	if got := bot.messages()[0].Text; !strings.Contains(got, "job-1") {
		t.Fatalf("reply = %q", got)
	}
}

func TestFormatStatusChange(t *testing.T) {
	if _, ok := FormatStatusChange(bus.TaskStatusChangedEvent{JobID: "j", OldStatus: "assigned", NewStatus: "review"}); ok {
		t.Fatal("review is not terminal")
	}
	if _, ok := FormatStatusChange(bus.TaskStatusChangedEvent{JobID: "j", OldStatus: "completed", NewStatus: "completed"}); ok {
		t.Fatal("unchanged status should not announce")
	}
	text, ok := FormatStatusChange(bus.TaskStatusChangedEvent{JobID: "j_1", OldStatus: "review", NewStatus: "completed"})
	if !ok || !strings.HasPrefix(text, "✅") || !strings.Contains(text, `j\_1`) {
		t.Fatalf("text = %q ok=%v", text, ok)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	if got := escapeMarkdownV2("a.b-c(d)!"); got != `a\.b\-c\(d\)\!` {
		t.Fatalf("escaped = %q", got)
	}
}

func TestNewTelegram_Validation(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{Bus: bus.New(), ChatIDs: []int64{1}}); err == nil {
		t.Fatal("expected error without bot")
	}
	if _, err := NewTelegram(TelegramConfig{Bot: newFakeBot(), Bus: bus.New()}); err == nil {
		t.Fatal("expected error without chats")
	}
	if _, err := NewTelegramBot(" "); err == nil {
		t.Fatal("expected error without token")
	}
}
