package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-atlas/internal/audit"
	"github.com/basket/go-atlas/internal/ingress"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/queue"
	"github.com/basket/go-atlas/internal/trigger"
	"github.com/basket/go-atlas/internal/wake"
)

var _ Channel = (*TelegramChannel)(nil)

type fakeBot struct {
	updates chan tgbotapi.Update

	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	sendErr error
	opens   int
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) messages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), b.sent...)
}

type recordingIntake struct {
	mu    sync.Mutex
	calls []ingress.Inbound
	err   error
}

func (r *recordingIntake) Intake(_ context.Context, in ingress.Inbound) (*persistence.Message, *ingress.Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, nil, r.err
	}
	r.calls = append(r.calls, in)
	return &persistence.Message{ID: int64(len(r.calls)), Channel: in.Channel}, nil, nil
}

func (r *recordingIntake) inbound() []ingress.Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingress.Inbound(nil), r.calls...)
}

type recordingRuntime struct {
	mu    sync.Mutex
	calls []ingress.Invocation
}

func (r *recordingRuntime) Fire(_ context.Context, inv ingress.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, inv)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "atlas.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func textMessage(userID, chatID int64, userName, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, UserName: userName},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTelegram_HandleMessage(t *testing.T) {
	intake := &recordingIntake{}
	bot := newFakeBot()
	ch := NewTelegramChannel(TelegramConfig{
		AllowedIDs: []int64{42},
		Intake:     intake,
		Logger:     quietLogger(),
		Bot:        bot,
	})
	ctx := context.Background()
	denied := audit.DenyCount()

	ch.handleMessage(ctx, textMessage(42, -100, "alice", "  check the backups  "))
	ch.handleMessage(ctx, textMessage(7, 7, "mallory", "let me in"))
	if audit.DenyCount() != denied+1 {
		t.Fatalf("expected one audited denial, count went %d -> %d", denied, audit.DenyCount())
	}
	ch.handleMessage(ctx, textMessage(42, 42, "alice", "   "))
	ch.handleMessage(ctx, &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "no sender"})

	calls := intake.inbound()
	if len(calls) != 1 {
		t.Fatalf("expected one intake call, got %#v", calls)
	}
	want := ingress.Inbound{
		Channel:    "telegram",
		Sender:     "@alice",
		Content:    "check the backups",
		ReplyTo:    "-100",
		Trigger:    DefaultTelegramTrigger,
		SessionKey: "-100",
	}
	if calls[0] != want {
		t.Fatalf("inbound = %#v, want %#v", calls[0], want)
	}
	if len(bot.messages()) != 0 {
		t.Fatalf("accepted and denied messages should not be answered directly, sent %#v", bot.messages())
	}
}

func TestTelegram_IntakeFailureIsReported(t *testing.T) {
	bot := newFakeBot()
	ch := NewTelegramChannel(TelegramConfig{
		AllowedIDs: []int64{42},
		Trigger:    "ops-chat",
		Intake:     &recordingIntake{err: errors.New("database is locked")},
		Logger:     quietLogger(),
		Bot:        bot,
	})
	ch.handleMessage(context.Background(), textMessage(42, 42, "", "hello"))

	sent := bot.messages()
	if len(sent) != 1 || sent[0].ChatID != 42 {
		t.Fatalf("expected an apology to chat 42, got %#v", sent)
	}
}

func TestTelegram_SenderName(t *testing.T) {
	cases := []struct {
		user tgbotapi.User
		want string
	}{
		{tgbotapi.User{ID: 1, UserName: "bob", FirstName: "Bob"}, "@bob"},
		{tgbotapi.User{ID: 2, FirstName: "Ada", LastName: "Lovelace"}, "Ada Lovelace"},
		{tgbotapi.User{ID: 3}, "3"},
	}
	for _, tc := range cases {
		if got := senderName(&tc.user); got != tc.want {
			t.Fatalf("senderName(%#v) = %q, want %q", tc.user, got, tc.want)
		}
	}
}

func TestTelegram_DeliverWake(t *testing.T) {
	bot := newFakeBot()
	ch := NewTelegramChannel(TelegramConfig{Logger: quietLogger(), Bot: bot})
	ctx := context.Background()

	if err := ch.deliverWake(ctx, persistence.Wake{ID: 1, SessionKey: "", ResponseSummary: "x"}); err == nil {
		t.Fatal("expected error for a wake without a chat id")
	}
	if err := ch.deliverWake(ctx, persistence.Wake{ID: 2, SessionKey: "-55", Outcome: persistence.WakeOutcomeCancelled}); err != nil {
		t.Fatalf("deliver cancelled: %v", err)
	}
	long := strings.Repeat("é", telegramMessageLimit+10)
	if err := ch.deliverWake(ctx, persistence.Wake{ID: 3, SessionKey: "9", ResponseSummary: long}); err != nil {
		t.Fatalf("deliver long: %v", err)
	}

	sent := bot.messages()
	if len(sent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(sent))
	}
	if sent[0].ChatID != -55 || sent[0].Text != "Request cancelled." {
		t.Fatalf("cancelled reply = %#v", sent[0])
	}
	if utf8.RuneCountInString(sent[1].Text) != telegramMessageLimit || sent[1].Text+sent[2].Text != long {
		t.Fatalf("long reply split badly: %d + %d runes", utf8.RuneCountInString(sent[1].Text), utf8.RuneCountInString(sent[2].Text))
	}

	bot.sendErr = errors.New("chat not found")
	if err := ch.deliverWake(ctx, persistence.Wake{ID: 4, SessionKey: "9", ResponseSummary: "ok"}); err == nil {
		t.Fatal("expected send failure to surface")
	}
}

func TestSplitMessage(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "hello", 5, []string{"hello"}},
		{"hard cut", "abcdefg", 3, []string{"abc", "def", "g"}},
		{"newline preferred", "ab\ncdef", 5, []string{"ab\n", "cdef"}},
		{"runes not bytes", "ééé", 2, []string{"éé", "é"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitMessage(tc.text, tc.limit)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("splitMessage(%q, %d) = %q, want %q", tc.text, tc.limit, got, tc.want)
			}
		})
	}
}

// A Telegram message fires the intake trigger with the chat as session,
// and the awaited task's result goes back to that chat.
func TestTelegram_RoundTrip(t *testing.T) {
	store := openStore(t)
	dir := t.TempDir()
	logger := quietLogger()
	reg := trigger.NewRegistry(trigger.Config{Store: store, Logger: logger})
	q := queue.New(queue.Config{Store: store, WorkerSignal: wake.NewSignal(filepath.Join(dir, "inbox", ".wake")), Logger: logger})
	rt := &recordingRuntime{}
	svc := ingress.New(ingress.Config{Triggers: reg, Store: store, Queue: q, Runtime: rt, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := reg.Create(ctx, trigger.Spec{Name: DefaultTelegramTrigger, Type: persistence.TriggerTypeManual, Channel: "telegram"}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if _, err := reg.Create(ctx, trigger.Spec{Name: "nightly", Type: persistence.TriggerTypeManual}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	bot := newFakeBot()
	ch := NewTelegramChannel(TelegramConfig{
		AllowedIDs:   []int64{42},
		Intake:       svc,
		Store:        store,
		Signal:       wake.NewSignal(filepath.Join(dir, "inbox", ".trigger-wake")),
		PollInterval: 20 * time.Millisecond,
		Logger:       logger,
		Bot:          bot,
	})
	done := make(chan error, 1)
	go func() { done <- ch.Start(ctx) }()

	bot.updates <- tgbotapi.Update{Message: textMessage(42, 4242, "alice", "what's on today?")}
	waitFor(t, "trigger invocation", func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.calls) == 1
	})
	rt.mu.Lock()
	inv := rt.calls[0]
	rt.mu.Unlock()
	if inv.TriggerName != DefaultTelegramTrigger || inv.SessionKey != "4242" || inv.Channel != "telegram" {
		t.Fatalf("unexpected invocation %#v", inv)
	}
	msgs, err := store.ListMessages(ctx, "telegram", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "@alice" || msgs[0].ReplyTo != "4242" {
		t.Fatalf("unexpected stored messages %#v", msgs)
	}

	// The agent queues work, awaits it for the chat, and finishes it. An
	// unrelated internal wake is left for other consumers.
	complete := func(triggerName, sessionKey, summary string) *persistence.Wake {
		t.Helper()
		task, err := store.EnqueueTask(ctx, triggerName, "work")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := store.RegisterAwait(ctx, task.ID, triggerName, sessionKey); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, _, err := store.ClaimNextTask(ctx); err != nil {
			t.Fatalf("claim: %v", err)
		}
		_, w, err := store.CompleteTask(ctx, task.ID, summary)
		if err != nil || w == nil {
			t.Fatalf("complete: wake=%v err=%v", w, err)
		}
		return w
	}
	other := complete("nightly", "", "nightly done")
	mine := complete(DefaultTelegramTrigger, "4242", "Two meetings and a dentist appointment.")
	if mine.Channel != "telegram" || other.Channel == "telegram" {
		t.Fatalf("wake channels = %q / %q", mine.Channel, other.Channel)
	}

	waitFor(t, "reply", func() bool { return len(bot.messages()) == 1 })
	sent := bot.messages()[0]
	if sent.ChatID != 4242 || sent.Text != "Two meetings and a dentist appointment." {
		t.Fatalf("unexpected reply %#v", sent)
	}
	waitFor(t, "ack", func() bool {
		w, err := store.GetWake(ctx, mine.ID)
		return err == nil && w.AckedAt != nil
	})
	w, err := store.GetWake(ctx, other.ID)
	if err != nil {
		t.Fatalf("get wake: %v", err)
	}
	if w.AckedAt != nil {
		t.Fatal("internal wake must stay pending")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop")
	}
}

func TestTelegram_ReconnectsWhenUpdatesClose(t *testing.T) {
	bot := newFakeBot()
	close(bot.updates)
	ch := NewTelegramChannel(TelegramConfig{Logger: quietLogger(), Bot: bot})
	ch.retryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Start(ctx) }()
	waitFor(t, "reconnect", func() bool {
		bot.mu.Lock()
		defer bot.mu.Unlock()
		return bot.opens >= 3
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not stop")
	}
}
