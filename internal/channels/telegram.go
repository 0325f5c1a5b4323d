package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-atlas/internal/audit"
	"github.com/basket/go-atlas/internal/ingress"
	"github.com/basket/go-atlas/internal/persistence"
	"github.com/basket/go-atlas/internal/telemetry"
	"github.com/basket/go-atlas/internal/wake"
)

const (
	telegramName = "telegram"

	// DefaultTelegramTrigger is fired for accepted Telegram messages.
	DefaultTelegramTrigger = "telegram-chat"

	telegramMessageLimit = 4096
	telegramPollTimeout  = 60
	// The library blocks instead of closing the update channel when the
	// connection dies, so silence past two long polls means reconnect.
	telegramStallTimeout = 150 * time.Second
	maxReconnectBackoff  = 30 * time.Second
)

// Bot is the part of *tgbotapi.BotAPI the channel talks to.
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramConfig struct {
	Token string
	// AllowedIDs are the user ids whose messages are accepted. Empty
	// accepts nobody.
	AllowedIDs []int64
	Trigger    string
	Intake     Intaker
	// Store is read for reply wakes; nil disables reply delivery.
	Store        *persistence.Store
	Signal       *wake.Signal
	PollInterval time.Duration
	Logger       *slog.Logger
	// Bot replaces the API client normally built from Token.
	Bot Bot
}

// TelegramChannel feeds Telegram messages to intake and sends the results
// of awaited tasks back to the originating chat.
type TelegramChannel struct {
	token        string
	allowedIDs   map[int64]struct{}
	trigger      string
	intake       Intaker
	store        *persistence.Store
	signal       *wake.Signal
	pollInterval time.Duration
	logger       *slog.Logger
	bot          Bot
	retryDelay   time.Duration
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	name := strings.TrimSpace(cfg.Trigger)
	if name == "" {
		name = DefaultTelegramTrigger
	}
	return &TelegramChannel{
		token:        cfg.Token,
		allowedIDs:   allowed,
		trigger:      name,
		intake:       cfg.Intake,
		store:        cfg.Store,
		signal:       cfg.Signal,
		pollInterval: cfg.PollInterval,
		logger:       telemetry.Component(cfg.Logger, "telegram"),
		bot:          cfg.Bot,
		retryDelay:   time.Second,
	}
}

func (t *TelegramChannel) Name() string {
	return telegramName
}

// Start connects, then receives messages and delivers replies until ctx is
// cancelled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		api, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", api.Self.UserName)
		t.bot = api
	}
	if len(t.allowedIDs) == 0 {
		t.logger.Warn("telegram allowed_ids is empty; every message will be rejected")
	}

	var wg sync.WaitGroup
	if t.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.deliverReplies(ctx); err != nil {
				t.logger.Error("telegram reply delivery stopped", "error", err)
			}
		}()
	}
	defer wg.Wait()

	backoff := t.retryDelay
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = telegramPollTimeout
		pollErr := t.pollUpdates(ctx, t.bot.GetUpdatesChan(u))
		t.bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

// pollUpdates returns nil when ctx is done and an error when the stream
// closes or stalls.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(telegramStallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(telegramStallTimeout)
			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", telegramStallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		audit.Deny(ctx, audit.ActionChannelMessage, "telegram:"+strconv.FormatInt(msg.From.ID, 10), "sender not allowed")
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	// Group chats reply to the group, direct chats to the sender.
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	stored, inv, err := t.intake.Intake(ctx, ingress.Inbound{
		Channel:    telegramName,
		Sender:     senderName(msg.From),
		Content:    content,
		ReplyTo:    chatID,
		Trigger:    t.trigger,
		SessionKey: chatID,
	})
	if err != nil {
		t.logger.Error("telegram intake failed", "chat_id", msg.Chat.ID, "error", err)
		t.reply(msg.Chat.ID, "Sorry, that message could not be delivered.")
		return
	}
	log := t.logger.With("chat_id", msg.Chat.ID, "message_id", stored.ID)
	if inv != nil {
		log = log.With("run_id", inv.ID)
	}
	log.Debug("telegram message accepted")
}

func (t *TelegramChannel) deliverReplies(ctx context.Context) error {
	w := wake.NewWatcher(wake.WatcherConfig{
		Store:        t.store,
		Signal:       t.signal,
		Channel:      telegramName,
		PollInterval: t.pollInterval,
		AutoAck:      true,
		Logger:       t.logger,
	})
	return w.Run(ctx, t.deliverWake)
}

// deliverWake sends a wake's result to the chat named by its session key.
// A failed send leaves the wake pending.
func (t *TelegramChannel) deliverWake(_ context.Context, wk persistence.Wake) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(wk.SessionKey), 10, 64)
	if err != nil {
		return fmt.Errorf("wake %d: session key %q is not a chat id", wk.ID, wk.SessionKey)
	}
	for _, part := range splitMessage(replyText(wk), telegramMessageLimit) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send reply for wake %d: %w", wk.ID, err)
		}
	}
	t.logger.Info("telegram reply sent", "wake_id", wk.ID, "task_id", wk.TaskID, "chat_id", chatID)
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func senderName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return strconv.FormatInt(u.ID, 10)
}
