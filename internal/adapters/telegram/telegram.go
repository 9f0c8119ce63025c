// Package telegram renders agent sessions into a Telegram chat and turns
// incoming bot messages into typed commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/store"
)

const maxMessageLen = 4000 // Telegram limit is 4096; leave margin

// botAPI is the subset of tgbotapi.BotAPI the adapter uses, allowing tests
// to supply a fake without a live connection.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetMe() (tgbotapi.User, error)
}

// Adapter is the Telegram UI adapter.
type Adapter struct {
	cfg     config.TelegramConfig
	ingress *command.Ingress
	store   *store.Store
	log     *logger.Logger

	bot    botAPI
	cancel context.CancelFunc
}

// New creates the Telegram adapter.
func New(cfg config.TelegramConfig, ingress *command.Ingress, st *store.Store, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		ingress: ingress,
		store:   st,
		log:     log.WithAdapter("telegram"),
	}
}

// Name implements adapters.Adapter.
func (a *Adapter) Name() string { return "telegram" }

// Start connects the bot and begins consuming updates.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram connect failed: %w", err)
	}
	a.bot = bot

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := a.bot.GetUpdatesChan(updateCfg)
	go a.consumeUpdates(runCtx, updates)

	a.log.Info("telegram adapter started", zap.String("bot", bot.Self.UserName))
	return nil
}

// Stop tears the bot connection down.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bot != nil {
		a.bot.StopReceivingUpdates()
	}
	return nil
}

// Healthy probes the bot API.
func (a *Adapter) Healthy(ctx context.Context) bool {
	if a.bot == nil {
		return false
	}
	_, err := a.bot.GetMe()
	return err == nil
}

// ChannelReady reports whether this session has been announced in the chat.
func (a *Adapter) ChannelReady(ctx context.Context, sessionID string) bool {
	v, err := a.store.GetUXState(ctx, a.Name(), sessionID, "announced")
	return err == nil && v != ""
}

// EnsureChannel announces the session into the configured chat.
func (a *Adapter) EnsureChannel(ctx context.Context, sessionID string) error {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("▶️ session %s (%s) in %s", sess.ShortID(), sess.Agent, sess.Cwd)
	if _, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, text)); err != nil {
		return err
	}
	return a.store.SetUXState(ctx, a.Name(), sessionID, "announced", "1")
}

// DeliverEvent renders one domain event into the chat.
func (a *Adapter) DeliverEvent(ctx context.Context, event *bus.Event) error {
	switch data := event.Data.(type) {
	case *events.SessionPayload:
		return a.deliverSession(ctx, event.Type, data)
	case *events.OutputPayload:
		return a.deliverOutput(ctx, event.Type, data)
	case *events.ActivityPayload:
		return a.deliverActivity(ctx, data)
	}
	return nil
}

func (a *Adapter) deliverSession(ctx context.Context, eventType string, data *events.SessionPayload) error {
	var text string
	switch eventType {
	case events.SessionStarted:
		// Announcement happens through EnsureChannel; nothing extra here.
		return nil
	case events.SessionClosed:
		text = fmt.Sprintf("⏹ session %s closed", data.ShortID)
	case events.SessionDied:
		text = fmt.Sprintf("💀 session %s pane vanished", data.ShortID)
	case events.SessionIdle:
		text = fmt.Sprintf("💤 session %s has been quiet for a while", data.ShortID)
		msg, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, text))
		if err != nil {
			return err
		}
		// Remember the notice so it can be withdrawn on resumption.
		return a.store.SetUXState(ctx, a.Name(), data.SessionID, "idle_notice", strconv.Itoa(msg.MessageID))
	case events.SessionUpdated:
		// Resumption after idle: withdraw the notice.
		if idleID, err := a.store.GetUXState(ctx, a.Name(), data.SessionID, "idle_notice"); err == nil && idleID != "" {
			if msgID, err := strconv.Atoi(idleID); err == nil {
				_, _ = a.bot.Request(tgbotapi.NewDeleteMessage(a.cfg.ChatID, msgID))
			}
			_ = a.store.DeleteUXState(ctx, a.Name(), data.SessionID, "idle_notice")
		}
		return nil
	default:
		return nil
	}
	_, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, text))
	return err
}

func (a *Adapter) deliverOutput(ctx context.Context, eventType string, data *events.OutputPayload) error {
	if eventType == events.SessionCompleted {
		text := fmt.Sprintf("✅ session %s command finished", data.ShortID)
		if data.ExitCode != nil && *data.ExitCode != 0 {
			text = fmt.Sprintf("⚠️ session %s command exited with %d", data.ShortID, *data.ExitCode)
		}
		_ = a.store.DeleteUXState(ctx, a.Name(), data.SessionID, "stream_msg")
		_, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, text))
		return err
	}

	if data.Text == "" {
		return nil
	}

	// Streaming-edit mode: while the attribute holds, edit one running
	// message instead of sending new ones.
	if data.StreamEdit {
		if prior, err := a.store.GetUXState(ctx, a.Name(), data.SessionID, "stream_msg"); err == nil && prior != "" {
			state := strings.SplitN(prior, ":", 2)
			if msgID, err := strconv.Atoi(state[0]); err == nil {
				body := truncateTail(state[1]+data.Text, maxMessageLen)
				edit := tgbotapi.NewEditMessageText(a.cfg.ChatID, msgID, body)
				if _, err := a.bot.Send(edit); err == nil {
					return a.store.SetUXState(ctx, a.Name(), data.SessionID, "stream_msg", fmt.Sprintf("%d:%s", msgID, body))
				}
			}
		}
		body := truncateTail(data.Text, maxMessageLen)
		msg, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, body))
		if err != nil {
			return err
		}
		return a.store.SetUXState(ctx, a.Name(), data.SessionID, "stream_msg", fmt.Sprintf("%d:%s", msg.MessageID, body))
	}

	for _, chunk := range splitChunks(data.Text, maxMessageLen) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) deliverActivity(ctx context.Context, data *events.ActivityPayload) error {
	if data.Kind != events.ActivityToolUse || data.Tool == "" {
		return nil
	}
	text := fmt.Sprintf("🔧 %s: %s", data.Tool, data.Preview)
	_, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, truncateTail(text, maxMessageLen)))
	return err
}

// consumeUpdates turns incoming bot messages into typed commands.
func (a *Adapter) consumeUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Chat == nil {
				continue
			}
			if a.cfg.ChatID != 0 && update.Message.Chat.ID != a.cfg.ChatID {
				continue
			}
			a.handleMessage(ctx, update.Message)
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	cmd, err := a.parseCommand(ctx, text)
	if err != nil {
		a.reply(err.Error())
		return
	}
	if cmd == nil {
		return
	}

	if _, err := a.ingress.Submit(ctx, cmd); err != nil {
		a.reply("rejected: " + err.Error())
	}
}

// parseCommand maps chat input onto commands. Bot commands manage sessions;
// plain text goes to the chat's bound session.
func (a *Adapter) parseCommand(ctx context.Context, text string) (*command.Command, error) {
	fields := strings.Fields(text)
	switch {
	case strings.HasPrefix(text, "/new"):
		if len(fields) < 2 {
			return nil, fmt.Errorf("usage: /new <dir> [agent]")
		}
		args := &command.NewSessionArgs{Cwd: fields[1]}
		if len(fields) > 2 {
			args.Agent = fields[2]
		}
		return &command.Command{Kind: command.KindNewSession, Source: command.SourceTelegram, Args: args}, nil

	case strings.HasPrefix(text, "/end"):
		if len(fields) < 2 {
			return nil, fmt.Errorf("usage: /end <session>")
		}
		return &command.Command{
			Kind:   command.KindEndSession,
			Source: command.SourceTelegram,
			Args:   &command.EndSessionArgs{SessionID: fields[1]},
		}, nil

	case strings.HasPrefix(text, "/sessions"):
		a.replySessions(ctx)
		return nil, nil

	case strings.HasPrefix(text, "/use"):
		if len(fields) < 2 {
			return nil, fmt.Errorf("usage: /use <session>")
		}
		sess, err := a.resolveSession(ctx, fields[1])
		if err != nil {
			return nil, fmt.Errorf("unknown session '%s'", fields[1])
		}
		if err := a.store.SetUXState(ctx, a.Name(), sess.ID, "bound_chat", strconv.FormatInt(a.cfg.ChatID, 10)); err != nil {
			return nil, fmt.Errorf("failed to bind session")
		}
		a.reply("now talking to session " + sess.ShortID())
		return nil, nil

	default:
		target, err := a.boundSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("no session bound; use /use <session> first")
		}
		return &command.Command{
			Kind:   command.KindSendMessage,
			Source: command.SourceTelegram,
			Args:   &command.SendMessageArgs{SessionID: target, Text: text},
		}, nil
	}
}

// resolveSession accepts full or short session ids.
func (a *Adapter) resolveSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := a.store.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	return a.store.GetSessionByShortID(ctx, id)
}

// boundSession finds the session bound to this chat via /use.
func (a *Adapter) boundSession(ctx context.Context) (string, error) {
	sessions, err := a.store.ListActiveSessions(ctx)
	if err != nil {
		return "", err
	}
	chat := strconv.FormatInt(a.cfg.ChatID, 10)
	for _, sess := range sessions {
		v, err := a.store.GetUXState(ctx, a.Name(), sess.ID, "bound_chat")
		if err == nil && v == chat {
			return sess.ID, nil
		}
	}
	return "", fmt.Errorf("no bound session")
}

func (a *Adapter) replySessions(ctx context.Context) {
	sessions, err := a.store.ListActiveSessions(ctx)
	if err != nil {
		a.reply("failed to list sessions")
		return
	}
	if len(sessions) == 0 {
		a.reply("no active sessions")
		return
	}
	var b strings.Builder
	for _, sess := range sessions {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n", sess.ShortID(), sess.Agent, sess.Status, sess.Cwd)
	}
	a.reply(b.String())
}

func (a *Adapter) reply(text string) {
	if _, err := a.bot.Send(tgbotapi.NewMessage(a.cfg.ChatID, truncateTail(text, maxMessageLen))); err != nil {
		a.log.Warn("reply failed", zap.Error(err))
	}
}

// splitChunks cuts text into <= limit pieces on line boundaries when
// possible.
func splitChunks(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func truncateTail(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[len(text)-limit:]
}
