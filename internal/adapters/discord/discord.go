// Package discord renders agent sessions into Discord threads and turns
// incoming messages into typed commands.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/config"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/events"
	"github.com/instruktai/teleclaude/internal/events/bus"
	"github.com/instruktai/teleclaude/internal/store"
)

const maxMessageLen = 1900 // Discord limit is 2000; leave margin

// Adapter is the Discord UI adapter. Each session gets a thread under the
// configured channel; thread ids persist in ux_state so rendering survives
// daemon restarts.
type Adapter struct {
	cfg     config.DiscordConfig
	ingress *command.Ingress
	store   *store.Store
	log     *logger.Logger

	session *discordgo.Session
}

// New creates the Discord adapter.
func New(cfg config.DiscordConfig, ingress *command.Ingress, st *store.Store, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		ingress: ingress,
		store:   st,
		log:     log.WithAdapter("discord"),
	}
}

// Name implements adapters.Adapter.
func (a *Adapter) Name() string { return "discord" }

// Start opens the gateway connection and installs the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord client failed: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	session.AddHandler(a.onMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect failed: %w", err)
	}
	a.session = session
	a.log.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

// Healthy reports gateway connectivity.
func (a *Adapter) Healthy(ctx context.Context) bool {
	if a.session == nil {
		return false
	}
	_, err := a.session.User("@me")
	return err == nil
}

// ChannelReady reports whether the session's thread exists.
func (a *Adapter) ChannelReady(ctx context.Context, sessionID string) bool {
	threadID, err := a.store.GetUXState(ctx, a.Name(), sessionID, "thread_id")
	return err == nil && threadID != ""
}

// EnsureChannel creates the session's thread under the configured channel.
func (a *Adapter) EnsureChannel(ctx context.Context, sessionID string) error {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s · %s", sess.ShortID(), sess.Agent)
	if sess.Title != "" {
		name = fmt.Sprintf("%s · %s", sess.ShortID(), sess.Title)
	}
	thread, err := a.session.ThreadStart(a.cfg.ChannelID, name, discordgo.ChannelTypeGuildPublicThread, 1440)
	if err != nil {
		return fmt.Errorf("thread creation failed: %w", err)
	}
	return a.store.SetUXState(ctx, a.Name(), sessionID, "thread_id", thread.ID)
}

// DeliverEvent renders one domain event into the session's thread.
func (a *Adapter) DeliverEvent(ctx context.Context, event *bus.Event) error {
	switch data := event.Data.(type) {
	case *events.SessionPayload:
		return a.deliverSession(ctx, event.Type, data)
	case *events.OutputPayload:
		return a.deliverOutput(ctx, event.Type, data)
	}
	return nil
}

func (a *Adapter) deliverSession(ctx context.Context, eventType string, data *events.SessionPayload) error {
	threadID, err := a.threadID(ctx, data.SessionID)
	if err != nil {
		return err
	}
	var text string
	switch eventType {
	case events.SessionClosed:
		text = "session closed"
	case events.SessionDied:
		text = "session pane vanished"
	case events.SessionIdle:
		text = "session idle"
	default:
		return nil
	}
	_, err = a.session.ChannelMessageSend(threadID, text)
	return err
}

func (a *Adapter) deliverOutput(ctx context.Context, eventType string, data *events.OutputPayload) error {
	threadID, err := a.threadID(ctx, data.SessionID)
	if err != nil {
		return err
	}

	if eventType == events.SessionCompleted {
		text := "command finished"
		if data.ExitCode != nil && *data.ExitCode != 0 {
			text = fmt.Sprintf("command exited with %d", *data.ExitCode)
		}
		_, err := a.session.ChannelMessageSend(threadID, text)
		return err
	}

	if data.Text == "" {
		return nil
	}
	for _, chunk := range splitChunks(data.Text, maxMessageLen) {
		if _, err := a.session.ChannelMessageSend(threadID, "```\n"+chunk+"\n```"); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) threadID(ctx context.Context, sessionID string) (string, error) {
	threadID, err := a.store.GetUXState(ctx, a.Name(), sessionID, "thread_id")
	if err != nil {
		return "", err
	}
	if threadID == "" {
		return "", fmt.Errorf("thread for session %s not ready", sessionID)
	}
	return threadID, nil
}

// onMessage turns thread messages into commands for the bound session.
func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}
	ctx := context.Background()

	if strings.HasPrefix(text, "!new") {
		fields := strings.Fields(text)
		if len(fields) < 2 {
			a.replyTo(m.ChannelID, "usage: !new <dir> [agent]")
			return
		}
		args := &command.NewSessionArgs{Cwd: fields[1]}
		if len(fields) > 2 {
			args.Agent = fields[2]
		}
		if _, err := a.ingress.Submit(ctx, &command.Command{
			Kind: command.KindNewSession, Source: command.SourceDiscord, Args: args,
		}); err != nil {
			a.replyTo(m.ChannelID, "rejected: "+err.Error())
		}
		return
	}

	// Inside a session thread, plain text goes to that session's pane.
	sessionID, err := a.sessionForThread(ctx, m.ChannelID)
	if err != nil {
		return
	}
	if _, err := a.ingress.Submit(ctx, &command.Command{
		Kind:   command.KindSendMessage,
		Source: command.SourceDiscord,
		Args:   &command.SendMessageArgs{SessionID: sessionID, Text: text},
	}); err != nil {
		a.replyTo(m.ChannelID, "rejected: "+err.Error())
	}
}

// sessionForThread reverse-maps a thread id onto its session.
func (a *Adapter) sessionForThread(ctx context.Context, threadID string) (string, error) {
	sessions, err := a.store.ListActiveSessions(ctx)
	if err != nil {
		return "", err
	}
	for _, sess := range sessions {
		id, err := a.store.GetUXState(ctx, a.Name(), sess.ID, "thread_id")
		if err == nil && id == threadID {
			return sess.ID, nil
		}
	}
	return "", fmt.Errorf("no session for thread %s", threadID)
}

func (a *Adapter) replyTo(channelID, text string) {
	if _, err := a.session.ChannelMessageSend(channelID, text); err != nil {
		a.log.Warn("reply failed", zap.Error(err))
	}
}

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
