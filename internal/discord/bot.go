// Package discord provides the Discord bot layer for Nova. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, turns text channel messages into text turns and
// checks the control role for voice commands.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/nova/pkg/audio"
	discordaudio "github.com/MrWong99/nova/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild the bot serves voice in and registers its
	// commands for. Empty registers the commands globally.
	GuildID string

	// TextChannels lists channels in which every message is a text turn.
	TextChannels []string

	// ControlRoleID restricts the voice commands to members with this role.
	// Empty allows everyone.
	ControlRoleID string
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	cfg       Config
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.ControlRoleID),
		cfg:      cfg,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// GuildID returns the target guild ID.
func (b *Bot) GuildID() string {
	return b.cfg.GuildID
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// UserID returns the bot's own user ID.
func (b *Bot) UserID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session.State == nil || b.session.State.User == nil {
		return ""
	}
	return b.session.State.User.ID
}

// VoiceChannelOf returns the voice channel userID is connected to in the
// bot's guild, or "".
func (b *Bot) VoiceChannelOf(userID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	vs, err := b.session.State.VoiceState(b.cfg.GuildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// SendMessage posts content to channelID, as a reply to the message
// replyTo when it is non-empty. Content longer than a Discord message is
// split.
func (b *Bot) SendMessage(channelID, content, replyTo string) error {
	for n, part := range SplitMessage(content, MaxMessageLength) {
		msg := &discordgo.MessageSend{
			Content:         part,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if n == 0 && replyTo != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
		}
		if _, err := b.session.ChannelMessageSendComplex(channelID, msg); err != nil {
			return fmt.Errorf("discord: send message to %q: %w", channelID, err)
		}
	}
	return nil
}

// EnableChat answers messages in the configured text channels, and
// mentions anywhere, with text turns run by turns.
func (b *Bot) EnableChat(ctx context.Context, turns TextTurns) *Chat {
	chat := NewChat(turns, b, b.UserID, b.cfg.TextChannels)
	b.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		chat.HandleMessage(ctx, m)
	})
	return chat
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	appID := b.UserID()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord and unregisters commands.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && b.session.State != nil && b.session.State.User != nil {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.cfg.GuildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}
