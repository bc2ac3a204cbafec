package discord

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/internal/turn"
)

// MaxMessageLength is the longest content Discord accepts in one message.
const MaxMessageLength = 2000

// Messenger posts text to a Discord channel. [*Bot] satisfies it.
type Messenger interface {
	SendMessage(channelID, content, replyTo string) error
}

// TextTurns runs a text turn in the conversation keyed by a text channel.
type TextTurns interface {
	HandleText(ctx context.Context, channelID string, in turn.Input) (turn.Result, error)
}

// Chat turns Discord messages into text turns and posts the replies.
type Chat struct {
	turns    TextTurns
	send     Messenger
	botID    func() string
	channels []string
}

// NewChat creates a Chat. Every message in channels is answered; elsewhere
// only messages mentioning the bot are. botID reports the bot's user ID.
func NewChat(turns TextTurns, send Messenger, botID func() string, channels []string) *Chat {
	return &Chat{
		turns:    turns,
		send:     send,
		botID:    botID,
		channels: slices.Clone(channels),
	}
}

// HandleMessage runs a text turn for m when it is addressed to the bot.
func (c *Chat) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	botID := c.botID()
	if m.Author.ID == botID {
		return
	}

	mentioned := botID != "" && slices.ContainsFunc(m.Mentions, func(u *discordgo.User) bool {
		return u != nil && u.ID == botID
	})
	if !mentioned && !slices.Contains(c.channels, m.ChannelID) {
		return
	}

	text := StripMention(m.Content, botID)
	if text == "" {
		return
	}

	log := observe.Logger(ctx).With("channel_id", m.ChannelID, "speaker_id", m.Author.ID)
	res, err := c.turns.HandleText(ctx, m.ChannelID, turn.Input{
		Text:    text,
		Speaker: displayName(m.Message),
		Mode:    turn.ModeText,
	})
	switch {
	case errors.Is(err, turn.ErrBusy):
		log.Debug("discord: message dropped, turn in progress")
		return
	case err != nil:
		log.Warn("discord: text turn failed", "err", err)
		return
	}
	if strings.TrimSpace(res.Reply) == "" {
		return
	}
	if err := c.send.SendMessage(m.ChannelID, res.Reply, m.ID); err != nil {
		log.Warn("discord: failed to post reply", "err", err)
	}
}

// StripMention removes mentions of botID from content and trims the result.
func StripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// SplitMessage cuts text into parts of at most limit bytes, preferring line
// breaks, then spaces. It never splits a UTF-8 sequence.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var parts []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i > limit/2 {
			cut = i
		} else if i := strings.LastIndexByte(text[:cut], ' '); i > limit/2 {
			cut = i
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// ChannelSink posts replies that could not be spoken to a text channel.
type ChannelSink struct {
	send      Messenger
	channelID string
}

var _ turn.TextSink = (*ChannelSink)(nil)

// NewChannelSink returns a sink posting to channelID.
func NewChannelSink(send Messenger, channelID string) *ChannelSink {
	return &ChannelSink{send: send, channelID: channelID}
}

// SendText implements [turn.TextSink].
func (s *ChannelSink) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.send.SendMessage(s.channelID, text, "")
}
