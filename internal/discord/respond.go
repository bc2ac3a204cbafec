package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// InteractionAPI is the part of [*discordgo.Session] used to answer
// interactions.
type InteractionAPI interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ InteractionAPI = (*discordgo.Session)(nil)

// Reply answers one slash command. All replies are ephemeral: only the
// invoking member sees them.
type Reply struct {
	api      InteractionAPI
	i        *discordgo.InteractionCreate
	deferred bool
}

// NewReply wraps interaction i for answering through api.
func NewReply(api InteractionAPI, i *discordgo.InteractionCreate) *Reply {
	return &Reply{api: api, i: i}
}

// UserID is the invoking member.
func (r *Reply) UserID() string { return InteractionUserID(r.i) }

// Defer acknowledges the interaction so the answer may take longer than the
// three seconds Discord allows for an immediate response.
func (r *Reply) Defer() {
	err := r.api.InteractionRespond(r.i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		slog.Warn("discord: failed to defer reply", "err", err)
		return
	}
	r.deferred = true
}

// Send delivers content. After [Reply.Defer] it is sent as follow-ups,
// split at [MaxMessageLength]; otherwise as the immediate response, cut to
// the limit.
func (r *Reply) Send(content string) {
	parts := SplitMessage(content, MaxMessageLength)
	if len(parts) == 0 {
		parts = []string{"Done."}
	}

	if !r.deferred {
		err := r.api.InteractionRespond(r.i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: parts[0],
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		if err != nil {
			slog.Warn("discord: failed to send response", "err", err)
		}
		return
	}

	for _, part := range parts {
		_, err := r.api.FollowupMessageCreate(r.i.Interaction, true, &discordgo.WebhookParams{
			Content: part,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		if err != nil {
			slog.Warn("discord: failed to send follow-up", "err", err)
			return
		}
	}
}

// InteractionUserID returns the invoking user for guild (Member) and DM
// (User) interactions alike.
func InteractionUserID(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	default:
		return ""
	}
}
