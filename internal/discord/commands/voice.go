// Package commands implements the Discord slash command handlers for Nova.
package commands

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/nova/internal/discord"
)

// commandTimeout bounds the work behind one deferred command.
const commandTimeout = 90 * time.Second

// VoiceService is the voice channel control surface the commands drive.
type VoiceService interface {
	// Join connects to a voice channel and starts listening.
	Join(ctx context.Context, channelID string) error

	// Leave disconnects from a voice channel.
	Leave(ctx context.Context, channelID string) error

	// Listen restricts capture to speakerID, or to everyone when empty.
	Listen(channelID, speakerID string) error

	// Stop cancels the running turn and stops playback.
	Stop(channelID string) error

	// Say speaks text verbatim.
	Say(ctx context.Context, channelID, text string) error

	// SetConversationMode toggles continuous listening.
	SetConversationMode(channelID string, on bool) error

	// Joined lists the channels currently joined.
	Joined() []string
}

// VoiceCommands holds the dependencies for /voice slash commands.
type VoiceCommands struct {
	svc    VoiceService
	perms  *discord.PermissionChecker
	locate func(userID string) string
}

// NewVoiceCommands creates a VoiceCommands and registers its handlers
// with the bot's router.
func NewVoiceCommands(bot *discord.Bot, svc VoiceService) *VoiceCommands {
	vc := &VoiceCommands{
		svc:    svc,
		perms:  bot.Permissions(),
		locate: bot.VoiceChannelOf,
	}
	vc.Register(bot.Router())
	return vc
}

// Register registers the /voice command group with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("voice", vc.Definition(), func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.NewReply(s, i).Send("Please use a subcommand, e.g. `/voice join`.")
	})
	router.RegisterHandler("voice/join", vc.guard(vc.handleJoin))
	router.RegisterHandler("voice/leave", vc.guard(vc.handleLeave))
	router.RegisterHandler("voice/listen", vc.guard(vc.handleListen))
	router.RegisterHandler("voice/stop", vc.guard(vc.handleStop))
	router.RegisterHandler("voice/say", vc.guard(vc.handleSay))
	router.RegisterHandler("voice/conversation", vc.guard(vc.handleConversation))
}

// Definition returns the ApplicationCommand definition for Discord.
func (vc *VoiceCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Control the voice assistant",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "join",
				Description: "Join your current voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "leave",
				Description: "Leave the voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "listen",
				Description: "Listen to everyone, or only to one user",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "Only listen to this user",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the current answer",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "say",
				Description: "Speak a text in the voice channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "What to say",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "conversation",
				Description: "Keep listening after each answer",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "on or off",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "on", Value: "on"},
							{Name: "off", Value: "off"},
						},
					},
				},
			},
		},
	}
}

// guard refuses members without the control role.
func (vc *VoiceCommands) guard(h discord.HandlerFunc) discord.HandlerFunc {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if !vc.perms.Allowed(i) {
			discord.NewReply(s, i).Send("You need the control role to use voice commands.")
			return
		}
		h(s, i)
	}
}

func (vc *VoiceCommands) handleJoin(s *discordgo.Session, i *discordgo.InteractionCreate) {
	r := discord.NewReply(s, i)
	r.Defer()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	r.Send(vc.join(ctx, r.UserID()))
}

func (vc *VoiceCommands) handleLeave(s *discordgo.Session, i *discordgo.InteractionCreate) {
	r := discord.NewReply(s, i)
	r.Defer()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	r.Send(vc.leave(ctx, r.UserID()))
}

func (vc *VoiceCommands) handleListen(s *discordgo.Session, i *discordgo.InteractionCreate) {
	speaker := optionValue(subcommandOptions(i), "user")
	r := discord.NewReply(s, i)
	r.Send(vc.listen(r.UserID(), speaker))
}

func (vc *VoiceCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	r := discord.NewReply(s, i)
	r.Send(vc.stop(r.UserID()))
}

func (vc *VoiceCommands) handleSay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	text := optionValue(subcommandOptions(i), "text")
	r := discord.NewReply(s, i)
	r.Defer()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	r.Send(vc.say(ctx, r.UserID(), text))
}

func (vc *VoiceCommands) handleConversation(s *discordgo.Session, i *discordgo.InteractionCreate) {
	mode := optionValue(subcommandOptions(i), "mode")
	r := discord.NewReply(s, i)
	r.Send(vc.conversation(r.UserID(), mode))
}

// ─── Command logic ───────────────────────────────────────────────────────────

const notJoined = "I'm not in a voice channel. Use `/voice join` first."

func (vc *VoiceCommands) join(ctx context.Context, userID string) string {
	channelID := vc.locate(userID)
	if channelID == "" {
		return "You must be in a voice channel."
	}
	if slices.Contains(vc.svc.Joined(), channelID) {
		return fmt.Sprintf("Already listening in <#%s>.", channelID)
	}
	if err := vc.svc.Join(ctx, channelID); err != nil {
		return fmt.Sprintf("Failed to join <#%s>: %v", channelID, err)
	}
	return fmt.Sprintf("Joined <#%s>. I'm listening.", channelID)
}

func (vc *VoiceCommands) leave(ctx context.Context, userID string) string {
	channelID := vc.target(userID)
	if channelID == "" {
		return notJoined
	}
	if err := vc.svc.Leave(ctx, channelID); err != nil {
		return fmt.Sprintf("Failed to leave <#%s>: %v", channelID, err)
	}
	return fmt.Sprintf("Left <#%s>.", channelID)
}

func (vc *VoiceCommands) listen(userID, speakerID string) string {
	channelID := vc.target(userID)
	if channelID == "" {
		return notJoined
	}
	if err := vc.svc.Listen(channelID, speakerID); err != nil {
		return fmt.Sprintf("Failed to start listening: %v", err)
	}
	if speakerID == "" {
		return "Listening to everyone."
	}
	return fmt.Sprintf("Listening only to <@%s>.", speakerID)
}

func (vc *VoiceCommands) stop(userID string) string {
	channelID := vc.target(userID)
	if channelID == "" {
		return notJoined
	}
	if err := vc.svc.Stop(channelID); err != nil {
		return fmt.Sprintf("Failed to stop: %v", err)
	}
	return "Stopped. Use `/voice listen` to continue."
}

func (vc *VoiceCommands) say(ctx context.Context, userID, text string) string {
	if text == "" {
		return "Nothing to say."
	}
	channelID := vc.target(userID)
	if channelID == "" {
		return notJoined
	}
	if err := vc.svc.Say(ctx, channelID, text); err != nil {
		return fmt.Sprintf("Failed to speak: %v", err)
	}
	return "Done."
}

func (vc *VoiceCommands) conversation(userID, mode string) string {
	var on bool
	switch mode {
	case "on":
		on = true
	case "off":
	default:
		return "Mode must be `on` or `off`."
	}
	channelID := vc.target(userID)
	if channelID == "" {
		return notJoined
	}
	if err := vc.svc.SetConversationMode(channelID, on); err != nil {
		return fmt.Sprintf("Failed to switch conversation mode: %v", err)
	}
	if on {
		return "Conversation mode on. I keep listening after each answer."
	}
	return "Conversation mode off. Use `/voice listen` for each question."
}

// target picks the joined channel a command applies to: the caller's voice
// channel when joined there, otherwise the only joined channel.
func (vc *VoiceCommands) target(userID string) string {
	joined := vc.svc.Joined()
	if ch := vc.locate(userID); ch != "" && slices.Contains(joined, ch) {
		return ch
	}
	if len(joined) == 1 {
		return joined[0]
	}
	return ""
}

// ─── Options ─────────────────────────────────────────────────────────────────

func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	return data.Options[0].Options
}

// optionValue returns the named option as a string. User options carry the
// user ID.
func optionValue(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name != name {
			continue
		}
		if v, ok := o.Value.(string); ok {
			return v
		}
	}
	return ""
}
