package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one slash command interaction.
type HandlerFunc func(s *discordgo.Session, i *discordgo.InteractionCreate)

// CommandRouter maps slash command keys to handlers. A key is the command
// name, optionally followed by "/" and a subcommand name ("voice/join").
type CommandRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	defs     []*discordgo.ApplicationCommand
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{handlers: make(map[string]HandlerFunc)}
}

// RegisterCommand binds handler to key and records cmd for registration
// with Discord. A definition with the name of an earlier one replaces it.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = handler
	if cmd == nil {
		return
	}
	if i := slices.IndexFunc(r.defs, func(d *discordgo.ApplicationCommand) bool { return d.Name == cmd.Name }); i >= 0 {
		r.defs[i] = cmd
		return
	}
	r.defs = append(r.defs, cmd)
}

// RegisterHandler binds handler to key without a definition, for
// subcommands of an already registered command.
func (r *CommandRouter) RegisterHandler(key string, handler HandlerFunc) {
	r.RegisterCommand(key, nil, handler)
}

// ApplicationCommands returns the top-level definitions in registration order.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.defs)
}

// Lookup returns the handler for key. A subcommand without its own handler
// falls back to its parent command's handler.
func (r *CommandRouter) Lookup(key string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[key]; ok {
		return h, true
	}
	if parent, _, ok := strings.Cut(key, "/"); ok {
		h, ok := r.handlers[parent]
		return h, ok
	}
	return nil, false
}

// Handle routes slash command interactions; other interaction types are
// ignored. A panicking handler is logged and answered with an error reply.
func (r *CommandRouter) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("discord: unhandled interaction type", "type", i.Type)
		return
	}

	key := InteractionKey(i.ApplicationCommandData())
	handler, ok := r.Lookup(key)
	if !ok {
		slog.Warn("discord: unknown command", "key", key)
		NewReply(s, i).Send("Unknown command.")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("discord: command handler panicked", "key", key, "panic", p)
			if s != nil {
				NewReply(s, i).Send("Something went wrong handling that command.")
			}
		}
	}()
	handler(s, i)
}

// InteractionKey returns the router key for a command interaction.
func InteractionKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return data.Name
	}
	return data.Name + "/" + data.Options[0].Name
}
