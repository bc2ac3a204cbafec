package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestPermissionChecker_Allowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		inter  *discordgo.InteractionCreate
		want   bool
	}{
		{
			name:   "member with control role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{Roles: []string{"role-456", "role-123", "role-789"}},
				},
			},
			want: true,
		},
		{
			name:   "member without control role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{Roles: []string{"role-456", "role-789"}},
				},
			},
			want: false,
		},
		{
			name:   "empty role allows all",
			roleID: "",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{Roles: []string{"role-456"}},
				},
			},
			want: true,
		},
		{
			name:   "nil member refused",
			roleID: "role-123",
			inter:  &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewPermissionChecker(tt.roleID).Allowed(tt.inter); got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandRouter_ApplicationCommandsDeduplicates(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	cmd := &discordgo.ApplicationCommand{Name: "voice"}
	r.RegisterCommand("voice/join", cmd, func(*discordgo.Session, *discordgo.InteractionCreate) {})
	r.RegisterCommand("voice/leave", cmd, func(*discordgo.Session, *discordgo.InteractionCreate) {})
	r.RegisterHandler("voice/stop", func(*discordgo.Session, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "voice" {
		t.Errorf("ApplicationCommands() = %v, want one voice command", cmds)
	}
	if _, ok := r.Lookup("voice/stop"); !ok {
		t.Error("voice/stop handler not found")
	}
}

func TestCommandRouter_HandleDispatchesSubcommand(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	r.RegisterHandler("voice/join", func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		got = InteractionKey(i.ApplicationCommandData())
	})

	r.Handle(nil, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: "voice",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "join", Type: discordgo.ApplicationCommandOptionSubCommand},
				},
			},
		},
	})
	if got != "voice/join" {
		t.Errorf("dispatched key = %q, want voice/join", got)
	}
}

func TestCommandRouter_SubcommandFallsBackToParent(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	r.RegisterHandler("voice", func(*discordgo.Session, *discordgo.InteractionCreate) { got = "voice" })

	if _, ok := r.Lookup("voice/unknown"); !ok {
		t.Fatal("voice/unknown did not fall back to voice")
	}
	if _, ok := r.Lookup("memory/clear"); ok {
		t.Error("memory/clear resolved without any handler")
	}

	r.Handle(nil, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: "voice",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "unknown", Type: discordgo.ApplicationCommandOptionSubCommand},
				},
			},
		},
	})
	if got != "voice" {
		t.Errorf("handled by %q, want voice", got)
	}
}

func TestCommandRouter_RecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	r.RegisterHandler("voice", func(*discordgo.Session, *discordgo.InteractionCreate) { panic("boom") })

	r.Handle(nil, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{Name: "voice"},
		},
	})
}

func TestCommandRouter_IgnoresOtherInteractions(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	called := false
	r.RegisterHandler("voice", func(*discordgo.Session, *discordgo.InteractionCreate) { called = true })

	r.Handle(nil, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Type: discordgo.InteractionMessageComponent},
	})
	if called {
		t.Error("component interaction reached a command handler")
	}
}

func TestInteractionKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data discordgo.ApplicationCommandInteractionData
		want string
	}{
		{name: "top level", data: discordgo.ApplicationCommandInteractionData{Name: "ping"}, want: "ping"},
		{
			name: "subcommand",
			data: discordgo.ApplicationCommandInteractionData{
				Name:    "voice",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{{Name: "say", Type: discordgo.ApplicationCommandOptionSubCommand}},
			},
			want: "voice/say",
		},
		{
			name: "plain option",
			data: discordgo.ApplicationCommandInteractionData{
				Name:    "echo",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{{Name: "text", Type: discordgo.ApplicationCommandOptionString}},
			},
			want: "echo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := InteractionKey(tt.data); got != tt.want {
				t.Errorf("InteractionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInteractionUserID(t *testing.T) {
	t.Parallel()

	guild := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "member"}},
	}}
	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "dm"}}}
	none := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}

	if got := InteractionUserID(guild); got != "member" {
		t.Errorf("guild: got %q", got)
	}
	if got := InteractionUserID(dm); got != "dm" {
		t.Errorf("dm: got %q", got)
	}
	if got := InteractionUserID(none); got != "" {
		t.Errorf("none: got %q", got)
	}
}
