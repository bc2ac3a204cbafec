package app

import (
	"context"
	"fmt"
	"slices"

	"github.com/MrWong99/nova/internal/channel"
	"github.com/MrWong99/nova/internal/discord"
	"github.com/MrWong99/nova/internal/discord/commands"
)

var (
	_ commands.VoiceService = (*App)(nil)
	_ discord.TextTurns     = (*App)(nil)
)

// Join connects to channelID and starts listening to everyone. Joining a
// channel that is already joined only restarts listening.
func (a *App) Join(ctx context.Context, channelID string) error {
	if a.registry == nil {
		return ErrVoiceDisabled
	}
	if _, err := a.registry.Join(ctx, channelID); err != nil {
		return fmt.Errorf("app: join %q: %w", channelID, err)
	}
	ctl, err := a.voiceController(channelID)
	if err != nil {
		return err
	}
	return ctl.Listen("")
}

// Leave disconnects from channelID.
func (a *App) Leave(_ context.Context, channelID string) error {
	if a.registry == nil {
		return ErrVoiceDisabled
	}
	return a.registry.Leave(channelID)
}

// Listen restarts capture in channelID, restricted to speakerID when it is
// not empty.
func (a *App) Listen(channelID, speakerID string) error {
	ctl, err := a.voiceController(channelID)
	if err != nil {
		return err
	}
	return ctl.Listen(speakerID)
}

// Stop cancels the running turn in channelID and stops its playback.
func (a *App) Stop(channelID string) error {
	ctl, err := a.voiceController(channelID)
	if err != nil {
		return err
	}
	ctl.Stop()
	return nil
}

// Say speaks text verbatim in channelID, preempting any running playback.
func (a *App) Say(ctx context.Context, channelID, text string) error {
	if a.registry == nil {
		return ErrVoiceDisabled
	}
	s, ok := a.registry.Get(channelID)
	if !ok {
		return fmt.Errorf("app: say in %q: %w", channelID, channel.ErrNotJoined)
	}
	return s.Speak(ctx, text)
}

// SetConversationMode toggles continuous listening in channelID.
func (a *App) SetConversationMode(channelID string, on bool) error {
	ctl, err := a.voiceController(channelID)
	if err != nil {
		return err
	}
	return ctl.SetConversationMode(on)
}

// Joined returns the IDs of all joined voice channels, sorted.
func (a *App) Joined() []string {
	if a.registry == nil {
		return nil
	}
	sessions := a.registry.Sessions()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ChannelID())
	}
	slices.Sort(ids)
	return ids
}
