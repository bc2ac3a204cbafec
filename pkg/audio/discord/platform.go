// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with Nova's PCM [audio.AudioFrame]
// pipeline.
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. Each call to [Platform.Connect] joins the specified voice
// channel and returns a [Connection] that demuxes per-speaker audio input and
// encodes reply audio for output.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// joinFunc matches discordgo.Session.ChannelVoiceJoin. Overridden in tests.
type joinFunc func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	join    joinFunc
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
		join:    session.ChannelVoiceJoin,
	}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins the voice channel identified by channelID and returns an
// active [audio.Connection].
//
// The discordgo join handshake does not accept a context, so it runs on its
// own goroutine and Connect returns as soon as ctx is done. A voice
// connection that completes after ctx expired is disconnected immediately so
// it never lingers unowned.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	done := make(chan joinResult, 1)
	go func() {
		// mute=false (we send audio), deaf=false (we receive audio).
		vc, err := p.join(p.guildID, channelID, false, false)
		done <- joinResult{vc: vc, err: err}
	}()

	var res joinResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			late := <-done
			if late.err == nil && late.vc != nil {
				slog.Warn("discord: voice join completed after deadline, disconnecting",
					"guild_id", p.guildID, "channel_id", channelID)
				_ = late.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}

	if res.err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, res.err)
	}

	conn, err := newConnection(res.vc, p.session, p.guildID)
	if err != nil {
		_ = res.vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
