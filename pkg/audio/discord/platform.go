// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus voice transport with voxlog's PCM [audio.Frame] stream.
//
// The platform requires an active *discordgo.Session owned by the bot layer.
// Each call to [Platform.Connect] joins the voice channel deafened=false and
// muted=true (voxlog only listens) and returns a [Capture] that decodes all
// producers onto one frame stream with SSRC tags.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
}

// New creates a Discord Platform for the given bot session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins channelID in guildID and returns a live [audio.Capture].
// ctx is checked before joining; discordgo bounds the join itself with its
// own handshake timeout.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newCapture(vc, p.session, guildID, channelID), nil
}
