package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Capture = (*Capture)(nil)

const (
	frameChannelBuffer   = 256
	speakerChannelBuffer = 32
)

// Capture wraps a receive-mode discordgo.VoiceConnection and adapts it to
// the [audio.Capture] interface. Incoming Opus packets are decoded with one
// decoder per SSRC and forwarded on a single frame stream; speaking updates
// are forwarded as [audio.SpeakerEvent] values.
//
// Capture is safe for concurrent use.
type Capture struct {
	vc        *discordgo.VoiceConnection
	session   *discordgo.Session
	guildID   string
	channelID string
	botUserID string

	frames   chan audio.Frame
	speakers chan audio.SpeakerEvent

	// mu guards closed and the speakers channel against sends after close.
	mu     sync.Mutex
	closed bool
	err    error

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// lookupName resolves a display name for a user ID. Defaults to the
	// session state cache.
	lookupName func(userID string) string

	// now is overridden in tests.
	now func() time.Time
}

// newCapture initialises a Capture for an already-joined voice channel and
// starts its receive loop.
func newCapture(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string) *Capture {
	c := &Capture{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		channelID:    channelID,
		frames:       make(chan audio.Frame, frameChannelBuffer),
		speakers:     make(chan audio.SpeakerEvent, speakerChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		now:          time.Now,
	}
	c.lookupName = c.memberName
	if session != nil && session.State != nil && session.State.User != nil {
		c.botUserID = session.State.User.ID
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	return c
}

// Frames returns the decoded audio stream for all producers in the channel.
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// Speakers returns the SSRC-to-user association stream.
func (c *Capture) Speakers() <-chan audio.SpeakerEvent { return c.speakers }

// Done is closed when the capture terminates.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Err reports why the capture terminated, or nil.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Disconnect leaves the voice channel and stops the receive loop. It is safe
// to call more than once; subsequent calls return nil.
func (c *Capture) Disconnect() error {
	return c.shutdown(nil)
}

// shutdown terminates the capture once, recording cause for [Capture.Err].
func (c *Capture) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		close(c.speakers)
		c.mu.Unlock()

		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// recvLoop reads Opus packets from the voice connection, decodes them with a
// per-SSRC decoder and forwards PCM frames. It is the only writer of the
// frames channel and closes it on exit.
func (c *Capture) recvLoop() {
	defer close(c.frames)

	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				_ = c.shutdown(fmt.Errorf("%w: receive channel closed", audio.ErrDisconnected))
				return
			}
			if pkt == nil || pkt.SSRC == 0 || len(pkt.Opus) == 0 {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := audio.Frame{
				SSRC:     pkt.SSRC,
				PCM:      pcm,
				Format:   audio.Discord,
				Received: c.now(),
			}
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			}
		}
	}
}

// handleSpeakingUpdate forwards Discord's SSRC announcement for a user.
func (c *Capture) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.SSRC <= 0 || su.UserID == "" {
		return
	}
	ev := audio.SpeakerEvent{
		SSRC:     uint32(su.SSRC),
		UserID:   su.UserID,
		Username: c.lookupName(su.UserID),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.speakers <- ev:
	default:
		slog.Warn("discord: speaker event dropped, consumer is behind", "ssrc", ev.SSRC, "user_id", ev.UserID)
	}
}

// handleVoiceStateUpdate detects the bot itself leaving or being moved out
// of the captured channel and terminates the capture.
func (c *Capture) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}
	if c.botUserID == "" || vsu.UserID != c.botUserID {
		return
	}
	if vsu.ChannelID == c.channelID {
		return
	}
	slog.Warn("discord: bot left captured voice channel",
		"guild_id", c.guildID,
		"channel_id", c.channelID,
		"new_channel_id", vsu.ChannelID,
	)
	_ = c.shutdown(fmt.Errorf("%w: bot removed from channel %s", audio.ErrDisconnected, c.channelID))
}

// memberName returns the guild display name for userID from the state cache,
// or "" if the member is unknown.
func (c *Capture) memberName(userID string) string {
	if c.session == nil || c.session.State == nil {
		return ""
	}
	m, err := c.session.State.Member(c.guildID, userID)
	if err != nil || m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}
