// Package commands implements the voxlog slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxlog/internal/discord"
	"github.com/MrWong99/voxlog/internal/recording"
)

// Replies posted by the recording commands.
const (
	msgNotAllowed    = "⛔ You don't have the role required to control recordings."
	msgGuildOnly     = "⚠️ This command only works in a server."
	msgNotInVoice    = "⚠️ You are not in a voice channel!"
	msgAlreadyActive = "⚠️ Recording is already in progress on this server!"
	msgConnecting    = "🔄 Connecting to voice channel..."
	msgRecording     = "🔴 Recording conversation in this channel..."
	msgStartFailed   = "❌ Error starting recording: "
	msgStopped       = "🛑 Recording stopped"
	msgNoRecording   = "🚫 No recording in progress on this server"
)

// defaultJoinTimeout bounds joining the voice channel on /record.
const defaultJoinTimeout = 30 * time.Second

// Recorder is the session control surface the commands drive.
// [*recording.Manager] implements it.
type Recorder interface {
	Start(ctx context.Context, p recording.StartParams) (*recording.Session, error)
	Get(guildID string) (*recording.Session, bool)
	List() []recording.Status
}

// Gateway exposes the gateway state the commands need.
// [*discord.Bot] implements it.
type Gateway interface {
	UserVoiceChannel(guildID, userID string) (string, bool)
	GuildCount() int
	Ready() bool
}

var (
	_ Recorder = (*recording.Manager)(nil)
	_ Gateway  = (*discord.Bot)(nil)
)

// RecordingCommands holds the dependencies for /record, /stop and /status.
type RecordingCommands struct {
	recorder Recorder
	gateway  Gateway
	perms    *discord.PermissionChecker

	// stopCtx parents background stops so they outlive the interaction.
	stopCtx     context.Context
	joinTimeout time.Duration
}

// NewRecordingCommands creates a RecordingCommands. ctx carries values
// (logger, tracing) into background stops; its cancellation is ignored so
// a stop in progress always finishes delivering.
func NewRecordingCommands(ctx context.Context, recorder Recorder, gateway Gateway, perms *discord.PermissionChecker) *RecordingCommands {
	return &RecordingCommands{
		recorder:    recorder,
		gateway:     gateway,
		perms:       perms,
		stopCtx:     context.WithoutCancel(ctx),
		joinTimeout: defaultJoinTimeout,
	}
}

// Register registers /record, /stop and /status with the router.
func (rc *RecordingCommands) Register(router *discord.CommandRouter) {
	for _, def := range rc.Definitions() {
		var h discord.HandlerFunc
		switch def.Name {
		case "record":
			h = rc.handleRecord
		case "stop":
			h = rc.handleStop
		case "status":
			h = rc.handleStatus
		}
		router.RegisterCommand(def.Name, def, h)
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (rc *RecordingCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{Name: "record", Description: "Start recording voice channel"},
		{Name: "stop", Description: "Stop recording"},
		{Name: "status", Description: "Show bot status"},
	}
}

// handleRecord handles /record.
func (rc *RecordingCommands) handleRecord(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, msgNotAllowed)
		return
	}
	if i.GuildID == "" {
		discord.RespondEphemeral(s, i, msgGuildOnly)
		return
	}

	userID := discord.InteractionUserID(i)
	voiceID, ok := rc.gateway.UserVoiceChannel(i.GuildID, userID)
	if !ok {
		discord.Respond(s, i, msgNotInVoice)
		return
	}
	if _, active := rc.recorder.Get(i.GuildID); active {
		discord.Respond(s, i, msgAlreadyActive)
		return
	}

	// Joining takes a moment; answer first so the interaction does not
	// time out.
	discord.Respond(s, i, msgConnecting)

	ctx, cancel := context.WithTimeout(rc.stopCtx, rc.joinTimeout)
	defer cancel()

	_, err := rc.recorder.Start(ctx, recording.StartParams{
		GuildID:       i.GuildID,
		ChannelID:     voiceID,
		TextChannelID: i.ChannelID,
		StartedBy:     userID,
	})
	switch {
	case errors.Is(err, recording.ErrSessionActive):
		discord.EditResponse(s, i, msgAlreadyActive)
	case err != nil:
		slog.Error("failed to start recording", "guild_id", i.GuildID, "channel_id", voiceID, "err", err)
		discord.EditResponse(s, i, msgStartFailed+err.Error())
	default:
		discord.EditResponse(s, i, msgRecording)
	}
}

// handleStop handles /stop. The reply is immediate; transcription and
// delivery continue in the background and post to the channel /record
// was issued from.
func (rc *RecordingCommands) handleStop(s discord.Responder, i *discordgo.InteractionCreate) {
	if !rc.perms.Allowed(i) {
		discord.RespondEphemeral(s, i, msgNotAllowed)
		return
	}

	sess, ok := rc.recorder.Get(i.GuildID)
	if !ok || sess.State() != recording.StateRecording {
		discord.Respond(s, i, msgNoRecording)
		return
	}

	go func() {
		if err := sess.Stop(rc.stopCtx); err != nil && !errors.Is(err, recording.ErrNotRecording) {
			slog.Error("failed to stop recording", "session_id", sess.Info().SessionID, "err", err)
		}
	}()
	discord.Respond(s, i, msgStopped)
}

// handleStatus handles /status.
func (rc *RecordingCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	discord.Respond(s, i, rc.statusText(i.GuildID))
}

func (rc *RecordingCommands) statusText(guildID string) string {
	all := rc.recorder.List()

	var b strings.Builder
	b.WriteString("🤖 **Bot Status:**\n")
	fmt.Fprintf(&b, "• Servers: %d\n", rc.gateway.GuildCount())
	fmt.Fprintf(&b, "• Active recordings: %d\n", len(all))
	if rc.gateway.Ready() {
		b.WriteString("• Status: 🟢 Online")
	} else {
		b.WriteString("• Status: 🔴 Offline")
	}

	for _, st := range all {
		if st.Info.GuildID != guildID {
			continue
		}
		fmt.Fprintf(&b, "\n• Recording <#%s> (%s): %s elapsed, %d participants",
			st.Info.ChannelID, st.State, st.Elapsed.Truncate(time.Second), st.Participants)
	}
	return b.String()
}
