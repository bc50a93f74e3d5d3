package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxlog/internal/recording"
)

// MaxMessageLength is Discord's limit on message content, in characters.
const MaxMessageLength = 2000

// MessageSender is the subset of [*discordgo.Session] used to post messages.
type MessageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ MessageSender = (*discordgo.Session)(nil)

// ChannelDeliverer posts session results to text channels. Content longer
// than [MaxMessageLength] is split into several messages; an attachment
// rides on the first one.
type ChannelDeliverer struct {
	sender MessageSender
}

var _ recording.Deliverer = (*ChannelDeliverer)(nil)

// NewChannelDeliverer returns a deliverer posting through sender.
func NewChannelDeliverer(sender MessageSender) *ChannelDeliverer {
	return &ChannelDeliverer{sender: sender}
}

// Deliver implements [recording.Deliverer]. It stops at the first failed
// message.
func (d *ChannelDeliverer) Deliver(ctx context.Context, channelID string, msg recording.Message) error {
	if msg.Content == "" && msg.File == nil {
		return errors.New("discord: deliver: empty message")
	}
	chunks := SplitMessage(msg.Content, MaxMessageLength)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for n, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if n == 0 && msg.File != nil {
			send.Files = []*discordgo.File{{
				Name:        msg.FileName,
				ContentType: "text/plain; charset=utf-8",
				Reader:      bytes.NewReader(msg.File),
			}}
		}
		if _, err := d.sender.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: deliver to %s (part %d/%d): %w", channelID, n+1, len(chunks), err)
		}
	}
	return nil
}

// SplitMessage cuts s into chunks of at most limit characters, preferring to
// break after a newline, then after a space. Chunks are never empty unless s is.
func SplitMessage(s string, limit int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		// Byte offset of the first rune past the limit.
		cut := len(s)
		n := 0
		for i := range s {
			if n == limit {
				cut = i
				break
			}
			n++
		}
		head := s[:cut]
		if i := strings.LastIndexByte(head, '\n'); i > 0 {
			cut = i + 1
		} else if i := strings.LastIndexByte(head, ' '); i > 0 {
			cut = i + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
