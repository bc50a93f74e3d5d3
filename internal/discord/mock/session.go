// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"io"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
// It satisfies discord.Responder and discord.MessageSender. All methods are
// safe for concurrent use.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// Edits records all InteractionResponseEdit calls.
	Edits []*discordgo.WebhookEdit

	// Sent records all ChannelMessageSendComplex calls.
	Sent []SentMessage

	// Err is returned by every method when non-nil, allowing error
	// injection.
	Err error
}

// SentMessage is one recorded channel message. File contents are read
// eagerly so the reader may be discarded.
type SentMessage struct {
	ChannelID string
	Content   string
	FileName  string
	File      []byte
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// InteractionResponseEdit records the edit and returns a stub message.
func (m *InteractionResponder) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Edits = append(m.Edits, edit)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-edit"}, nil
}

// ChannelMessageSendComplex records the message and returns a stub.
func (m *InteractionResponder) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	sent := SentMessage{ChannelID: channelID, Content: data.Content}
	if len(data.Files) > 0 {
		sent.FileName = data.Files[0].Name
		sent.File, _ = io.ReadAll(data.Files[0].Reader)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, sent)
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID, Content: data.Content}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastEdit returns the content of the most recent edit, or "".
func (m *InteractionResponder) LastEdit() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edits) == 0 || m.Edits[len(m.Edits)-1].Content == nil {
		return ""
	}
	return *m.Edits[len(m.Edits)-1].Content
}

// Messages returns a copy of the recorded channel messages.
func (m *InteractionResponder) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.Edits = nil
	m.Sent = nil
	m.Err = nil
}
