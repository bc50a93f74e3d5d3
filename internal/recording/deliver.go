package recording

import "context"

// Message is one chat message posted when a session finishes.
type Message struct {
	// Content is the message text. Implementations split it when it exceeds
	// the platform's message length limit.
	Content string

	// FileName and File describe an optional attachment.
	FileName string
	File     []byte
}

// Deliverer posts session results to a text channel.
//
// Implementations must be safe for concurrent use.
type Deliverer interface {
	Deliver(ctx context.Context, channelID string, msg Message) error
}

// DelivererFunc adapts a function to [Deliverer].
type DelivererFunc func(ctx context.Context, channelID string, msg Message) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, channelID string, msg Message) error {
	return f(ctx, channelID, msg)
}
