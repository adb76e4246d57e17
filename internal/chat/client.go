// Package chat defines the messaging port the bridge uses to talk to chat
// platforms, plus helpers shared by the Discord and Slack implementations.
package chat

import "context"

// Platform identifies the chat platform behind a client.
type Platform string

const (
	PlatformDiscord Platform = "discord"
	PlatformSlack   Platform = "slack"
)

// InboundMessage is a user message received from the platform.
type InboundMessage struct {
	ChannelID        string
	MessageID        string
	Text             string
	AuthorID         string
	AuthorName       string
	ThreadID         string   // set when the message was posted inside a thread
	ReplyToMessageID string   // set when the message replies to another message
	Attachments      []string // attachment URLs
}

// ConversationKey returns the key used for route memory: the thread when
// present, otherwise the channel.
func (m InboundMessage) ConversationKey() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ChannelID
}

// Handler consumes inbound messages.
type Handler func(InboundMessage)

// Client is the messaging port. Implementations must be safe for
// concurrent calls; the bridge does not serialize them externally.
type Client interface {
	// Platform returns the platform kind.
	Platform() Platform

	// Start connects and begins delivering inbound messages to the
	// handler registered with OnMessage.
	Start(ctx context.Context) error

	// Stop disconnects and stops all typing indicators.
	Stop(ctx context.Context) error

	// OnMessage registers the inbound handler. Must be called before Start.
	OnMessage(h Handler)

	// Send posts text to a channel, splitting to the platform limit.
	Send(ctx context.Context, channelID, text string) error

	// SendFiles posts a comment with file attachments.
	SendFiles(ctx context.Context, channelID, comment string, paths []string) error

	// MaxMessageLength is the per-message character limit.
	MaxMessageLength() int

	// SupportsThreads reports whether long-output threads are available.
	SupportsThreads() bool

	// StartThread creates a thread on a channel seeded with a summary
	// message and returns the thread's channel id.
	StartThread(ctx context.Context, channelID, summary string) (string, error)

	// AddReaction and RemoveReaction manage emoji on a user message.
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error

	// Typing fires one typing indicator pulse on the channel.
	Typing(ctx context.Context, channelID string) error

	// ChannelName returns the display name of a channel.
	ChannelName(ctx context.Context, channelID string) (string, error)

	// RenameChannel renames a channel (used by /qw archiving).
	RenameChannel(ctx context.Context, channelID, name string) error

	// DeleteChannel deletes a channel (used by /q).
	DeleteChannel(ctx context.Context, channelID string) error
}
