// Package discord implements the chat client port over the Discord Bot
// API using gateway events.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
)

const (
	maxMessageLength      = 2000
	threadArchiveMinutes  = 60
	sendPacingInterval    = 350 * time.Millisecond
	sendPacingBurst       = 4
	channelCacheStaleness = 5 * time.Minute
)

// Client connects to Discord and translates gateway events into inbound
// messages for the router.
type Client struct {
	session   *discordgo.Session
	botUserID string
	limiter   *rate.Limiter

	mu      sync.Mutex
	handler chat.Handler

	channelCache sync.Map // channelID → cachedChannel
}

type cachedChannel struct {
	channel *discordgo.Channel
	at      time.Time
}

// New creates a Discord client from a bot token.
func New(token string) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Client{
		session: session,
		limiter: rate.NewLimiter(rate.Every(sendPacingInterval), sendPacingBurst),
	}, nil
}

// Platform identifies the client.
func (c *Client) Platform() chat.Platform { return chat.PlatformDiscord }

// Start opens the gateway connection and begins receiving events.
func (c *Client) Start(_ context.Context) error {
	slog.Info("starting discord client")

	c.session.AddHandler(c.handleMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	slog.Info("discord client connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Client) Stop(_ context.Context) error {
	slog.Info("stopping discord client")
	return c.session.Close()
}

// OnMessage registers the inbound message handler.
func (c *Client) OnMessage(h chat.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send delivers content to a channel, chunking when it exceeds the
// platform limit.
func (c *Client) Send(ctx context.Context, channelID, content string) error {
	if channelID == "" {
		return fmt.Errorf("empty channel id for discord send")
	}
	for _, chunk := range chat.SplitMessage(content, maxMessageLength) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendFiles uploads local files as attachments with an optional comment.
func (c *Client) SendFiles(ctx context.Context, channelID, comment string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var files []*discordgo.File
	var readers []*os.File
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			slog.Warn("skipping unreadable attachment", "path", path, "error", err)
			continue
		}
		readers = append(readers, f)
		files = append(files, &discordgo.File{Name: filepath.Base(path), Reader: f})
	}
	if len(files) == 0 {
		return fmt.Errorf("no readable files to send")
	}

	_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: chat.Truncate(comment, maxMessageLength),
		Files:   files,
	})
	if err != nil {
		return fmt.Errorf("send discord files: %w", err)
	}
	return nil
}

// MaxMessageLength returns Discord's message length limit.
func (c *Client) MaxMessageLength() int { return maxMessageLength }

// SupportsThreads reports thread support.
func (c *Client) SupportsThreads() bool { return true }

// StartThread creates a public thread on the channel and returns its id.
func (c *Client) StartThread(ctx context.Context, channelID, summary string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	thread, err := c.session.ThreadStart(channelID, chat.Truncate(summary, 100),
		discordgo.ChannelTypeGuildPublicThread, threadArchiveMinutes)
	if err != nil {
		return "", fmt.Errorf("start discord thread: %w", err)
	}
	return thread.ID, nil
}

// AddReaction adds an emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.session.MessageReactionAdd(channelID, messageID, emoji)
}

// RemoveReaction removes the bot's own emoji reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.session.MessageReactionRemove(channelID, messageID, emoji, "@me")
}

// Typing sends one typing indicator pulse. Discord expires it after 10s;
// callers keep it alive via a typing controller.
func (c *Client) Typing(_ context.Context, channelID string) error {
	return c.session.ChannelTyping(channelID)
}

// ChannelName returns the channel's current name.
func (c *Client) ChannelName(_ context.Context, channelID string) (string, error) {
	ch, err := c.channelInfo(channelID)
	if err != nil {
		return "", err
	}
	return ch.Name, nil
}

// RenameChannel renames a channel.
func (c *Client) RenameChannel(ctx context.Context, channelID, name string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}); err != nil {
		return fmt.Errorf("rename discord channel: %w", err)
	}
	c.channelCache.Delete(channelID)
	return nil
}

// DeleteChannel deletes a channel.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.session.ChannelDelete(channelID); err != nil {
		return fmt.Errorf("delete discord channel: %w", err)
	}
	c.channelCache.Delete(channelID)
	return nil
}

// handleMessageCreate translates a gateway message into the inbound shape
// and hands it to the registered handler.
func (c *Client) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	msg := chat.InboundMessage{
		ChannelID:  m.ChannelID,
		MessageID:  m.ID,
		Text:       m.Content,
		AuthorID:   m.Author.ID,
		AuthorName: resolveDisplayName(m),
	}
	if m.MessageReference != nil {
		msg.ReplyToMessageID = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, att.URL)
	}

	// A message posted inside a thread arrives with the thread as its
	// channel. Re-root it on the parent so channel mapping still applies.
	if ch, err := c.channelInfo(m.ChannelID); err == nil && isThread(ch) {
		msg.ThreadID = m.ChannelID
		msg.ChannelID = ch.ParentID
	}

	slog.Debug("discord message received",
		"sender_id", msg.AuthorID,
		"channel_id", msg.ChannelID,
		"thread_id", msg.ThreadID,
		"preview", chat.Truncate(msg.Text, 50),
	)

	handler(msg)
}

// channelInfo fetches channel metadata through a short-lived cache; thread
// re-rooting hits it on every inbound message.
func (c *Client) channelInfo(channelID string) (*discordgo.Channel, error) {
	if v, ok := c.channelCache.Load(channelID); ok {
		cached := v.(cachedChannel)
		if time.Since(cached.at) < channelCacheStaleness {
			return cached.channel, nil
		}
	}
	ch, err := c.session.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("fetch discord channel: %w", err)
	}
	c.channelCache.Store(channelID, cachedChannel{channel: ch, at: time.Now()})
	return ch, nil
}

func isThread(ch *discordgo.Channel) bool {
	switch ch.Type {
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	}
	return false
}

// resolveDisplayName prefers the server nickname, then the global display
// name, then the username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
