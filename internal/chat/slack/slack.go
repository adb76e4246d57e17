// Package slack implements the chat client port over the Slack Web API
// with Socket Mode events.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
)

const maxMessageLength = 4000

// Client connects to Slack and translates Events API messages into
// inbound messages for the router.
type Client struct {
	api    *slack.Client
	socket *socketmode.Client

	botUserID string
	cancel    context.CancelFunc

	mu      sync.Mutex
	handler chat.Handler
}

// New creates a Slack client from a bot token and an app-level token.
func New(botToken, appToken string) (*Client, error) {
	if botToken == "" || appToken == "" {
		return nil, fmt.Errorf("slack requires both a bot token and an app token")
	}
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Client{
		api:    api,
		socket: socketmode.New(api),
	}, nil
}

// Platform identifies the client.
func (c *Client) Platform() chat.Platform { return chat.PlatformSlack }

// Start authenticates and begins the Socket Mode event loop.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("starting slack client")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket loop terminated", "error", err)
		}
	}()

	slog.Info("slack client connected", "user_id", auth.UserID, "team", auth.Team)
	return nil
}

// Stop ends the Socket Mode loop.
func (c *Client) Stop(_ context.Context) error {
	slog.Info("stopping slack client")
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// OnMessage registers the inbound message handler.
func (c *Client) OnMessage(h chat.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send delivers content to a channel or, when the destination carries a
// thread timestamp ("channel:ts"), into that thread.
func (c *Client) Send(ctx context.Context, channelID, content string) error {
	if channelID == "" {
		return fmt.Errorf("empty channel id for slack send")
	}
	channel, threadTS := splitDest(channelID)
	for _, chunk := range chat.SplitMessage(content, maxMessageLength) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := c.api.PostMessageContext(ctx, channel, opts...); err != nil {
			return fmt.Errorf("send slack message: %w", err)
		}
	}
	return nil
}

// SendFiles uploads local files with an optional comment.
func (c *Client) SendFiles(ctx context.Context, channelID, comment string, paths []string) error {
	channel, threadTS := splitDest(channelID)
	for i, path := range paths {
		params := slack.UploadFileV2Parameters{
			Channel:  channel,
			File:     path,
			Filename: filepath.Base(path),
		}
		if threadTS != "" {
			params.ThreadTimestamp = threadTS
		}
		if i == 0 && comment != "" {
			params.InitialComment = comment
		}
		if _, err := c.api.UploadFileV2Context(ctx, params); err != nil {
			return fmt.Errorf("upload slack file %s: %w", path, err)
		}
	}
	return nil
}

// MaxMessageLength returns the practical Slack message length limit.
func (c *Client) MaxMessageLength() int { return maxMessageLength }

// SupportsThreads reports thread support.
func (c *Client) SupportsThreads() bool { return true }

// StartThread posts a summary message and returns a destination that
// addresses its reply thread.
func (c *Client) StartThread(ctx context.Context, channelID, summary string) (string, error) {
	channel, _ := splitDest(channelID)
	_, ts, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(chat.Truncate(summary, maxMessageLength), false))
	if err != nil {
		return "", fmt.Errorf("start slack thread: %w", err)
	}
	return channel + ":" + ts, nil
}

// AddReaction adds an emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	channel, _ := splitDest(channelID)
	err := c.api.AddReactionContext(ctx, emoji, slack.ItemRef{Channel: channel, Timestamp: messageID})
	if err != nil && strings.Contains(err.Error(), "already_reacted") {
		return nil
	}
	return err
}

// RemoveReaction removes the bot's emoji reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	channel, _ := splitDest(channelID)
	err := c.api.RemoveReactionContext(ctx, emoji, slack.ItemRef{Channel: channel, Timestamp: messageID})
	if err != nil && strings.Contains(err.Error(), "no_reaction") {
		return nil
	}
	return err
}

// Typing is a no-op: the Slack Web API offers no typing indicator for
// bots.
func (c *Client) Typing(_ context.Context, _ string) error { return nil }

// ChannelName returns the conversation's current name.
func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	channel, _ := splitDest(channelID)
	info, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: channel,
	})
	if err != nil {
		return "", fmt.Errorf("fetch slack conversation: %w", err)
	}
	return info.Name, nil
}

// RenameChannel renames a conversation.
func (c *Client) RenameChannel(ctx context.Context, channelID, name string) error {
	channel, _ := splitDest(channelID)
	if _, err := c.api.RenameConversationContext(ctx, channel, name); err != nil {
		return fmt.Errorf("rename slack conversation: %w", err)
	}
	return nil
}

// DeleteChannel archives a conversation; bots cannot delete channels on
// Slack.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	channel, _ := splitDest(channelID)
	if err := c.api.ArchiveConversationContext(ctx, channel); err != nil {
		return fmt.Errorf("archive slack conversation: %w", err)
	}
	return nil
}

func (c *Client) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					c.socket.Ack(*evt.Request)
				}
				c.handleEventsAPI(apiEvent)
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack connection error", "data", evt.Data)
			}
		}
	}
}

func (c *Client) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Only plain user messages; edits, joins, and bot posts are skipped.
	if ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == c.botUserID {
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	msg := chat.InboundMessage{
		ChannelID:  ev.Channel,
		MessageID:  ev.TimeStamp,
		Text:       ev.Text,
		AuthorID:   ev.User,
		AuthorName: ev.Username,
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		msg.ThreadID = ev.Channel + ":" + ev.ThreadTimeStamp
		msg.ReplyToMessageID = ev.ThreadTimeStamp
	}

	slog.Debug("slack message received",
		"sender_id", msg.AuthorID,
		"channel_id", msg.ChannelID,
		"thread_id", msg.ThreadID,
		"preview", chat.Truncate(msg.Text, 50),
	)

	handler(msg)
}

// splitDest separates a thread destination ("channel:ts") from a plain
// channel id. Slack timestamps always contain a dot, channel ids never
// contain a colon.
func splitDest(dest string) (channel, threadTS string) {
	if i := strings.IndexByte(dest, ':'); i > 0 {
		return dest[:i], dest[i+1:]
	}
	return dest, ""
}
