package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Deliver sends text to a channel, routing payloads at or above threshold
// through a long-output thread when the platform supports it. The thread
// is seeded with a short summary and the full text is paginated inside.
// Below the threshold (or without thread support) the text is split to the
// platform limit and sent in-channel.
func Deliver(ctx context.Context, client Client, channelID, text string, threshold int) error {
	if text == "" {
		return nil
	}

	if threshold > 0 && len(text) >= threshold && client.SupportsThreads() {
		summary := threadSummary(text)
		threadID, err := client.StartThread(ctx, channelID, summary)
		if err != nil {
			slog.Warn("long-output thread creation failed, sending in-channel",
				"channel_id", channelID, "error", err)
			return sendSplit(ctx, client, channelID, text)
		}
		return sendSplit(ctx, client, threadID, text)
	}

	return sendSplit(ctx, client, channelID, text)
}

// sendSplit sends text in platform-limit chunks. A failed chunk does not
// stop the remaining chunks; the last error wins only if no chunk landed.
func sendSplit(ctx context.Context, client Client, channelID, text string) error {
	var lastErr error
	sent := false
	for _, chunk := range SplitMessage(text, client.MaxMessageLength()) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if err := client.Send(ctx, channelID, chunk); err != nil {
			slog.Warn("chunk send failed", "channel_id", channelID, "error", err)
			lastErr = err
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	return lastErr
}

// threadSummary builds the short seed message for a long-output thread.
func threadSummary(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = "agent output"
	}
	return fmt.Sprintf("%s (%d chars)", Truncate(line, 80), len(text))
}
