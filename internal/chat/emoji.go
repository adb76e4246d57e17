package chat

// Stage names for pending turns, shared with the pending tracker.
const (
	StageReceived   = "received"
	StageRouted     = "routed"
	StageProcessing = "processing"
	StageCompleted  = "completed"
	StageError      = "error"
	StageRetry      = "retry"
)

// Route hints surfaced as informational reactions.
const (
	HintReply      = "reply"
	HintThread     = "thread"
	HintMemory     = "memory"
	HintAttachment = "attachment"
)

// StatusEmoji maps a pending stage to the platform's status reaction.
// Discord shows a distinct emoji per stage; Slack collapses the
// intermediate stages into a single in-progress emoji because workspaces
// rate-limit reaction churn aggressively.
func StatusEmoji(p Platform, stage string) string {
	if p == PlatformSlack {
		switch stage {
		case StageReceived, StageRouted, StageProcessing:
			return "hourglass_flowing_sand"
		case StageCompleted:
			return "white_check_mark"
		case StageError:
			return "x"
		case StageRetry:
			return "repeat"
		}
		return ""
	}
	switch stage {
	case StageReceived:
		return "📨"
	case StageRouted:
		return "🧭"
	case StageProcessing:
		return "⚙️"
	case StageCompleted:
		return "✅"
	case StageError:
		return "❌"
	case StageRetry:
		return "🔁"
	}
	return ""
}

// HintEmoji maps a route hint to its informational reaction.
func HintEmoji(p Platform, hint string) string {
	if p == PlatformSlack {
		switch hint {
		case HintReply:
			return "leftwards_arrow_with_hook"
		case HintThread:
			return "thread"
		case HintMemory:
			return "brain"
		case HintAttachment:
			return "paperclip"
		}
		return ""
	}
	switch hint {
	case HintReply:
		return "↩️"
	case HintThread:
		return "🧵"
	case HintMemory:
		return "🧠"
	case HintAttachment:
		return "📎"
	}
	return ""
}
