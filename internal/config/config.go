// Package config holds the runtime options for the bridge daemon.
// Every option has a default and can be overridden through an
// AGENT_DISCORD_* environment variable, matching the hook scripts
// that agents source inside their panes.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ProgressForward controls where session.progress events are forwarded.
type ProgressForward string

const (
	ProgressOff     ProgressForward = "off"
	ProgressThread  ProgressForward = "thread"
	ProgressChannel ProgressForward = "channel"
)

// StrictMode is the policy for events arriving without a session.start.
type StrictMode string

const (
	StrictOff    StrictMode = "off"
	StrictWarn   StrictMode = "warn"
	StrictReject StrictMode = "reject"
)

// Long-output thread threshold bounds. Legacy installs carried values up
// to 100000; those are clamped instead of rejected so old env files keep
// working.
const (
	LongOutputThresholdMin = 1200
	LongOutputThresholdMax = 20000
)

// Options is the full runtime configuration of the daemon.
type Options struct {
	// Daemon
	Platform      string `json:"platform"`
	DiscordToken  string `json:"-"`
	SlackBotToken string `json:"-"`
	SlackAppToken string `json:"-"`
	StateFile     string `json:"state_file"`

	// Hook server
	HookHost string `json:"hook_host"`
	HookPort int    `json:"hook_port"`

	// Capture poller
	CapturePollInterval       time.Duration `json:"capture_poll_interval"`
	QuietPendingPolls         int           `json:"quiet_pending_polls"`
	CodexInitialQuietPolls    int           `json:"codex_initial_quiet_polls"`
	FilterPromptEcho          bool          `json:"filter_prompt_echo"`
	PromptEchoMaxPolls        int           `json:"prompt_echo_max_polls"` // 0 = unlimited
	SnapshotLines             int           `json:"snapshot_lines"`
	SnapshotLinesMax          int           `json:"snapshot_lines_max"`
	LongOutputThreadThreshold int           `json:"long_output_thread_threshold"`

	// Event hook pipeline
	ProgressForward        ProgressForward `json:"progress_forward"`
	ProgressBlockStreaming bool            `json:"progress_block_streaming"`
	ProgressBlockWindow    time.Duration   `json:"progress_block_window"`
	ProgressBlockMaxChars  int             `json:"progress_block_max_chars"`
	TranscriptMaxChars     int             `json:"transcript_max_chars"`
	FinalFromProgress      bool            `json:"final_from_progress_on_empty"`
	DedupeRetention        time.Duration   `json:"dedupe_retention"`
	DedupeMax              int             `json:"dedupe_max"`
	SeqRetention           time.Duration   `json:"seq_retention"`
	SeqMax                 int             `json:"seq_max"`
	LifecycleStale         time.Duration   `json:"lifecycle_stale"`
	LifecycleStrictMode    StrictMode      `json:"lifecycle_strict_mode"`
	IgnoredEventRetention  time.Duration   `json:"ignored_event_retention"`
	CodexEventOnly         bool            `json:"codex_event_only"`

	// Pending tracker
	PendingStuckAlert time.Duration `json:"pending_stuck_alert"`

	// Dispatch
	CodexSubmitDelay            time.Duration `json:"codex_submit_delay"`
	OpencodeSubmitDelay         time.Duration `json:"opencode_submit_delay"`
	CodexLongPromptReenterChars int           `json:"codex_long_prompt_reenter_chars"`
	CodexLongPromptReenterDelay time.Duration `json:"codex_long_prompt_reenter_delay"`
	SendKeysChunkSize           int           `json:"send_keys_chunk_size"`
}

// Default returns the built-in option set.
func Default() Options {
	return Options{
		Platform:  "discord",
		StateFile: defaultStateFile(),

		HookHost: "127.0.0.1",
		HookPort: 48620,

		CapturePollInterval:       3000 * time.Millisecond,
		QuietPendingPolls:         2,
		CodexInitialQuietPolls:    12,
		FilterPromptEcho:          true,
		PromptEchoMaxPolls:        0,
		SnapshotLines:             30,
		SnapshotLinesMax:          200,
		LongOutputThreadThreshold: 2000,

		ProgressForward:        ProgressOff,
		ProgressBlockStreaming: true,
		ProgressBlockWindow:    450 * time.Millisecond,
		ProgressBlockMaxChars:  1800,
		TranscriptMaxChars:     24000,
		FinalFromProgress:      true,
		DedupeRetention:        10 * time.Minute,
		DedupeMax:              50000,
		SeqRetention:           30 * time.Minute,
		SeqMax:                 100000,
		LifecycleStale:         2 * time.Minute,
		LifecycleStrictMode:    StrictOff,
		IgnoredEventRetention:  24 * time.Hour,
		CodexEventOnly:         false,

		PendingStuckAlert: 45 * time.Second,

		CodexSubmitDelay:            75 * time.Millisecond,
		OpencodeSubmitDelay:         75 * time.Millisecond,
		CodexLongPromptReenterChars: 3500,
		CodexLongPromptReenterDelay: 120 * time.Millisecond,
		SendKeysChunkSize:           2000,
	}
}

// FromEnv builds Options from defaults overridden by environment variables.
func FromEnv() Options {
	o := Default()

	o.Platform = strings.ToLower(envString("AGENT_DISCORD_PLATFORM", o.Platform))
	o.DiscordToken = envString("DISCORD_BOT_TOKEN", o.DiscordToken)
	o.SlackBotToken = envString("SLACK_BOT_TOKEN", o.SlackBotToken)
	o.SlackAppToken = envString("SLACK_APP_TOKEN", o.SlackAppToken)
	o.StateFile = envString("AGENT_DISCORD_STATE_FILE", o.StateFile)

	o.HookHost = envString("AGENT_DISCORD_HOOK_HOST", o.HookHost)
	o.HookPort = envInt("AGENT_DISCORD_HOOK_PORT", o.HookPort)

	o.CapturePollInterval = envMillis("AGENT_DISCORD_CAPTURE_POLL_MS", o.CapturePollInterval)
	if o.CapturePollInterval < 250*time.Millisecond {
		o.CapturePollInterval = 250 * time.Millisecond
	}
	o.QuietPendingPolls = envInt("AGENT_DISCORD_CAPTURE_PENDING_QUIET_POLLS", o.QuietPendingPolls)
	o.CodexInitialQuietPolls = envInt("AGENT_DISCORD_CAPTURE_PENDING_INITIAL_QUIET_POLLS_CODEX", o.CodexInitialQuietPolls)
	o.FilterPromptEcho = envBool("AGENT_DISCORD_CAPTURE_FILTER_PROMPT_ECHO", o.FilterPromptEcho)
	o.PromptEchoMaxPolls = envInt("AGENT_DISCORD_CAPTURE_PROMPT_ECHO_MAX_POLLS", o.PromptEchoMaxPolls)
	o.SnapshotLines = envInt("AGENT_DISCORD_SNAPSHOT_LINES", o.SnapshotLines)
	o.SnapshotLinesMax = envInt("AGENT_DISCORD_SNAPSHOT_LINES_MAX", o.SnapshotLinesMax)
	o.LongOutputThreadThreshold = ClampThreadThreshold(
		envInt("AGENT_DISCORD_LONG_OUTPUT_THREAD_THRESHOLD", o.LongOutputThreadThreshold))

	o.ProgressForward = ParseProgressForward(
		envString("AGENT_DISCORD_EVENT_PROGRESS_FORWARD", string(o.ProgressForward)))
	o.ProgressBlockStreaming = envBool("AGENT_DISCORD_EVENT_PROGRESS_BLOCK_STREAMING", o.ProgressBlockStreaming)
	o.ProgressBlockWindow = envMillis("AGENT_DISCORD_EVENT_PROGRESS_BLOCK_WINDOW_MS", o.ProgressBlockWindow)
	o.ProgressBlockMaxChars = envInt("AGENT_DISCORD_EVENT_PROGRESS_BLOCK_MAX_CHARS", o.ProgressBlockMaxChars)
	o.TranscriptMaxChars = envInt("AGENT_DISCORD_EVENT_PROGRESS_TRANSCRIPT_MAX_CHARS", o.TranscriptMaxChars)
	o.FinalFromProgress = envBool("AGENT_DISCORD_EVENT_FINAL_FROM_PROGRESS_ON_EMPTY", o.FinalFromProgress)
	o.DedupeRetention = envMillis("AGENT_DISCORD_EVENT_DEDUPE_RETENTION_MS", o.DedupeRetention)
	o.DedupeMax = envInt("AGENT_DISCORD_EVENT_DEDUPE_MAX", o.DedupeMax)
	o.SeqRetention = envMillis("AGENT_DISCORD_EVENT_SEQ_RETENTION_MS", o.SeqRetention)
	o.SeqMax = envInt("AGENT_DISCORD_EVENT_SEQ_MAX", o.SeqMax)
	o.LifecycleStale = envMillis("AGENT_DISCORD_EVENT_LIFECYCLE_STALE_MS", o.LifecycleStale)
	o.LifecycleStrictMode = ParseStrictMode(
		envString("AGENT_DISCORD_EVENT_LIFECYCLE_STRICT_MODE", string(o.LifecycleStrictMode)))
	o.IgnoredEventRetention = envMillis("AGENT_DISCORD_IGNORED_EVENT_RETENTION_MS", o.IgnoredEventRetention)
	o.CodexEventOnly = envBool("AGENT_DISCORD_CODEX_EVENT_ONLY", o.CodexEventOnly)

	o.PendingStuckAlert = envMillis("AGENT_DISCORD_PENDING_ALERT_MS", o.PendingStuckAlert)

	o.CodexSubmitDelay = envMillis("AGENT_DISCORD_CODEX_SUBMIT_DELAY_MS", o.CodexSubmitDelay)
	o.OpencodeSubmitDelay = envMillis("AGENT_DISCORD_OPENCODE_SUBMIT_DELAY_MS", o.OpencodeSubmitDelay)
	o.CodexLongPromptReenterChars = envInt("AGENT_DISCORD_CODEX_LONG_PROMPT_REENTER_THRESHOLD", o.CodexLongPromptReenterChars)
	o.CodexLongPromptReenterDelay = envMillis("AGENT_DISCORD_CODEX_LONG_PROMPT_REENTER_DELAY_MS", o.CodexLongPromptReenterDelay)
	o.SendKeysChunkSize = envInt("AGENT_DISCORD_TMUX_SEND_KEYS_CHUNK_SIZE", o.SendKeysChunkSize)

	return o
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "state.json"
	}
	return filepath.Join(home, ".agentbridge", "state.json")
}

// ClampThreadThreshold bounds the long-output thread threshold.
func ClampThreadThreshold(v int) int {
	if v < LongOutputThresholdMin {
		return LongOutputThresholdMin
	}
	if v > LongOutputThresholdMax {
		return LongOutputThresholdMax
	}
	return v
}

// ParseProgressForward parses a progress forward mode, defaulting to off.
func ParseProgressForward(s string) ProgressForward {
	switch ProgressForward(strings.ToLower(strings.TrimSpace(s))) {
	case ProgressThread:
		return ProgressThread
	case ProgressChannel:
		return ProgressChannel
	default:
		return ProgressOff
	}
}

// ParseStrictMode parses a lifecycle strict mode, defaulting to off.
func ParseStrictMode(s string) StrictMode {
	switch StrictMode(strings.ToLower(strings.TrimSpace(s))) {
	case StrictWarn:
		return StrictWarn
	case StrictReject:
		return StrictReject
	default:
		return StrictOff
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		slog.Warn("invalid millisecond env var, using default", "key", key, "value", v)
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		slog.Warn("invalid boolean env var, using default", "key", key, "value", v)
		return fallback
	}
}
