package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
	"github.com/nextlevelbuilder/agentbridge/internal/tmux"
)

// keyCommands maps slash key-injection commands to multiplexer keys.
var keyCommands = map[string]string{
	"/enter": tmux.KeyEnter,
	"/tab":   tmux.KeyTab,
	"/esc":   tmux.KeyEscape,
	"/up":    tmux.KeyUp,
	"/down":  tmux.KeyDown,
}

// legacyKeyCommands are the old bang forms, kept only to point users at
// the slash form.
var legacyKeyCommands = map[string]bool{
	"!enter": true, "!tab": true, "!esc": true, "!up": true, "!down": true,
}

// maintenanceDelay lets the acknowledgement reach the user before the
// external command takes over (or restarts the daemon).
const maintenanceDelay = 350 * time.Millisecond

// handleCommand parses and executes the command vocabulary. Returns true
// when the message was a command (even a failed one); anything else is a
// prompt.
func (r *Router) handleCommand(ctx context.Context, msg chat.InboundMessage, key pending.Key, project *state.Project, inst *state.Instance) bool {
	text := strings.TrimSpace(msg.Text)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return true // nothing to dispatch
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	if legacyKeyCommands[cmd] {
		r.advise(ctx, msg.ChannelID, fmt.Sprintf("`%s` has moved: use `/%s` instead.", cmd, cmd[1:]))
		return true
	}

	if muxKey, ok := keyCommands[cmd]; ok {
		r.injectKey(ctx, msg, project, inst, muxKey, args)
		return true
	}

	switch cmd {
	case "/q":
		r.stopInstance(ctx, msg, key, project, inst, false)
	case "/qw":
		r.stopInstance(ctx, msg, key, project, inst, true)
	case "/retry":
		r.retry(ctx, msg, key, project, inst)
	case "/health":
		r.health(ctx, msg, key, project, inst)
	case "/snapshot":
		r.snapshot(ctx, msg, project, inst, args)
	case "/io":
		r.ioStatus(ctx, msg, key, inst)
	case "/doctor":
		r.maintenance(ctx, msg, "doctor", args)
	case "/update":
		r.maintenance(ctx, msg, "update", args)
	case "/daemon-restart":
		r.maintenance(ctx, msg, "daemon-restart", nil)
	default:
		return false
	}
	return true
}

// injectKey sends a named key, optionally repeated 1-20 times.
func (r *Router) injectKey(ctx context.Context, msg chat.InboundMessage, project *state.Project, inst *state.Instance, muxKey string, args []string) {
	count := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 20 {
			r.advise(ctx, msg.ChannelID, "Key repeat count must be an integer between 1 and 20.")
			return
		}
		count = n
	}
	if err := r.mux.SendKey(ctx, project.Session, inst.Window, muxKey, count); err != nil {
		slog.Warn("key injection failed",
			"project", project.Name, "instance", inst.ID, "key", muxKey, "error", err)
		r.advise(ctx, msg.ChannelID, "Key injection failed; the pane may be gone.")
	}
}

// stopInstance implements /q and /qw: kill the window, drop the instance
// from state, and delete or archive the channel.
func (r *Router) stopInstance(ctx context.Context, msg chat.InboundMessage, key pending.Key, project *state.Project, inst *state.Instance, archive bool) {
	r.tracker.ClearPendingForInstance(key)

	if err := r.mux.KillWindow(ctx, project.Session, inst.Window); err != nil && !tmux.IsPaneMissing(err) {
		slog.Warn("kill window failed",
			"project", project.Name, "instance", inst.ID, "error", err)
	}
	if err := r.store.RemoveInstance(project.Name, inst.ID); err != nil {
		slog.Warn("remove instance failed",
			"project", project.Name, "instance", inst.ID, "error", err)
	}

	if archive {
		oldName, err := r.client.ChannelName(ctx, msg.ChannelID)
		if err != nil || oldName == "" {
			oldName = inst.ID
		}
		saved := fmt.Sprintf("saved_%s_%s", time.Now().Format("20060102_150405"), oldName)
		if err := r.client.RenameChannel(ctx, msg.ChannelID, saved); err != nil {
			slog.Warn("archive rename failed", "channel_id", msg.ChannelID, "error", err)
		}
		return
	}
	if err := r.client.DeleteChannel(ctx, msg.ChannelID); err != nil {
		slog.Warn("channel delete failed", "channel_id", msg.ChannelID, "error", err)
	}
}

// retry resends the last remembered prompt for this instance.
func (r *Router) retry(ctx context.Context, msg chat.InboundMessage, key pending.Key, project *state.Project, inst *state.Instance) {
	prompt, ok := r.resolver.Memory().LastPrompt(project.Name, inst.ID)
	if !ok {
		r.advise(ctx, msg.ChannelID, "Nothing to retry: no prompt is remembered for this instance.")
		return
	}
	r.dispatchPrompt(ctx, msg, key, project, inst, "", prompt)
}

// health posts a composed status line for the instance.
func (r *Router) health(ctx context.Context, msg chat.InboundMessage, key pending.Key, project *state.Project, inst *state.Instance) {
	windowUp := "unknown"
	if ok, err := r.mux.HasWindow(ctx, project.Session, inst.Window); err == nil {
		windowUp = strconv.FormatBool(ok)
	}
	mode := "capture"
	if inst.EventHook {
		mode = "event"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%s/%s** (%s, %s-driven)\n", project.Name, inst.ID, inst.AgentType, mode)
	fmt.Fprintf(&b, "window `%s` up: %s\n", inst.Window, windowUp)
	fmt.Fprintf(&b, "pending turns: %d\n", r.tracker.PendingDepth(key))
	if ts, ok := r.tracker.Terminal(key); ok {
		fmt.Fprintf(&b, "last turn: %s at %s", ts.Stage, ts.At.Format(time.RFC3339))
	}
	r.advise(ctx, msg.ChannelID, b.String())
}

// snapshot posts the pane tail. Default and max line counts come from
// config.
func (r *Router) snapshot(ctx context.Context, msg chat.InboundMessage, project *state.Project, inst *state.Instance, args []string) {
	lines := r.opts.SnapshotLines
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			lines = n
		}
	}
	if r.opts.SnapshotLinesMax > 0 && lines > r.opts.SnapshotLinesMax {
		lines = r.opts.SnapshotLinesMax
	}

	capture, err := r.mux.CapturePane(ctx, project.Session, inst.Window, lines)
	if err != nil {
		r.advise(ctx, msg.ChannelID, "Snapshot failed; the pane may be gone.")
		return
	}
	cleaned := strings.TrimRight(capture, "\n ")
	if cleaned == "" {
		cleaned = "(pane is empty)"
	}
	r.advise(ctx, msg.ChannelID, "```\n"+cleaned+"\n```")
}

// ioStatus posts the codex I/O tracker view: queue depth, in-flight
// prompt tails, and the last terminal state.
func (r *Router) ioStatus(ctx context.Context, msg chat.InboundMessage, key pending.Key, inst *state.Instance) {
	var b strings.Builder
	fmt.Fprintf(&b, "I/O tracker for `%s`:\n", inst.ID)
	fmt.Fprintf(&b, "pending depth: %d\n", r.tracker.PendingDepth(key))
	for i, tail := range r.tracker.PendingPromptTails(key) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, chat.Truncate(tail, 80))
	}
	if ts, ok := r.tracker.Terminal(key); ok {
		fmt.Fprintf(&b, "last turn: %s at %s", ts.Stage, ts.At.Format(time.RFC3339))
	}
	r.advise(ctx, msg.ChannelID, b.String())
}

// maintenance acknowledges and then launches external tooling without
// awaiting it, after a short delay so the acknowledgement lands first.
func (r *Router) maintenance(ctx context.Context, msg chat.InboundMessage, name string, args []string) {
	r.advise(ctx, msg.ChannelID, fmt.Sprintf("Running `%s`...", name))
	launch := r.launch
	argv := append([]string{}, args...)
	time.AfterFunc(maintenanceDelay, func() { launch(name, argv...) })
}
