// Package tmux shells out to a terminal multiplexer to type keystrokes into
// agent panes and to snapshot their contents.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Multiplexer is the port the bridge uses to talk to agent panes.
// Implementations must be safe for concurrent calls.
type Multiplexer interface {
	// TypeKeys types text literally into the pane without submitting it.
	TypeKeys(ctx context.Context, session, window, text string) error

	// SendText types text and submits it with Enter in one call.
	SendText(ctx context.Context, session, window, text string) error

	// SendKey sends a named key (Enter, Tab, Escape, Up, Down) count times.
	SendKey(ctx context.Context, session, window, key string, count int) error

	// CapturePane returns the visible pane contents. lines <= 0 captures
	// the whole visible area.
	CapturePane(ctx context.Context, session, window string, lines int) (string, error)

	// PaneCommand returns the foreground command running in the pane.
	PaneCommand(ctx context.Context, session, window string) (string, error)

	// KillWindow destroys the window.
	KillWindow(ctx context.Context, session, window string) error

	// HasWindow reports whether the window exists.
	HasWindow(ctx context.Context, session, window string) (bool, error)
}

// Named keys accepted by SendKey.
const (
	KeyEnter  = "Enter"
	KeyTab    = "Tab"
	KeyEscape = "Escape"
	KeyUp     = "Up"
	KeyDown   = "Down"
)

// ErrPaneMissing wraps tmux "can't find window/pane" failures so callers
// can send the scripted recovery message instead of a generic error.
var ErrPaneMissing = errors.New("pane missing")

// IsPaneMissing reports whether err is a missing window/pane failure.
func IsPaneMissing(err error) bool {
	return errors.Is(err, ErrPaneMissing)
}

// runner executes a tmux command and returns combined output. Injected for
// tests.
type runner func(ctx context.Context, args ...string) (string, error)

// Tmux is the production Multiplexer shelling out to the tmux binary.
type Tmux struct {
	bin       string
	chunkSize int
	run       runner
}

// Option configures a Tmux.
type Option func(*Tmux)

// WithBinary overrides the tmux binary path.
func WithBinary(path string) Option {
	return func(t *Tmux) { t.bin = path }
}

// WithChunkSize overrides the send-keys chunk size.
func WithChunkSize(n int) Option {
	return func(t *Tmux) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

// WithRunner overrides command execution (tests).
func WithRunner(r runner) Option {
	return func(t *Tmux) { t.run = r }
}

// New creates a tmux-backed Multiplexer. chunkSize bounds each send-keys
// argument; tmux mangles very long literal arguments, so prompts are split.
func New(opts ...Option) *Tmux {
	t := &Tmux{bin: "tmux", chunkSize: 2000}
	for _, opt := range opts {
		opt(t)
	}
	if t.run == nil {
		t.run = t.exec
	}
	return t
}

// ChunkSize returns the configured send-keys chunk size.
func (t *Tmux) ChunkSize() int { return t.chunkSize }

func (t *Tmux) exec(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, t.bin, args...).CombinedOutput()
	text := string(out)
	if err != nil {
		if strings.Contains(text, "can't find window") || strings.Contains(text, "can't find pane") ||
			strings.Contains(text, "can't find session") {
			return text, fmt.Errorf("tmux %s: %s: %w", args[0], strings.TrimSpace(text), ErrPaneMissing)
		}
		return text, fmt.Errorf("tmux %s: %v: %s", args[0], err, strings.TrimSpace(text))
	}
	return text, nil
}

func target(session, window string) string {
	return session + ":" + window
}

// SplitChunks splits text into chunks of at most size bytes. Exported so
// the router can reason about how many send-keys calls a prompt needed.
func SplitChunks(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// TypeKeys types text literally without submitting.
func (t *Tmux) TypeKeys(ctx context.Context, session, window, text string) error {
	for _, chunk := range SplitChunks(text, t.chunkSize) {
		if _, err := t.run(ctx, "send-keys", "-t", target(session, window), "-l", chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendText types text and submits it with Enter.
func (t *Tmux) SendText(ctx context.Context, session, window, text string) error {
	if err := t.TypeKeys(ctx, session, window, text); err != nil {
		return err
	}
	return t.SendKey(ctx, session, window, KeyEnter, 1)
}

// SendKey sends a named key count times.
func (t *Tmux) SendKey(ctx context.Context, session, window, key string, count int) error {
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		if _, err := t.run(ctx, "send-keys", "-t", target(session, window), key); err != nil {
			return err
		}
	}
	return nil
}

// CapturePane snapshots the pane contents. lines > 0 limits to the last
// N lines of the visible area.
func (t *Tmux) CapturePane(ctx context.Context, session, window string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target(session, window)}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	out, err := t.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return out, nil
}

// PaneCommand returns the foreground command of the pane.
func (t *Tmux) PaneCommand(ctx context.Context, session, window string) (string, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", target(session, window), "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// KillWindow destroys the window.
func (t *Tmux) KillWindow(ctx context.Context, session, window string) error {
	_, err := t.run(ctx, "kill-window", "-t", target(session, window))
	return err
}

// HasWindow reports whether the window exists in the session.
func (t *Tmux) HasWindow(ctx context.Context, session, window string) (bool, error) {
	out, err := t.run(ctx, "list-windows", "-t", session, "-F", "#{window_name}")
	if err != nil {
		if IsPaneMissing(err) {
			return false, nil
		}
		return false, err
	}
	for _, name := range strings.Split(out, "\n") {
		if strings.TrimSpace(name) == window {
			return true, nil
		}
	}
	return false, nil
}

// EnsureSession creates a detached session rooted at dir when it does not
// exist yet.
func (t *Tmux) EnsureSession(ctx context.Context, session, dir string) error {
	if _, err := t.run(ctx, "has-session", "-t", session); err == nil {
		return nil
	}
	_, err := t.run(ctx, "new-session", "-d", "-s", session, "-c", dir)
	return err
}

// NewWindow creates a named window in the session rooted at dir.
func (t *Tmux) NewWindow(ctx context.Context, session, window, dir string) error {
	_, err := t.run(ctx, "new-window", "-d", "-t", session, "-n", window, "-c", dir)
	return err
}

// ShellCommands are foreground commands that mean the agent is not running
// and the pane is sitting at a shell prompt.
var ShellCommands = map[string]bool{
	"bash": true,
	"zsh":  true,
	"fish": true,
	"sh":   true,
	"dash": true,
	"ksh":  true,
	"cmd":  true,
	"pwsh": true,
}

// IsShell reports whether cmd is a known shell.
func IsShell(cmd string) bool {
	return ShellCommands[strings.ToLower(strings.TrimSpace(cmd))]
}
