package tmux

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls  [][]string
	output string
	err    error
}

func (f *fakeRunner) run(_ context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	return f.output, f.err
}

func newFake(t *testing.T, f *fakeRunner, opts ...Option) *Tmux {
	t.Helper()
	return New(append([]Option{WithRunner(f.run)}, opts...)...)
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"abc"}, SplitChunks("abc", 10))
	assert.Equal(t, []string{"abc"}, SplitChunks("abc", 0))
	assert.Equal(t, []string{"ab", "cd", "e"}, SplitChunks("abcde", 2))
}

func TestTypeKeysChunksLongText(t *testing.T) {
	f := &fakeRunner{}
	mux := newFake(t, f, WithChunkSize(4))

	require.NoError(t, mux.TypeKeys(context.Background(), "sess", "win", "abcdefgh"))
	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"send-keys", "-t", "sess:win", "-l", "abcd"}, f.calls[0])
	assert.Equal(t, []string{"send-keys", "-t", "sess:win", "-l", "efgh"}, f.calls[1])
}

func TestSendTextSubmitsWithEnter(t *testing.T) {
	f := &fakeRunner{}
	mux := newFake(t, f)

	require.NoError(t, mux.SendText(context.Background(), "sess", "win", "hello"))
	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"send-keys", "-t", "sess:win", "-l", "hello"}, f.calls[0])
	assert.Equal(t, []string{"send-keys", "-t", "sess:win", "Enter"}, f.calls[1])
}

func TestSendKeyRepeats(t *testing.T) {
	f := &fakeRunner{}
	mux := newFake(t, f)

	require.NoError(t, mux.SendKey(context.Background(), "sess", "win", KeyEscape, 3))
	assert.Len(t, f.calls, 3)

	// Zero and negative counts still send once.
	f.calls = nil
	require.NoError(t, mux.SendKey(context.Background(), "sess", "win", KeyEnter, 0))
	assert.Len(t, f.calls, 1)
}

func TestCapturePaneLimitsLines(t *testing.T) {
	f := &fakeRunner{output: "pane contents\n"}
	mux := newFake(t, f)

	out, err := mux.CapturePane(context.Background(), "sess", "win", 30)
	require.NoError(t, err)
	assert.Equal(t, "pane contents\n", out)
	assert.Equal(t, []string{"capture-pane", "-p", "-t", "sess:win", "-S", "-30"}, f.calls[0])

	f.calls = nil
	_, err = mux.CapturePane(context.Background(), "sess", "win", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"capture-pane", "-p", "-t", "sess:win"}, f.calls[0])
}

func TestPaneCommandTrimsOutput(t *testing.T) {
	f := &fakeRunner{output: "codex\n"}
	mux := newFake(t, f)

	cmd, err := mux.PaneCommand(context.Background(), "sess", "win")
	require.NoError(t, err)
	assert.Equal(t, "codex", cmd)
}

func TestHasWindowMatchesExactName(t *testing.T) {
	f := &fakeRunner{output: "claude\ncodex\n"}
	mux := newFake(t, f)

	ok, err := mux.HasWindow(context.Background(), "sess", "codex")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mux.HasWindow(context.Background(), "sess", "code")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasWindowMissingSessionIsNotAnError(t *testing.T) {
	f := &fakeRunner{err: fmt.Errorf("tmux list-windows: can't find session: %w", ErrPaneMissing)}
	mux := newFake(t, f)

	ok, err := mux.HasWindow(context.Background(), "sess", "codex")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPaneMissingErrorsAreWrapped(t *testing.T) {
	f := &fakeRunner{err: fmt.Errorf("tmux send-keys: can't find window w: %w", ErrPaneMissing)}
	mux := newFake(t, f)

	err := mux.TypeKeys(context.Background(), "sess", "gone", "text")
	require.Error(t, err)
	assert.True(t, IsPaneMissing(err))
	assert.True(t, IsPaneMissing(fmt.Errorf("outer: %w", err)))
	assert.False(t, IsPaneMissing(fmt.Errorf("unrelated")))
}

func TestIsShell(t *testing.T) {
	for _, cmd := range []string{"bash", "zsh", "fish", " ZSH "} {
		assert.True(t, IsShell(cmd), cmd)
	}
	for _, cmd := range []string{"codex", "claude", "node", ""} {
		assert.False(t, IsShell(cmd), cmd)
	}
}

func TestEnsureSessionCreatesOnlyWhenMissing(t *testing.T) {
	f := &fakeRunner{}
	mux := newFake(t, f)

	// has-session succeeds: no new-session call.
	require.NoError(t, mux.EnsureSession(context.Background(), "sess", "/tmp"))
	require.Len(t, f.calls, 1)
	assert.Equal(t, "has-session", f.calls[0][0])
}

func TestEnsureSessionCreatesWhenAbsent(t *testing.T) {
	calls := [][]string{}
	run := func(_ context.Context, args ...string) (string, error) {
		calls = append(calls, args)
		if args[0] == "has-session" {
			return "", fmt.Errorf("tmux has-session: can't find session: %w", ErrPaneMissing)
		}
		return "", nil
	}
	mux := New(WithRunner(run))

	require.NoError(t, mux.EnsureSession(context.Background(), "sess", "/tmp"))
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"new-session", "-d", "-s", "sess", "-c", "/tmp"}, calls[1])
}

func TestNewWindow(t *testing.T) {
	f := &fakeRunner{}
	mux := newFake(t, f)

	require.NoError(t, mux.NewWindow(context.Background(), "sess", "codex", "/tmp"))
	require.Len(t, f.calls, 1)
	assert.Equal(t, []string{"new-window", "-d", "-t", "sess", "-n", "codex", "-c", "/tmp"}, f.calls[0])
}
