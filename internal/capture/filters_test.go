package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCodexDropsNoiseLines(t *testing.T) {
	d := Delta{Text: strings.Join([]string{
		`export AGENT_DISCORD_EVENT_URL=http://127.0.0.1:48620/agent-event`,
		`cd "/home/user/proj" && codex`,
		"real answer line",
		"? for shortcuts    97% context left",
		"42% context left",
		"  12% left · tokens",
		"another real line",
	}, "\n")}
	assert.Equal(t, "real answer line\nanother real line", NormalizeCodex(d))
}

func TestNormalizeCodexClampsOversizedNonPrefixDelta(t *testing.T) {
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, strings.Repeat("y", 60))
	}
	text := strings.Join(lines, "\n")

	clamped := NormalizeCodex(Delta{Text: text, PrefixExtended: false})
	assert.Len(t, strings.Split(clamped, "\n"), oversizeKeepLines)

	// Prefix extensions are trusted and never clamped.
	full := NormalizeCodex(Delta{Text: text, PrefixExtended: true})
	assert.Equal(t, text, full)
}

func TestSuppressPromptEchoDropsEchoedPrompt(t *testing.T) {
	tail := "please refactor the storage layer and add tests"
	text := "please refactor the storage layer and add tests\nworking on the storage layer now"

	got, dropped := SuppressPromptEcho(text, []string{tail}, 1)
	assert.True(t, dropped)
	assert.Equal(t, "working on the storage layer now", got)
}

func TestSuppressPromptEchoMatchesSubstringOfTail(t *testing.T) {
	tail := "fix the login bug and then update the changelog entry"
	// The pane wrapped the prompt; a fragment of the tail appears alone.
	text := "then update the changelog entry\nOn it."

	got, dropped := SuppressPromptEcho(text, []string{tail}, 1)
	assert.True(t, dropped)
	assert.Equal(t, "On it.", got)
}

func TestSuppressPromptEchoKeepsShortLines(t *testing.T) {
	// Short lines never count as echo even when contained in a tail.
	tail := "run ls and tell me what you see"
	text := "run ls\noutput here"

	got, dropped := SuppressPromptEcho(text, []string{tail}, 1)
	assert.False(t, dropped)
	assert.Equal(t, text, got)
}

func TestSuppressPromptEchoStopsAtRoleMarker(t *testing.T) {
	tail := "summarize everything in the architecture document please"
	text := "assistant: summarize everything in the architecture document please"

	got, dropped := SuppressPromptEcho(text, []string{tail}, 1)
	assert.False(t, dropped)
	assert.Equal(t, text, got)
}

func TestSuppressPromptEchoDeepQueueScansLess(t *testing.T) {
	tail := "a prompt echoed on the third visible line of output"
	text := "first\nsecond\na prompt echoed on the third visible line of output"

	// Depth 1 scans far enough to drop it.
	_, dropped := SuppressPromptEcho(text, []string{tail}, 1)
	assert.True(t, dropped)

	// Depth 2 only scans the first two lines.
	got, dropped := SuppressPromptEcho(text, []string{tail}, 2)
	assert.False(t, dropped)
	assert.Equal(t, text, got)
}
