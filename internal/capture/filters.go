package capture

import (
	"regexp"
	"strings"
)

const (
	// Clamp applied to oversized deltas that were not plain prefix
	// extensions (usually a redraw picked up too much history).
	oversizeDeltaChars = 4000
	oversizeKeepLines  = 24

	// Prompt echo scanning bounds.
	echoScanLines      = 8
	echoScanLinesDeep  = 2 // pendingDepth > 1
	echoMinChars       = 16
	echoMinCharsDeep   = 48
)

// Codex panes carry shell bootstrap lines and a HUD footer that must never
// reach the chat channel.
var codexNoiseLines = []*regexp.Regexp{
	regexp.MustCompile(`^\s*export AGENT_DISCORD_\w+=`),
	regexp.MustCompile(`^\s*cd ".*" && codex\b`),
	regexp.MustCompile(`^\s*\? for shortcuts\b.*\d+% context left`),
	regexp.MustCompile(`^\s*\d+% context left\s*$`),
	regexp.MustCompile(`\d+% left\s+·`),
}

// roleLine matches transcript role markers; echo scanning stops at the
// first one because everything after is agent output, not echo.
var roleLine = regexp.MustCompile(`^\s*(assistant|system|user):`)

// NormalizeCodex strips codex shell-bootstrap and HUD lines from a delta
// and clamps oversized non-prefix deltas to the last lines of output.
func NormalizeCodex(d Delta) string {
	lines := strings.Split(d.Text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isCodexNoise(line) {
			continue
		}
		kept = append(kept, line)
	}
	text := strings.Join(kept, "\n")

	if len(text) > oversizeDeltaChars && !d.PrefixExtended {
		clamped := strings.Split(text, "\n")
		if len(clamped) > oversizeKeepLines {
			clamped = clamped[len(clamped)-oversizeKeepLines:]
		}
		text = strings.Join(clamped, "\n")
	}
	return text
}

func isCodexNoise(line string) bool {
	for _, re := range codexNoiseLines {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// SuppressPromptEcho drops leading delta lines that are echoes of pending
// prompts. Only the first few lines are scanned (fewer when several turns
// are in flight, because later echoes interleave with real output), and
// scanning stops at the first transcript role marker. Returns the filtered
// text and whether any echo line was dropped.
func SuppressPromptEcho(text string, tails []string, pendingDepth int) (string, bool) {
	if text == "" || len(tails) == 0 {
		return text, false
	}

	scanLimit := echoScanLines
	minChars := echoMinChars
	if pendingDepth > 1 {
		scanLimit = echoScanLinesDeep
		minChars = echoMinCharsDeep
	}

	lines := strings.Split(text, "\n")
	dropped := false
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if i >= scanLimit || roleLine.MatchString(line) {
			kept = append(kept, lines[i:]...)
			break
		}
		if isPromptEcho(line, tails, minChars) {
			dropped = true
			continue
		}
		kept = append(kept, line)
	}

	return strings.Join(kept, "\n"), dropped
}

func isPromptEcho(line string, tails []string, minChars int) bool {
	norm := strings.Join(strings.Fields(line), " ")
	if len(norm) < minChars {
		return false
	}
	for _, tail := range tails {
		if norm == tail || strings.Contains(tail, norm) {
			return true
		}
	}
	return false
}
