// Package capture derives assistant output from periodic pane snapshots
// for instances that have no structured event hook.
package capture

import (
	"regexp"
	"strings"
)

// anchorFallbackLines is how much of the current snapshot is returned when
// no anchor line from the previous snapshot can be found.
const anchorFallbackLines = 20

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-B]`)

// Clean normalizes a raw pane capture: ANSI sequences and carriage
// returns are stripped, trailing whitespace is trimmed per line, and
// trailing blank lines are dropped.
func Clean(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r", "")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Delta is the newly appended portion of a snapshot relative to the prior
// one. PrefixExtended records that the current snapshot literally extends
// the previous one; non-extended deltas get clamped harder downstream.
type Delta struct {
	Text           string
	PrefixExtended bool
}

// Extract computes the delta between two cleaned snapshots using three
// strategies in order: prefix extension, longest suffix/prefix overlap
// (the pane scrolled), and line-anchor search.
func Extract(previous, current string) Delta {
	if previous == current {
		return Delta{}
	}
	if previous == "" {
		return Delta{Text: current}
	}

	// (a) prefix extension
	if strings.HasPrefix(current, previous) {
		return Delta{Text: strings.TrimPrefix(current[len(previous):], "\n"), PrefixExtended: true}
	}

	// (b) longest suffix of previous that prefixes current
	if overlap := suffixPrefixOverlap(previous, current); overlap > 0 {
		return Delta{Text: strings.TrimPrefix(current[overlap:], "\n")}
	}

	// (c) line anchor: locate the most recent non-blank previous line in
	// the current snapshot and take everything after it. An anchor that
	// turns out to be the last line of current yields an empty delta:
	// a full-screen redraw produced nothing new.
	return anchorDelta(previous, current)
}

// suffixPrefixOverlap returns the length of the longest suffix of prev
// that is also a prefix of current, searching whole lines only.
func suffixPrefixOverlap(prev, current string) int {
	max := len(prev)
	if len(current) < max {
		max = len(current)
	}
	for k := max; k > 0; k-- {
		if prev[len(prev)-k:] == current[:k] {
			// Only accept overlaps that end on a line boundary; partial
			// line overlaps produce garbage splits.
			if k == len(current) || current[k] == '\n' || prev[len(prev)-k-1] == '\n' || len(prev) == k {
				return k
			}
		}
	}
	return 0
}

func anchorDelta(previous, current string) Delta {
	prevLines := strings.Split(previous, "\n")
	curLines := strings.Split(current, "\n")

	var anchor string
	for i := len(prevLines) - 1; i >= 0; i-- {
		if strings.TrimSpace(prevLines[i]) != "" {
			anchor = prevLines[i]
			break
		}
	}

	if anchor != "" {
		for i := len(curLines) - 1; i >= 0; i-- {
			if curLines[i] == anchor {
				return Delta{Text: strings.Join(curLines[i+1:], "\n")}
			}
		}
	}

	// No anchor found: the screen was fully replaced. Return the tail.
	if len(curLines) > anchorFallbackLines {
		curLines = curLines[len(curLines)-anchorFallbackLines:]
	}
	return Delta{Text: strings.Join(curLines, "\n")}
}
