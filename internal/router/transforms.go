package router

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prompt transform heuristics for codex dispatch. All transforms are pure
// over (prompt, projectPath): they return an augmented prompt and never
// touch shared state.
const (
	subagentPromptChars  = 6000
	subagentBulletCount  = 10
	subagentFenceCount   = 4
	longTaskPromptChars  = 8000
)

// continuationPhrases are short follow-ups that resume a long-running
// task; they get the long-task report hint so the agent summarizes where
// it is.
var continuationPhrases = map[string]bool{
	"continue":  true,
	"go on":     true,
	"keep going": true,
	"resume":    true,
	"계속":        true,
	"계속해":       true,
}

// skillDirs are project-relative directories searched for linkable skills.
var skillDirs = []string{".agents/skills", ".skills", "skills"}

// AutolinkSkills appends file references for project skills whose name
// appears in the prompt, so the agent picks them up without the user
// spelling out paths.
func AutolinkSkills(prompt, projectPath string) string {
	if projectPath == "" {
		return prompt
	}
	lower := strings.ToLower(prompt)
	var links []string
	for _, dir := range skillDirs {
		root := filepath.Join(projectPath, dir)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			if name == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(name)) {
				links = append(links, filepath.Join(dir, entry.Name()))
			}
		}
		if len(links) > 0 {
			break
		}
	}
	if len(links) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRelevant skills:")
	for _, link := range links {
		fmt.Fprintf(&b, "\n- %s", link)
	}
	return b.String()
}

// SubagentHint appends a hint to split very large or very list-heavy
// prompts across sub-agents.
func SubagentHint(prompt string) string {
	if !needsSubagentHint(prompt) {
		return prompt
	}
	return prompt + "\n\n(If this breaks into independent pieces, consider delegating them to sub-agents and merging the results.)"
}

func needsSubagentHint(prompt string) bool {
	if len(prompt) >= subagentPromptChars {
		return true
	}
	bullets := 0
	fences := 0
	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			bullets++
		}
		if strings.HasPrefix(trimmed, "```") {
			fences++
		}
	}
	return bullets >= subagentBulletCount || fences >= subagentFenceCount
}

// LongTaskHint appends a progress-report request to short continuations
// and very large prompts.
func LongTaskHint(prompt string) string {
	trimmed := strings.ToLower(strings.TrimSpace(prompt))
	if continuationPhrases[trimmed] || len(prompt) >= longTaskPromptChars {
		return prompt + "\n\n(This looks like a long-running task: report progress as you go and summarize what remains when you stop.)"
	}
	return prompt
}

// TransformCodexPrompt runs the codex prompt transforms in order.
func TransformCodexPrompt(prompt, projectPath string) string {
	out := AutolinkSkills(prompt, projectPath)
	out = SubagentHint(out)
	out = LongTaskHint(out)
	return out
}
