package hooks

import (
	"os"
	"path/filepath"
	"strings"
)

// trimPathToken strips the punctuation agents tend to wrap paths in.
func trimPathToken(tok string) string {
	return strings.Trim(tok, "`'\"()[]{}<>,:;")
}

// resolveProjectFile resolves a candidate path against the project root and
// reports the real absolute path when it exists and lives inside the
// project. Symlinks are resolved before the containment check so a link
// pointing outside the project never passes.
func resolveProjectFile(candidate, projectPath string) (string, bool) {
	if candidate == "" || projectPath == "" {
		return "", false
	}
	path := candidate
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectPath, path)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false
	}
	root, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		return "", false
	}
	if real != root && !strings.HasPrefix(real, root+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(real)
	if err != nil || info.IsDir() {
		return "", false
	}
	return real, true
}

// ExtractProjectFiles scans text for tokens that resolve to files inside
// the project and returns the resolved paths plus the text with those
// tokens removed. Lines left empty by the removal are dropped.
func ExtractProjectFiles(text, projectPath string) ([]string, string) {
	if text == "" || projectPath == "" {
		return nil, text
	}

	var files []string
	seen := make(map[string]bool)
	var outLines []string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		var kept []string
		for _, tok := range fields {
			candidate := trimPathToken(tok)
			if !strings.ContainsRune(candidate, filepath.Separator) {
				kept = append(kept, tok)
				continue
			}
			real, ok := resolveProjectFile(candidate, projectPath)
			if !ok {
				kept = append(kept, tok)
				continue
			}
			if !seen[real] {
				seen[real] = true
				files = append(files, real)
			}
		}
		if len(kept) == 0 && len(fields) > 0 {
			continue
		}
		if len(kept) == len(fields) {
			outLines = append(outLines, line)
			continue
		}
		outLines = append(outLines, strings.Join(kept, " "))
	}

	if len(files) == 0 {
		return nil, text
	}
	return files, strings.TrimSpace(strings.Join(outLines, "\n"))
}
