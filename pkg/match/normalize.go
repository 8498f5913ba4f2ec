// Package match decides which workspace files a job may read, using
// doublestar glob semantics over slash-separated relative paths.
package match

import (
	"path/filepath"
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}`

// NormalizePath converts a workspace-relative path to the slash form that
// patterns are matched against.
func NormalizePath(rel string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(rel)), "./")
}

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// A backslash in front of a glob metacharacter (\*, \?, \[, ...) is kept as
// an escape for literal matching. Any other backslash, and a doubled one,
// becomes a forward slash so Windows-style patterns work.
//
//	"inputs/**/*.json"       → "inputs/**/*.json"
//	"inputs\2026\ml.json"    → "inputs/2026/ml.json"
//	"inputs\\2026\\ml.json"  → "inputs/2026/ml.json"
//	"inputs/file\*.json"     → "inputs/file\*.json"
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			result.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		if i+1 < len(runes) && runes[i+1] == '\\' {
			// "\\" is a separator typed the escaped way.
			i++
		}
		result.WriteRune('/')
	}
	return result.String()
}

// IsHidden reports whether any segment of a slash path starts with a dot.
//
//	"inputs/ml.json"      → false
//	".git/config"         → true
//	"inputs/.env"         → true
//	"inputs/ml.json."     → false
func IsHidden(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg != "" && seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
