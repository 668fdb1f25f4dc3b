// Package validate implements the Validation Runner: extracting shell
// commands from a ticket's validation-step strings and executing them with
// a per-step timeout.
package validate

import (
	"regexp"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:bash|sh|shell)?\\s*\\n(.*?)\\n?```")
	backtickRe    = regexp.MustCompile("`([^`]+)`")
)

// knownExecutables is the set of first tokens that mark a raw (unfenced,
// unquoted) line as an executable command rather than prose.
var knownExecutables = map[string]bool{
	"bun": true, "npm": true, "node": true, "pnpm": true, "yarn": true,
	"sh": true, "bash": true,
}

// ExtractCommand pulls exactly one shell command out of a raw validation
// step string, trying in order: a fenced code block, a single-backtick
// span, then a raw line starting with a known executable or "./". A step
// matching none of these is prose and ok is false.
func ExtractCommand(step string) (command string, ok bool) {
	if m := fencedBlockRe.FindStringSubmatch(step); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := backtickRe.FindStringSubmatch(step); m != nil {
		return strings.TrimSpace(m[1]), true
	}

	trimmed := strings.TrimSpace(step)
	if trimmed == "" {
		return "", false
	}
	firstToken := strings.Fields(trimmed)[0]
	if strings.HasPrefix(firstToken, "./") || knownExecutables[firstToken] {
		return trimmed, true
	}
	return "", false
}
