package activity

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/agentdock/agentdock/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompActivity)

// Matcher holds compiled asking-prompt patterns for one agent. Plain strings
// use strings.Contains; patterns prefixed "re:" are compiled as regex.
// Matching preserves the configured order.
type Matcher struct {
	checks []func(string) bool
}

// CompileAskingPatterns compiles raw patterns leniently: invalid regexes are
// logged and skipped, never fatal.
func CompileAskingPatterns(raw []string) *Matcher {
	m := &Matcher{}
	for _, p := range raw {
		if strings.HasPrefix(p, "re:") {
			re, err := regexp.Compile(p[3:])
			if err != nil {
				patternLog.Warn("invalid_asking_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.checks = append(m.checks, re.MatchString)
		} else {
			needle := p
			m.checks = append(m.checks, func(s string) bool {
				return strings.Contains(s, needle)
			})
		}
	}
	return m
}

// Match reports whether any pattern matches s.
func (m *Matcher) Match(s string) bool {
	if m == nil {
		return false
	}
	for _, check := range m.checks {
		if check(s) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher has no usable patterns.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.checks) == 0
}

// DefaultAskingPatterns returns the built-in "is this tool asking the user
// something" patterns for a known agent. Returns nil for unknown agents.
func DefaultAskingPatterns(agent string) []string {
	switch strings.ToLower(agent) {
	case "claude":
		return []string{
			"No, and tell Claude what to do differently",
			"Yes, allow once",
			"Yes, allow always",
			"Do you trust the files in this folder?",
			"│ Do you want",
			"│ Would you like",
			"❯ Yes",
			"❯ No",
			"Use arrow keys to navigate",
			"Press Enter to select",
			"re:Run this command\\?",
		}
	case "gemini":
		return []string{
			"Apply this change?",
			"Allow execution?",
			"re:\\(y/n\\)\\s*$",
		}
	case "codex":
		return []string{
			"Continue?",
			"Allow command?",
			"re:\\[y/N\\]",
		}
	case "opencode":
		return []string{
			"Permission required",
			"press enter to confirm",
		}
	default:
		return nil
	}
}

var ansiRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-Z\\-_])`)

// StripANSI removes ANSI escape sequences (CSI, OSC, and two-byte escapes)
// so pattern matching sees plain text.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}
	return ansiRe.ReplaceAllString(s, "")
}
