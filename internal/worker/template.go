package worker

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ValidationError is a typed failure with a machine-checkable reason.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "validation: " + e.Reason
}

// PromptEnvVar carries the initial prompt into the agent process. The prompt
// is user-authored text and is never interpolated into the shell string.
const PromptEnvVar = "AGENTDOCK_PROMPT"

// sensitiveEnvVars are stripped from the inherited environment before
// per-activation values are layered on, so values from a previous activation
// or the server's own launch never leak into a worker.
var sensitiveEnvVars = map[string]bool{
	PromptEnvVar:          true,
	"AGENTDOCK_SESSION":   true,
	"AGENTDOCK_WORKER":    true,
	"AGENTDOCK_API_TOKEN": true,
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// promptPlaceholderExpansion is what {{prompt}} becomes: a quoted reference
// to the prompt env var, expanding to zero arguments when no prompt is set.
// The shell reads the prompt from the environment, so user-authored text is
// never spliced into the command string.
const promptPlaceholderExpansion = `${` + PromptEnvVar + `:+"$` + PromptEnvVar + `"}`

// ExpandCommand substitutes template placeholders. {{cwd}} expands to the
// shell-quoted working directory, {{prompt}} to an env-var reference. An
// unknown placeholder is a validation failure, not a silent passthrough.
func ExpandCommand(tmpl, cwd string) (string, error) {
	var badPlaceholder string
	expanded := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		switch name {
		case "cwd":
			return shellQuote(cwd)
		case "prompt":
			return promptPlaceholderExpansion
		default:
			if badPlaceholder == "" {
				badPlaceholder = name
			}
			return m
		}
	})
	if badPlaceholder != "" {
		return "", ValidationError{Reason: fmt.Sprintf("unknown placeholder {{%s}}", badPlaceholder)}
	}
	return expanded, nil
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildEnv assembles the worker process environment with precedence
// base filtered env < repository env < template env, plus the prompt var.
func BuildEnv(repoEnv, templateEnv map[string]string, prompt string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		key := kv[:i]
		if sensitiveEnvVars[key] {
			continue
		}
		merged[key] = kv[i+1:]
	}
	for k, v := range repoEnv {
		merged[k] = v
	}
	for k, v := range templateEnv {
		merged[k] = v
	}
	if prompt != "" {
		merged[PromptEnvVar] = prompt
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
