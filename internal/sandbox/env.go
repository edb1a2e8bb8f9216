package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// shellQuote single-quotes a value for inclusion in a bash command line.
// Embedded single quotes are rewritten to close, escape and reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildShellCommand wraps the agent command so that environment and working
// directory take effect on backends whose exec API does not honor them
// directly (pod exec). Env exports are emitted in sorted key order so the
// command line is deterministic.
func buildShellCommand(spec LaunchSpec) string {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("export %s=%s", k, shellQuote(spec.Env[k])))
	}
	if spec.WorkingDir != "" {
		parts = append(parts, "cd "+shellQuote(spec.WorkingDir))
	}
	parts = append(parts, "exec "+spec.Command)
	return strings.Join(parts, " && ")
}

// envSlice flattens the env map into KEY=VALUE form for exec APIs that take
// the environment natively.
func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
