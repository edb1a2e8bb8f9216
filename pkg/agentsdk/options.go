package agentsdk

import (
	"encoding/json"
	"strings"
)

// Options configures how the agent CLI is launched and how a session behaves.
// SystemPrompt, Env, MCPServers and DisallowedTools participate in the
// session-reuse fingerprint; the rest only affect process launch.
type Options struct {
	SystemPrompt         string
	Env                  map[string]string
	MCPServers           map[string]any
	DisallowedTools      []string
	Model                string
	PermissionMode       string
	ContinueConversation bool
	Cwd                  string
	User                 string

	// Stderr, when set, receives raw stderr chunks from the agent process.
	Stderr func(chunk string)
}

// BuildCommand returns the agent CLI argv for these options.
func (o *Options) BuildCommand() []string {
	args := []string{
		"claude",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if o.ContinueConversation {
		args = append(args, "--continue")
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.SystemPrompt)
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if len(o.MCPServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": o.MCPServers})
		if err == nil {
			args = append(args, "--mcp-config", string(cfg))
		}
	}
	return args
}

// CommandLine returns the argv joined into a single shell-safe string,
// suitable for `bash -c 'exec <command>'`.
func (o *Options) CommandLine() string {
	args := o.BuildCommand()
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
