package chat

import (
	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/chat/session"
	"github.com/imryao/cli-sidecar/internal/chat/stream"
	"github.com/imryao/cli-sidecar/internal/common/config"
	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/imryao/cli-sidecar/internal/sandbox"
	"github.com/imryao/cli-sidecar/pkg/agentsdk"
)

// The sandbox is the permission boundary; inside it the agent runs
// unattended, so interactive permission prompts are disabled.
const defaultPermissionMode = "bypassPermissions"

// NewOptionsBuilder derives per-turn agent options from static configuration.
func NewOptionsBuilder(cfg config.AgentConfig) stream.OptionsBuilder {
	return func(sessionID, sandboxName string, continueConversation bool) agentsdk.Options {
		env := make(map[string]string)
		if cfg.AnthropicAPIKey != "" {
			env["ANTHROPIC_API_KEY"] = cfg.AnthropicAPIKey
		}
		if cfg.AnthropicBaseURL != "" {
			env["ANTHROPIC_BASE_URL"] = cfg.AnthropicBaseURL
		}
		return agentsdk.Options{
			Env:                  env,
			Model:                cfg.Model,
			PermissionMode:       defaultPermissionMode,
			ContinueConversation: continueConversation,
			Cwd:                  cfg.WorkingDir,
		}
	}
}

// NewTransportBuilder returns the factory the session registry uses to exec
// the agent CLI inside the named sandbox.
func NewTransportBuilder(cfg config.SandboxConfig, log *logger.Logger) stream.TransportBuilder {
	if log == nil {
		log = logger.Default()
	}
	return func(sandboxName string, opts agentsdk.Options) session.TransportFactory {
		return func() (agentsdk.Transport, error) {
			stderrLog := log.WithSandbox(sandboxName)
			spec := sandbox.LaunchSpec{
				Command:    opts.CommandLine(),
				Env:        opts.Env,
				WorkingDir: opts.Cwd,
				User:       opts.User,
				Stderr: func(chunk string) {
					stderrLog.Debug("agent stderr", zap.String("chunk", chunk))
				},
			}
			return sandbox.NewTransport(cfg, sandboxName, spec, log)
		}
	}
}
