package agent

import (
	"github.com/ngrant/bob/internal/config"
)

// NewClaudeEngine builds the engine that shells out to the claude CLI.
func NewClaudeEngine(cfg config.EngineConfig, model string) *CLIEngine {
	return NewCLIEngine(CLIEngineConfig{
		EngineID: "claude",
		Binary:   "claude",
		Model:    model,
		BuildArgs: func(req RunRequest, resumeFlag []string) []string {
			args := []string{"--print", "--output-format", "stream-json"}
			if cfg.SkipPermissions {
				args = append(args, "--dangerously-skip-permissions")
			}
			if model != "" {
				args = append(args, "--model", model)
			}
			args = append(args, resumeFlag...)
			return args
		},
	})
}

// NewCodexEngine builds the engine that shells out to the codex CLI.
func NewCodexEngine(cfg config.EngineConfig, model string) *CLIEngine {
	return NewCLIEngine(CLIEngineConfig{
		EngineID: "codex",
		Binary:   "codex",
		Model:    model,
		BuildArgs: func(req RunRequest, resumeFlag []string) []string {
			args := []string{"exec", "--json"}
			if cfg.Yolo {
				args = append(args, "--dangerously-bypass-approvals-and-sandbox")
			}
			if model != "" {
				args = append(args, "--model", model)
			}
			args = append(args, resumeFlag...)
			return args
		},
	})
}

// NewOpencodeEngine builds the engine that shells out to the opencode CLI.
func NewOpencodeEngine(cfg config.EngineConfig, model string) *CLIEngine {
	return NewCLIEngine(CLIEngineConfig{
		EngineID: "opencode",
		Binary:   "opencode",
		Model:    model,
		BuildArgs: func(req RunRequest, resumeFlag []string) []string {
			args := []string{"run", "--print-logs"}
			if model != "" {
				args = append(args, "--model", model)
			}
			args = append(args, resumeFlag...)
			return args
		},
	})
}

// NewPiEngine builds the engine that shells out to the pi CLI.
func NewPiEngine(cfg config.EngineConfig, model string) *CLIEngine {
	return NewCLIEngine(CLIEngineConfig{
		EngineID: "pi",
		Binary:   "pi",
		Model:    model,
		BuildArgs: func(req RunRequest, resumeFlag []string) []string {
			args := []string{"chat", "--stream"}
			if model != "" {
				args = append(args, "--model", model)
			}
			args = append(args, resumeFlag...)
			return args
		},
	})
}
