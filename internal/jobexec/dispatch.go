// Package jobexec implements the scheduler's per-jobType execution (spec.md
// §4.7): literal message delivery, agent-driven reminders, and sandboxed
// script runs.
package jobexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ngrant/bob/internal/agent"
	"github.com/ngrant/bob/internal/jobstore"
	"github.com/ngrant/bob/internal/messagestore"
)

// Sender delivers a plain-text message to a chat. Implemented by the
// Telegram channel.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, threadID *int64, text string) error
}

// TurnRunner drives one engine turn through the streaming reply engine and
// returns the final assistant text once the turn completes. Implemented by
// the chat coordinator that owns the per-chat engine run queue.
type TurnRunner interface {
	RunTurn(ctx context.Context, chatID int64, threadID *int64, engineID, prompt string) (*agent.RunResult, error)
}

// scriptOutputLimit bounds how much of a script's stdout is forwarded on
// notify; longer output is truncated with a marker.
const scriptOutputLimit = 4000

// scriptTimeout bounds how long a script job may run.
const scriptTimeout = 2 * time.Minute

// SendMessagePayload is the jobstore.TypeSendMessage payload shape.
type SendMessagePayload struct {
	Text   string `json:"text"`
	Urgent bool   `json:"urgent"`
}

// AgentTurnPayload is the jobstore.TypeAgentTurn payload shape.
type AgentTurnPayload struct {
	Prompt      string `json:"prompt"`
	OriginalReq string `json:"originalRequest,omitempty"`
	EngineID    string `json:"engineId"`
	Urgent      bool   `json:"urgent"`
}

// ScriptPayload is the jobstore.TypeScript payload shape.
type ScriptPayload struct {
	Path   string   `json:"path"`
	Args   []string `json:"args,omitempty"`
	Notify bool     `json:"notify"`
	Urgent bool     `json:"urgent"`
}

// Dispatcher implements scheduler.Dispatcher, routing a claimed job to its
// jobType-specific handler.
type Dispatcher struct {
	Messages    *messagestore.Store
	Sender      Sender
	Turns       TurnRunner
	ScriptsRoot string
	MemoryDir   string
}

func New(messages *messagestore.Store, sender Sender, turns TurnRunner, scriptsRoot, memoryDir string) *Dispatcher {
	return &Dispatcher{Messages: messages, Sender: sender, Turns: turns, ScriptsRoot: scriptsRoot, MemoryDir: memoryDir}
}

// Dispatch executes job according to its JobType.
func (d *Dispatcher) Dispatch(ctx context.Context, job jobstore.Job) error {
	switch job.JobType {
	case jobstore.TypeSendMessage:
		return d.dispatchSendMessage(ctx, job)
	case jobstore.TypeAgentTurn:
		return d.dispatchAgentTurn(ctx, job)
	case jobstore.TypeScript:
		return d.dispatchScript(ctx, job)
	default:
		return fmt.Errorf("jobexec: unknown job type %q", job.JobType)
	}
}

func (d *Dispatcher) dispatchSendMessage(ctx context.Context, job jobstore.Job) error {
	var payload SendMessagePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("jobexec: send_message payload: %w", err)
	}
	if payload.Text == "" {
		return fmt.Errorf("jobexec: send_message job %s has empty text", job.ID)
	}
	if job.ChatID == jobstore.SystemChatID {
		return fmt.Errorf("jobexec: system job %s must not notify users", job.ID)
	}
	if err := d.Sender.SendMessage(ctx, job.ChatID, job.ThreadID, payload.Text); err != nil {
		return fmt.Errorf("jobexec: send message: %w", err)
	}
	if d.Messages != nil {
		if _, err := d.Messages.Append(job.ChatID, job.ThreadID, nil, messagestore.RoleAssistant, payload.Text, time.Now()); err != nil {
			return fmt.Errorf("jobexec: log sent message: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchAgentTurn(ctx context.Context, job jobstore.Job) error {
	var payload AgentTurnPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("jobexec: agent_turn payload: %w", err)
	}

	var b strings.Builder
	b.WriteString("[SCHEDULED REMINDER] ")
	b.WriteString(payload.Prompt)
	if payload.OriginalReq != "" {
		b.WriteString("\n\n[ORIGINAL USER REQUEST]\n")
		b.WriteString(payload.OriginalReq)
	}

	// job.ContextMode is not passed to RunTurn: session and isolated jobs
	// run the same coordinator turn with only the framed prompt, and
	// isolated jobs get no context withheld.
	result, err := d.Turns.RunTurn(ctx, job.ChatID, job.ThreadID, payload.EngineID, b.String())
	if err != nil {
		return fmt.Errorf("jobexec: agent turn: %w", err)
	}
	if result == nil || result.FinalText == "" {
		return nil
	}

	if err := d.appendDailyConversation(job.ChatID, payload.EngineID, result.FinalText); err != nil {
		return fmt.Errorf("jobexec: append daily conversation: %w", err)
	}
	return nil
}

func (d *Dispatcher) appendDailyConversation(chatID int64, engineID, text string) error {
	if d.MemoryDir == "" {
		return nil
	}
	now := time.Now()
	dir := filepath.Join(d.MemoryDir, "conversations", now.Format("2006"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", now.Format("01-02"), engineID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "\n## %s (chat %d, scheduled)\n\n%s\n", now.Format(time.RFC3339), chatID, text)
	return err
}

func (d *Dispatcher) dispatchScript(ctx context.Context, job jobstore.Job) error {
	var payload ScriptPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("jobexec: script payload: %w", err)
	}

	resolved, err := d.resolveScriptPath(payload.Path)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, resolved, payload.Args...)
	cmd.Dir = d.ScriptsRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if !payload.Notify || job.ChatID == jobstore.SystemChatID {
		if runErr != nil {
			return fmt.Errorf("jobexec: script %s failed: %w", payload.Path, runErr)
		}
		return nil
	}

	if runErr != nil {
		summary := fmt.Sprintf("Script %s failed: %v\n%s", payload.Path, runErr, truncate(stderr.String(), scriptOutputLimit))
		if sendErr := d.Sender.SendMessage(ctx, job.ChatID, job.ThreadID, summary); sendErr != nil {
			return fmt.Errorf("jobexec: notify script failure: %w", sendErr)
		}
		// The failure is reported to the user; the job itself still ran
		// to completion, so this isn't surfaced as a dispatch error.
		return nil
	}

	if err := d.Sender.SendMessage(ctx, job.ChatID, job.ThreadID, truncate(stdout.String(), scriptOutputLimit)); err != nil {
		return fmt.Errorf("jobexec: notify script output: %w", err)
	}
	return nil
}

// resolveScriptPath joins path onto the scripts root and rejects anything
// that escapes it after normalization (e.g. "../../etc/passwd").
func (d *Dispatcher) resolveScriptPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("jobexec: script job has empty path")
	}
	root, err := filepath.Abs(d.ScriptsRoot)
	if err != nil {
		return "", fmt.Errorf("jobexec: resolve scripts root: %w", err)
	}
	joined := filepath.Join(root, path)
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("jobexec: resolve script path: %w", err)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("jobexec: script path %q escapes scripts root", path)
	}
	return resolved, nil
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (truncated)"
}
