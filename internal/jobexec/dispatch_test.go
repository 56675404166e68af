package jobexec

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ngrant/bob/internal/agent"
	"github.com/ngrant/bob/internal/jobstore"
	"github.com/ngrant/bob/internal/messagestore"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, threadID *int64, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

type fakeTurnRunner struct {
	result *agent.RunResult
	err    error
	prompt string
}

func (f *fakeTurnRunner) RunTurn(ctx context.Context, chatID int64, threadID *int64, engineID, prompt string) (*agent.RunResult, error) {
	f.prompt = prompt
	return f.result, f.err
}

func newTestDispatcher(t *testing.T, sender Sender, turns TurnRunner) (*Dispatcher, string) {
	t.Helper()
	messages, err := messagestore.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("open messages: %v", err)
	}
	t.Cleanup(func() { messages.Close() })

	scriptsRoot := t.TempDir()
	memoryDir := t.TempDir()
	return New(messages, sender, turns, scriptsRoot, memoryDir), scriptsRoot
}

func TestDispatchSendMessage(t *testing.T) {
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, sender, nil)

	job := jobstore.Job{ID: "j1", ChatID: 42, JobType: jobstore.TypeSendMessage, Payload: `{"text":"hello"}`}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "hello" {
		t.Fatalf("sent = %v", sender.sent)
	}
}

func TestDispatchSendMessageRejectsSystemChat(t *testing.T) {
	sender := &fakeSender{}
	d, _ := newTestDispatcher(t, sender, nil)

	job := jobstore.Job{ID: "j1", ChatID: jobstore.SystemChatID, JobType: jobstore.TypeSendMessage, Payload: `{"text":"hello"}`}
	if err := d.Dispatch(context.Background(), job); err == nil {
		t.Fatal("expected error notifying via system chat id")
	}
}

func TestDispatchAgentTurnFramesPrompt(t *testing.T) {
	turns := &fakeTurnRunner{result: &agent.RunResult{FinalText: "done"}}
	d, _ := newTestDispatcher(t, &fakeSender{}, turns)

	job := jobstore.Job{
		ID: "j2", ChatID: 1, JobType: jobstore.TypeAgentTurn,
		Payload: `{"prompt":"check the deploy","originalRequest":"remind me to check the deploy","engineId":"claude"}`,
	}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if turns.prompt == "" {
		t.Fatal("expected a prompt to be passed to the turn runner")
	}
	wantPrefix := "[SCHEDULED REMINDER] check the deploy"
	if len(turns.prompt) < len(wantPrefix) || turns.prompt[:len(wantPrefix)] != wantPrefix {
		t.Errorf("prompt = %q, want prefix %q", turns.prompt, wantPrefix)
	}
}

func TestDispatchScriptRejectsPathEscape(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeSender{}, nil)
	job := jobstore.Job{ID: "j3", ChatID: 1, JobType: jobstore.TypeScript, Payload: `{"path":"../../etc/passwd"}`}
	if err := d.Dispatch(context.Background(), job); err == nil {
		t.Fatal("expected path escape to be rejected")
	}
}

func TestDispatchScriptRunsAndNotifies(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell script")
	}
	sender := &fakeSender{}
	d, scriptsRoot := newTestDispatcher(t, sender, nil)

	scriptPath := filepath.Join(scriptsRoot, "hello.sh")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	job := jobstore.Job{ID: "j4", ChatID: 1, JobType: jobstore.TypeScript, Payload: `{"path":"hello.sh","notify":true}`}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "hi" {
		t.Fatalf("sent = %v", sender.sent)
	}
}

func TestDispatchScriptNonzeroExitReportsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell script")
	}
	sender := &fakeSender{}
	d, scriptsRoot := newTestDispatcher(t, sender, nil)

	scriptPath := filepath.Join(scriptsRoot, "fail.sh")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	job := jobstore.Job{ID: "j5", ChatID: 1, JobType: jobstore.TypeScript, Payload: `{"path":"fail.sh","notify":true}`}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch should not error when notify handles the failure: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected a failure summary to be sent, got %v", sender.sent)
	}
}

func TestDispatchUnknownJobType(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeSender{}, nil)
	job := jobstore.Job{ID: "j6", ChatID: 1, JobType: "bogus"}
	if err := d.Dispatch(context.Background(), job); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}
