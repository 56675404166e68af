// Package coordinator ties the engine router, the per-chat run queue, the
// streaming reply engine, and the session store together into the single
// seam every turn driver (the Telegram channel, the scheduler's job
// dispatcher, the heartbeat dispatcher) calls through.
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ngrant/bob/internal/agent"
	"github.com/ngrant/bob/internal/chatqueue"
	"github.com/ngrant/bob/internal/session"
	"github.com/ngrant/bob/internal/store"
	"github.com/ngrant/bob/internal/streamreply"
)

// TransportFactory builds the chat-platform transport for one chat/thread,
// used to construct a fresh streaming reply engine per turn.
type TransportFactory func(chatID int64, threadID int) streamreply.Transport

// Coordinator drives one chat turn end to end: resolve the engine, pull the
// stored resume token, run it through the per-chat queue, stream deltas
// through the reply engine, and persist whatever resume token comes back.
type Coordinator struct {
	router        *agent.Router
	sessions      *session.Store
	queue         *chatqueue.Queue
	transport     TransportFactory
	cwd           string
	fallbackEngine string
}

// New builds a Coordinator. cwd is compared against the session store's
// stored cwd at session.Open time, not here; it is only threaded through to
// RunRequest.Cwd for the engines themselves.
func New(router *agent.Router, sessions *session.Store, cfg chatqueue.Config, transport TransportFactory, cwd, fallbackEngine string) *Coordinator {
	c := &Coordinator{
		router:         router,
		sessions:       sessions,
		transport:      transport,
		cwd:            cwd,
		fallbackEngine: fallbackEngine,
	}
	c.queue = chatqueue.New(cfg, c.runOne)
	return c
}

func chatKeyOf(chatID int64, threadID *int64) string {
	if threadID != nil {
		return fmt.Sprintf("%d:%d", chatID, *threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

// runOne is the chatqueue.RunFunc: it resolves the engine named in
// req.Flags["engineId"], tracks the run so a later message on the same chat
// can abort it, and persists any returned resume token.
func (c *Coordinator) runOne(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	engineID := req.Flags["engineId"]
	eng, err := c.router.Get(engineID)
	if err != nil {
		return nil, err
	}

	runID := store.GenNewID().String()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.router.RegisterRun(runID, req.Flags["chatKey"], engineID, cancel)
	defer c.router.UnregisterRun(runID)

	result, err := eng.Run(runCtx, req)
	if err != nil {
		return nil, err
	}

	if result.SessionToken != "" {
		if chatID, perr := strconv.ParseInt(req.Flags["chatId"], 10, 64); perr == nil {
			_ = c.sessions.SetResumeToken(chatID, engineID, result.SessionToken, time.Now())
		}
	}
	return result, nil
}

// runTurn submits one turn to the chat's serialized queue and drives the
// streaming reply engine from its deltas. initiatorMessageID is the inbound
// message a silent/reacted reply attaches to (0 for heartbeat turns).
func (c *Coordinator) runTurn(ctx context.Context, chatID int64, threadID *int64, engineID, prompt string, images [][]byte, initiatorMessageID int64, silentTokens map[string]bool) (*agent.RunResult, error) {
	threadInt := 0
	if threadID != nil {
		threadInt = int(*threadID)
	}
	transport := c.transport(chatID, threadInt)
	reply := streamreply.New(ctx, transport, initiatorMessageID, silentTokens)

	resumeToken, _ := c.sessions.ResumeToken(chatID, engineID)
	chatKey := chatKeyOf(chatID, threadID)

	req := agent.RunRequest{
		Prompt:      prompt,
		Images:      images,
		Cwd:         c.cwd,
		ResumeToken: resumeToken,
		OnDelta:     func(d agent.Delta) { reply.OnDelta(d) },
		Flags: map[string]string{
			"engineId": engineID,
			"chatId":   strconv.FormatInt(chatID, 10),
			"chatKey":  chatKey,
		},
	}

	outcome := <-c.queue.Submit(ctx, chatKey, req)
	if outcome.Err != nil {
		return nil, outcome.Err
	}

	reply.Finish(outcome.Result.FinalText, outcome.Result.Actions)
	return outcome.Result, nil
}

// RunChatTurn drives a user-initiated turn, replying in place of (or
// reacting to) initiatorMessageID.
func (c *Coordinator) RunChatTurn(ctx context.Context, chatID int64, threadID *int64, engineID, prompt string, images [][]byte, initiatorMessageID int64) (*agent.RunResult, error) {
	return c.runTurn(ctx, chatID, threadID, engineID, prompt, images, initiatorMessageID, nil)
}

// RunTurn implements jobexec.TurnRunner: a scheduled agent_turn job driving
// a turn with no originating message to reply to.
func (c *Coordinator) RunTurn(ctx context.Context, chatID int64, threadID *int64, engineID, prompt string) (*agent.RunResult, error) {
	return c.runTurn(ctx, chatID, threadID, engineID, prompt, nil, 0, nil)
}

// RunAndStream implements heartbeat.ReplyDispatcher: runs the chat's
// default engine with the given silent-token set, so a heartbeat turn that
// decides nothing is worth saying produces no visible reply.
func (c *Coordinator) RunAndStream(ctx context.Context, chatID int64, threadID *int64, prompt string, silentTokens map[string]bool) (*agent.RunResult, error) {
	return c.runTurn(ctx, chatID, threadID, c.DefaultEngine(chatID), prompt, nil, 0, silentTokens)
}

// DefaultEngine returns chatID's per-chat default engine override, falling
// back to the daemon-wide default.
func (c *Coordinator) DefaultEngine(chatID int64) string {
	if chat := c.sessions.Get(chatID); chat.DefaultEngine != "" {
		return chat.DefaultEngine
	}
	return c.fallbackEngine
}

// SetDefaultEngine persists chatID's default engine override (the /agent
// toggle).
func (c *Coordinator) SetDefaultEngine(chatID int64, engineID string) error {
	return c.sessions.SetDefaultEngine(chatID, engineID)
}

// Sessions exposes the underlying session store for directive handlers that
// need project/branch context (bind, reset) beyond engine selection.
func (c *Coordinator) Sessions() *session.Store { return c.sessions }

// Router exposes the engine registry for status reporting.
func (c *Coordinator) Router() *agent.Router { return c.router }

// AbortChat cancels any in-flight run for the given chat/thread, used when a
// new message should interrupt a stuck prior turn.
func (c *Coordinator) AbortChat(chatID int64, threadID *int64) []string {
	return c.router.AbortRunsForChat(chatKeyOf(chatID, threadID))
}

// IsChatBusy reports whether a turn is currently running for the chat/thread.
func (c *Coordinator) IsChatBusy(chatID int64, threadID *int64) bool {
	return c.queue.IsActive(chatKeyOf(chatID, threadID))
}
