package streamreply

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ngrant/bob/internal/agent"
)

// flushInterval is the coalescing window between edits/sends of a
// streaming reply, tuned for the cadence engine token streams tend to
// produce.
const flushInterval = 900 * time.Millisecond

// Entity is a transport-native rich-text span (bold/italic/code/link/...),
// produced by rendering markdown for a specific chat API.
type Entity struct {
	Type   string
	Offset int
	Length int
	URL    string
	Lang   string // for pre/code blocks
}

// ErrNotModified is returned by Transport.Edit when the chat API rejects an
// edit because the content is identical to what's already shown; the
// engine swallows this rather than treating it as a failure.
var ErrNotModified = errNotModified{}

type errNotModified struct{}

func (errNotModified) Error() string { return "not modified" }

// Transport is the chat-API seam the engine drives. One implementation per
// chat platform; Telegram is the only one bob ships.
type Transport interface {
	// Send posts a new message and returns its ID.
	Send(ctx context.Context, text string, entities []Entity, replyTo int64) (messageID int64, err error)
	// Edit updates an existing message's text in place.
	Edit(ctx context.Context, messageID int64, text string, entities []Entity) error
	// NotifyTyping pings the chat's "typing…" indicator once.
	NotifyTyping(ctx context.Context)
	// SetReaction attaches an emoji reaction to a message. On failure the
	// engine falls back to SendTextReaction.
	SetReaction(ctx context.Context, messageID int64, emoji string) error
	// SendTextReaction is the fallback when SetReaction fails.
	SendTextReaction(ctx context.Context, messageID int64, emoji string) error
	// RenderEntities converts markdown-ish source text into plain text plus
	// the rich-text entities describing it, ready to send/edit with.
	RenderEntities(text string) (plain string, entities []Entity)
}

// Result is what the engine reports once a turn's stream ends.
type Result struct {
	DidSend      bool
	DidReact     bool
	ResponseText string
	Actions      []agent.Action
}

// Engine is one chat turn's streaming reply state machine (spec.md §4.8).
// Not safe for reuse across turns — construct one per turn.
type Engine struct {
	transport          Transport
	ctx                context.Context
	initiatorMessageID int64
	silentTokens       map[string]bool

	mu              sync.Mutex
	buffer          strings.Builder
	mode            StreamMode
	silent          bool
	sentMessageID   int64
	lastSentText    string // dedup: last text this engine actually sent/edited to
	lastFlushAt     time.Time
	flushInProgress bool
	pendingFlush    bool
	scheduled       *time.Timer
	didTriggerSend  bool
	replyTo         int64
	reaction        string
	finished        bool
}

// New builds a streaming reply engine bound to one turn. initiatorMessageID
// is the inbound message a silent or reacted-to reply should attach to; 0
// if there isn't one (e.g. a heartbeat-initiated turn).
func New(ctx context.Context, transport Transport, initiatorMessageID int64, silentTokens map[string]bool) *Engine {
	return &Engine{
		ctx:                ctx,
		transport:          transport,
		initiatorMessageID: initiatorMessageID,
		silentTokens:       silentTokens,
		mode:               ModeEdit,
	}
}

// OnDelta is the onDelta(text) callback passed to agent.RunRequest: it
// receives one streamed text fragment, appends it to the buffer, and
// schedules a coalesced flush.
func (e *Engine) OnDelta(delta agent.Delta) {
	e.mu.Lock()
	e.buffer.WriteString(delta.Text)
	visible, _ := ParseDirectives(e.buffer.String())
	hasVisible := strings.TrimSpace(visible) != ""
	if hasVisible && !e.didTriggerSend {
		e.didTriggerSend = true
		e.transport.NotifyTyping(e.ctx)
	}
	e.scheduleFlushLocked()
	e.mu.Unlock()
}

// scheduleFlushLocked arms a single-slot timer; repeated deltas within the
// debounce window collapse into the timer's next firing rather than
// stacking up additional ones.
func (e *Engine) scheduleFlushLocked() {
	if e.scheduled != nil {
		return
	}
	e.scheduled = time.AfterFunc(flushInterval, func() {
		e.mu.Lock()
		e.scheduled = nil
		e.mu.Unlock()
		e.flush(false)
	})
}

// Finish delivers the terminal flush once the engine's token stream has
// ended, attaches the engine-reported actions to the result, and returns
// what was actually sent.
func (e *Engine) Finish(finalText string, actions []agent.Action) Result {
	e.mu.Lock()
	if e.scheduled != nil {
		e.scheduled.Stop()
		e.scheduled = nil
	}
	if finalText != "" {
		e.buffer.Reset()
		e.buffer.WriteString(finalText)
	}
	e.finished = true
	e.mu.Unlock()

	res := e.flush(true)
	res.Actions = actions
	return res
}

// flush runs one pass of the flush algorithm. Serialized by mu: a flush
// already in progress sets pendingFlush so the in-flight pass re-runs
// itself once more before returning, rather than racing a second pass.
func (e *Engine) flush(final bool) Result {
	e.mu.Lock()
	if e.flushInProgress {
		e.pendingFlush = true
		e.mu.Unlock()
		return Result{}
	}
	e.flushInProgress = true
	e.mu.Unlock()

	result := e.doFlush(final)

	e.mu.Lock()
	rerun := e.pendingFlush
	e.pendingFlush = false
	e.flushInProgress = false
	e.mu.Unlock()

	if rerun {
		more := e.doFlush(final)
		if more.DidSend {
			result = more
		}
	}
	return result
}

func (e *Engine) doFlush(final bool) Result {
	e.mu.Lock()
	raw := e.buffer.String()
	visible, d := ParseDirectives(raw)
	visible = Sanitize(visible)
	visible = strings.TrimSpace(visible)

	if d.Reaction != "" {
		e.reaction = d.Reaction
	}
	if d.HasStreamMode {
		e.mode = d.StreamMode
	}
	if d.ReplyTo != 0 {
		e.replyTo = d.ReplyTo
	} else if d.ReplyToCurrent {
		e.replyTo = e.initiatorMessageID
	}

	if IsSilent(visible, e.silentTokens) {
		e.silent = true
	}

	mode := e.mode
	silent := e.silent
	sentID := e.sentMessageID
	lastSent := e.lastSentText
	replyTo := e.replyTo
	reaction := e.reaction
	since := time.Since(e.lastFlushAt)
	e.mu.Unlock()

	if silent {
		if !final {
			return Result{}
		}
		if reaction != "" && e.initiatorMessageID != 0 {
			if err := e.transport.SetReaction(e.ctx, e.initiatorMessageID, reaction); err != nil {
				if fbErr := e.transport.SendTextReaction(e.ctx, e.initiatorMessageID, reaction); fbErr != nil {
					slog.Error("streamreply: reaction fallback failed", "error", fbErr)
				}
			}
			return Result{DidReact: true, ResponseText: visible}
		}
		return Result{ResponseText: visible}
	}

	if mode == ModeOff {
		return Result{ResponseText: visible}
	}

	if !final && since < flushInterval {
		e.mu.Lock()
		e.scheduleFlushLocked()
		e.mu.Unlock()
		return Result{}
	}

	if visible == "" {
		return Result{}
	}

	chunks := []string{visible}
	if final {
		chunks = Chunk(visible)
	}

	switch mode {
	case ModeAppend:
		return e.flushAppend(visible, chunks, replyTo)
	default:
		return e.flushEdit(visible, chunks, sentID, lastSent, replyTo, final)
	}
}

func (e *Engine) flushAppend(visible string, chunks []string, replyTo int64) Result {
	e.mu.Lock()
	lastSent := e.lastSentText
	e.mu.Unlock()

	deltaText := visible
	if strings.HasPrefix(visible, lastSent) {
		deltaText = strings.TrimPrefix(visible, lastSent)
	}
	deltaText = strings.TrimSpace(deltaText)
	if deltaText == "" {
		return Result{ResponseText: visible}
	}

	plain, entities := e.transport.RenderEntities(deltaText)
	id, err := e.transport.Send(e.ctx, plain, entities, replyTo)
	if err != nil {
		slog.Error("streamreply: append send failed", "error", err)
		return Result{ResponseText: visible}
	}

	e.mu.Lock()
	if e.sentMessageID == 0 {
		e.sentMessageID = id
	}
	e.lastSentText = visible
	e.lastFlushAt = time.Now()
	e.mu.Unlock()

	return Result{DidSend: true, ResponseText: visible}
}

func (e *Engine) flushEdit(visible string, chunks []string, sentID int64, lastSent string, replyTo int64, final bool) Result {
	if visible == lastSent {
		// Dedup invariant: never send/edit to the same visible content twice.
		return Result{ResponseText: visible}
	}

	first := chunks[0]
	if !final && len(first) > chunkTargetGraphemes {
		first = string([]rune(first)[:chunkTargetGraphemes])
	}

	plain, entities := e.transport.RenderEntities(first)
	didSend := false

	if sentID == 0 {
		id, err := e.transport.Send(e.ctx, plain, entities, replyTo)
		if err != nil {
			slog.Error("streamreply: initial send failed", "error", err)
			return Result{ResponseText: visible}
		}
		sentID = id
		didSend = true
	} else {
		err := e.transport.Edit(e.ctx, sentID, plain, entities)
		switch {
		case err == nil:
			didSend = true
		case err == ErrNotModified:
			// Content already shown; not a failure, nothing more to do.
		default:
			slog.Debug("streamreply: edit failed, falling back to append", "error", err)
			id, sendErr := e.transport.Send(e.ctx, plain, entities, replyTo)
			if sendErr != nil {
				slog.Error("streamreply: fallback send after edit failure also failed", "error", sendErr)
				return Result{ResponseText: visible}
			}
			sentID = id
			didSend = true
			e.mu.Lock()
			e.mode = ModeAppend
			e.mu.Unlock()
		}
	}

	if final && len(chunks) > 1 {
		for _, c := range chunks[1:] {
			p, ents := e.transport.RenderEntities(c)
			if _, err := e.transport.Send(e.ctx, p, ents, 0); err != nil {
				slog.Error("streamreply: trailing chunk send failed", "error", err)
			} else {
				didSend = true
			}
		}
	}

	e.mu.Lock()
	e.sentMessageID = sentID
	e.lastSentText = visible
	e.lastFlushAt = time.Now()
	e.mu.Unlock()

	return Result{DidSend: didSend, ResponseText: visible}
}
