// Package heartbeat implements the heartbeat dispatcher: on each scheduler
// tick it claims pending events (up to claimLimit), groups them by conversation, asks the
// engine what (if anything) the user should be told, and acks the claim
// only once every group has been handled.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ngrant/bob/internal/agent"
	"github.com/ngrant/bob/internal/eventstore"
	"github.com/ngrant/bob/internal/messagestore"
)

const claimLimit = 100

// SilentTokens are the sole-content sentinels that suppress any
// user-visible reply from a heartbeat turn.
var SilentTokens = map[string]bool{
	"HEARTBEAT_OK": true,
	"NO_REPLY":     true,
}

const defaultInstruction = "Process the queued events. Decide if the user should be notified; " +
	"if so, reply with what to tell them. Otherwise reply HEARTBEAT_OK."

const recentMessageLimit = 20

// recentConversationTokenBudget caps how much of the recent-conversation
// transcript gets folded into a heartbeat prompt, oldest messages dropped
// first, so a long history doesn't crowd out the instruction and event list.
const recentConversationTokenBudget = 1500

var (
	msgTokenEncOnce sync.Once
	msgTokenEnc     *tiktoken.Tiktoken
)

func msgTokenEncoder() *tiktoken.Tiktoken {
	msgTokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			msgTokenEnc = enc
		}
	})
	return msgTokenEnc
}

func msgTokenCount(s string) int {
	if enc := msgTokenEncoder(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return (len([]rune(s)) + 3) / 4
}

// ReplyDispatcher runs an engine turn and routes the streamed result
// through the streaming reply engine, honoring the given silent-token set.
// Implemented by the streaming reply engine's chat coordinator.
type ReplyDispatcher interface {
	RunAndStream(ctx context.Context, chatID int64, threadID *int64, prompt string, silentTokens map[string]bool) (*agent.RunResult, error)
}

// Dispatcher is the heartbeat dispatcher of spec.md §4.6.
type Dispatcher struct {
	events   *eventstore.Store
	messages *messagestore.Store
	reply    ReplyDispatcher

	// ContextFile, if non-empty, is a markdown file whose content (when
	// present) is prepended to the heartbeat instruction as user-authored
	// override context.
	ContextFile string
	Instruction string
}

// New builds a heartbeat dispatcher.
func New(events *eventstore.Store, messages *messagestore.Store, reply ReplyDispatcher, contextFile string) *Dispatcher {
	return &Dispatcher{events: events, messages: messages, reply: reply, ContextFile: contextFile, Instruction: defaultInstruction}
}

type conversationKey struct {
	chatID   int64
	threadID *int64
}

func (k conversationKey) String() string {
	if k.threadID == nil {
		return strconv.FormatInt(k.chatID, 10)
	}
	return fmt.Sprintf("%d:%d", k.chatID, *k.threadID)
}

// RunOnce claims up to claimLimit pending events, groups them by
// conversation, and dispatches one engine turn per group. On success, the
// whole claim is acked; any group's error releases the entire claim,
// returning every event in it to pending for the next pass — partial acks are
// not attempted (spec.md §9 leaves that ambiguous; this dispatcher treats
// a claim as all-or-nothing).
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	now := time.Now()
	token, events, err := d.events.Claim(now, claimLimit, 0)
	if err != nil {
		return fmt.Errorf("heartbeat: claim: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	groups, order := groupByConversation(events)

	for _, key := range order {
		if err := d.dispatchGroup(ctx, key, groups[key]); err != nil {
			slog.Error("heartbeat: group dispatch failed, releasing claim", "conversation", key.String(), "error", err)
			if relErr := d.events.Release(token); relErr != nil {
				slog.Error("heartbeat: release after failed dispatch also failed", "error", relErr)
			}
			return fmt.Errorf("heartbeat: dispatch %s: %w", key.String(), err)
		}
	}

	if err := d.events.Ack(token); err != nil {
		return fmt.Errorf("heartbeat: ack: %w", err)
	}
	return nil
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, key conversationKey, events []eventstore.Event) error {
	prompt := d.assemblePrompt(key, events)
	_, err := d.reply.RunAndStream(ctx, key.chatID, key.threadID, prompt, SilentTokens)
	return err
}

func (d *Dispatcher) assemblePrompt(key conversationKey, events []eventstore.Event) string {
	var b strings.Builder

	if override := d.readContextFile(); override != "" {
		b.WriteString(override)
		b.WriteString("\n\n")
	}

	b.WriteString(d.Instruction)
	b.WriteString("\n\n")

	b.WriteString("Queued events:\n")
	for _, e := range events {
		b.WriteString(fmt.Sprintf("- [%s] %s\n", e.Kind, formatPayload(e.Payload)))
	}

	if d.messages != nil {
		recent, err := d.messages.Recent(key.chatID, key.threadID, recentMessageLimit)
		if err == nil && len(recent) > 0 {
			if lines := trimToTokenBudget(recent, recentConversationTokenBudget); len(lines) > 0 {
				b.WriteString("\nRecent conversation:\n")
				for _, line := range lines {
					b.WriteString(line)
					b.WriteString("\n")
				}
			}
		}
	}

	return b.String()
}

// trimToTokenBudget formats recent as "role: text" lines, keeping as many of
// the newest messages as fit within budget tokens and dropping older ones;
// the newest message is always kept, even if it alone exceeds budget.
func trimToTokenBudget(recent []messagestore.Message, budget int) []string {
	formatted := make([]string, len(recent))
	for i, m := range recent {
		formatted[i] = fmt.Sprintf("%s: %s", m.Role, m.Text)
	}

	spent := 0
	start := len(formatted)
	for i := len(formatted) - 1; i >= 0; i-- {
		spent += msgTokenCount(formatted[i])
		if spent > budget && start != len(formatted) {
			break
		}
		start = i
	}
	return formatted[start:]
}

func (d *Dispatcher) readContextFile() string {
	if d.ContextFile == "" {
		return ""
	}
	data, err := os.ReadFile(d.ContextFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func formatPayload(payload string) string {
	var pretty map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &pretty); err != nil {
		return payload
	}
	out, err := json.Marshal(pretty)
	if err != nil {
		return payload
	}
	return string(out)
}

func groupByConversation(events []eventstore.Event) (map[conversationKey][]eventstore.Event, []conversationKey) {
	groups := make(map[conversationKey][]eventstore.Event)
	var order []conversationKey
	// Each scanned event carries its own *int64 thread ID, so equal thread
	// IDs are interned to one pointer before being used in a map key.
	threadPtrs := make(map[int64]*int64)
	for _, e := range events {
		threadID := e.ThreadID
		if threadID != nil {
			if p, ok := threadPtrs[*threadID]; ok {
				threadID = p
			} else {
				threadPtrs[*threadID] = threadID
			}
		}
		key := conversationKey{chatID: e.ChatID, threadID: threadID}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}
	return groups, order
}
