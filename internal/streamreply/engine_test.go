package streamreply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ngrant/bob/internal/agent"
)

type fakeTransport struct {
	mu           sync.Mutex
	nextID       int64
	sends        []string
	edits        []string
	editAttempts int
	editErr      error
	reactions    []string
	typed        int
}

func (f *fakeTransport) Send(ctx context.Context, text string, entities []Entity, replyTo int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return f.nextID, nil
}

func (f *fakeTransport) Edit(ctx context.Context, messageID int64, text string, entities []Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editAttempts++
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) NotifyTyping(ctx context.Context) {
	f.mu.Lock()
	f.typed++
	f.mu.Unlock()
}

func (f *fakeTransport) SetReaction(ctx context.Context, messageID int64, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) SendTextReaction(ctx context.Context, messageID int64, emoji string) error {
	return nil
}

func (f *fakeTransport) RenderEntities(text string) (string, []Entity) {
	return text, nil
}

func TestEngineFinalFlushSendsOnce(t *testing.T) {
	ft := &fakeTransport{}
	e := New(context.Background(), ft, 0, nil)

	res := e.Finish("the final answer", nil)
	if !res.DidSend {
		t.Fatal("expected didSend")
	}
	if len(ft.sends) != 1 || ft.sends[0] != "the final answer" {
		t.Fatalf("sends = %v", ft.sends)
	}
}

func TestEngineEditsOnSecondFlush(t *testing.T) {
	ft := &fakeTransport{}
	e := New(context.Background(), ft, 0, nil)

	e.OnDelta(agent.Delta{Text: "partial"})
	r := e.flush(false)
	_ = r

	res := e.Finish("partial and complete", nil)
	if !res.DidSend {
		t.Fatal("expected didSend on final flush")
	}
	if len(ft.sends) != 1 {
		t.Fatalf("expected exactly one send (initial), got %d", len(ft.sends))
	}
	if len(ft.edits) != 1 || ft.edits[0] != "partial and complete" {
		t.Fatalf("edits = %v", ft.edits)
	}
}

func TestEngineDedupSkipsUnchangedContent(t *testing.T) {
	ft := &fakeTransport{}
	e := New(context.Background(), ft, 0, nil)

	e.Finish("same text", nil)
	firstSends := len(ft.sends)

	e2 := New(context.Background(), ft, 0, nil)
	e2.sentMessageID = 1
	e2.lastSentText = "same text"
	e2.buffer.WriteString("same text")
	res := e2.flush(true)
	if res.DidSend {
		t.Error("expected no send/edit for unchanged content")
	}
	if len(ft.sends) != firstSends {
		t.Errorf("unexpected additional send")
	}
}

func TestEngineSilentTokenSuppressesSend(t *testing.T) {
	ft := &fakeTransport{}
	e := New(context.Background(), ft, 7, map[string]bool{"HEARTBEAT_OK": true})

	res := e.Finish("HEARTBEAT_OK", nil)
	if res.DidSend {
		t.Error("expected silent token to suppress send")
	}
	if len(ft.sends) != 0 {
		t.Errorf("expected no sends, got %v", ft.sends)
	}
}

func TestEngineEditNotModifiedIsSwallowed(t *testing.T) {
	ft := &fakeTransport{editErr: ErrNotModified}
	e := New(context.Background(), ft, 0, nil)

	e.OnDelta(agent.Delta{Text: "draft"})
	e.flush(false)

	res := e.Finish("draft update", nil)
	if res.DidSend {
		t.Error("not-modified edit should not count as a send")
	}
	if ft.editAttempts != 1 {
		t.Errorf("expected exactly one edit attempt, got %d", ft.editAttempts)
	}
	if len(ft.edits) != 0 {
		t.Errorf("edits should record nothing since every edit in this test errors, got %v", ft.edits)
	}
}

func TestEngineReactsOnSilentFinalWithReaction(t *testing.T) {
	ft := &fakeTransport{}
	e := New(context.Background(), ft, 99, map[string]bool{"NO_REPLY": true})

	res := e.Finish("[[react: 👍]] NO_REPLY", nil)
	if !res.DidReact {
		t.Error("expected a reaction on silent final flush with a react directive")
	}
	if len(ft.reactions) != 1 || ft.reactions[0] != "👍" {
		t.Fatalf("reactions = %v", ft.reactions)
	}
}

func TestEngineDebounceSchedulesSingleTimer(t *testing.T) {
	ft := &fakeTransport{}
	e := New(context.Background(), ft, 0, nil)

	e.OnDelta(agent.Delta{Text: "a"})
	e.OnDelta(agent.Delta{Text: "b"})
	e.OnDelta(agent.Delta{Text: "c"})

	e.mu.Lock()
	scheduled := e.scheduled != nil
	e.mu.Unlock()
	if !scheduled {
		t.Fatal("expected a debounce timer to be armed")
	}

	time.Sleep(flushInterval + 100*time.Millisecond)
	if len(ft.sends) != 1 {
		t.Fatalf("expected exactly one coalesced send, got %d: %v", len(ft.sends), ft.sends)
	}
}
