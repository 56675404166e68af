package heartbeat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ngrant/bob/internal/agent"
	"github.com/ngrant/bob/internal/eventstore"
	"github.com/ngrant/bob/internal/messagestore"
)

type fakeReply struct {
	calls []int64
	fail  map[int64]bool
}

func (f *fakeReply) RunAndStream(ctx context.Context, chatID int64, threadID *int64, prompt string, silentTokens map[string]bool) (*agent.RunResult, error) {
	f.calls = append(f.calls, chatID)
	if f.fail[chatID] {
		return nil, errors.New("engine exploded")
	}
	return &agent.RunResult{FinalText: "HEARTBEAT_OK"}, nil
}

func newTestDispatcher(t *testing.T, reply ReplyDispatcher) (*Dispatcher, *eventstore.Store) {
	t.Helper()
	events, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	t.Cleanup(func() { events.Close() })
	messages, err := messagestore.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("open messages: %v", err)
	}
	t.Cleanup(func() { messages.Close() })
	return New(events, messages, reply, ""), events
}

func TestRunOnceGroupsByConversationAndAcks(t *testing.T) {
	reply := &fakeReply{}
	d, events := newTestDispatcher(t, reply)

	events.Add(eventstore.NewEventInput{ChatID: 1, Kind: "task_done", Payload: `{"job":"a"}`})
	events.Add(eventstore.NewEventInput{ChatID: 1, Kind: "task_done", Payload: `{"job":"b"}`})
	events.Add(eventstore.NewEventInput{ChatID: 2, Kind: "task_failed", Payload: `{"job":"c"}`})

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if len(reply.calls) != 2 {
		t.Fatalf("expected one dispatch per conversation (2), got %d: %v", len(reply.calls), reply.calls)
	}

	listed, err := events.List(false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected all events acked, got %d still unprocessed", len(listed))
	}
}

func TestRunOnceNoPendingEventsIsNoop(t *testing.T) {
	reply := &fakeReply{}
	d, _ := newTestDispatcher(t, reply)

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(reply.calls) != 0 {
		t.Fatalf("expected no dispatches with no pending events, got %d", len(reply.calls))
	}
}

func TestRunOnceReleasesClaimOnGroupFailure(t *testing.T) {
	reply := &fakeReply{fail: map[int64]bool{2: true}}
	d, events := newTestDispatcher(t, reply)

	events.Add(eventstore.NewEventInput{ChatID: 1, Kind: "task_done"})
	events.Add(eventstore.NewEventInput{ChatID: 2, Kind: "task_failed"})

	if err := d.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when a group's dispatch fails")
	}

	listed, err := events.List(false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected both events still unprocessed after release, got %d", len(listed))
	}
	for _, e := range listed {
		if e.ClaimedAt != nil {
			t.Errorf("event %s still claimed after release", e.ID)
		}
	}
}
