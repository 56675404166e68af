package eventstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddDefaultsInvalidPayload(t *testing.T) {
	s := openTestStore(t)
	ev, err := s.Add(NewEventInput{ChatID: 1, Kind: "task_failed", Payload: "not json"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if ev.Payload != "{}" {
		t.Errorf("payload = %q, want {}", ev.Payload)
	}
}

func TestClaimAckLifecycle(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Add(NewEventInput{ChatID: 1, Kind: "task_failed", Payload: `{"error":"timeout"}`}); err != nil {
		t.Fatalf("add: %v", err)
	}

	now := time.Now()
	n, err := s.CountPending(now, 30*time.Minute)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}

	token, events, err := s.Claim(now, 20, 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("claimed %d events, want 1", len(events))
	}

	n, err = s.CountPending(now, 30*time.Minute)
	if err != nil {
		t.Fatalf("count pending after claim: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending count after claim = %d, want 0 (claimed rows aren't pending)", n)
	}

	if err := s.Ack(token); err != nil {
		t.Fatalf("ack: %v", err)
	}

	listed, err := s.List(false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected 0 unprocessed events after ack, got %d", len(listed))
	}
}

func TestReleaseReturnsToPending(t *testing.T) {
	s := openTestStore(t)
	s.Add(NewEventInput{ChatID: 1, Kind: "x"})

	now := time.Now()
	token, events, err := s.Claim(now, 20, 30*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("claimed %d, want 1", len(events))
	}

	if err := s.Release(token); err != nil {
		t.Fatalf("release: %v", err)
	}

	n, err := s.CountPending(now, 30*time.Minute)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending count after release = %d, want 1", n)
	}
}

func TestStaleClaimReclaimed(t *testing.T) {
	s := openTestStore(t)
	s.Add(NewEventInput{ChatID: 1, Kind: "x"})

	t0 := time.Now()
	_, events, err := s.Claim(t0, 20, 30*time.Minute)
	if err != nil || len(events) != 1 {
		t.Fatalf("initial claim: events=%d err=%v", len(events), err)
	}

	// Within the stale window: should not be reclaimable.
	n, _ := s.CountPending(t0.Add(10*time.Minute), 30*time.Minute)
	if n != 0 {
		t.Fatalf("expected 0 pending within stale window, got %d", n)
	}

	// Past the stale window: the abandoned claim becomes reclaimable.
	later := t0.Add(31 * time.Minute)
	n, _ = s.CountPending(later, 30*time.Minute)
	if n != 1 {
		t.Fatalf("expected abandoned claim to be pending again after stale window, got %d", n)
	}

	_, events2, err := s.Claim(later, 20, 30*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(events2) != 1 {
		t.Fatalf("expected stale claim reclaimed, got %d events", len(events2))
	}
}

func TestReleaseNoRowsIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.Release("nonexistent-token"); err != nil {
		t.Fatalf("release on unknown token should be a silent no-op, got error: %v", err)
	}
}

func TestPruneProcessedOlderThan(t *testing.T) {
	s := openTestStore(t)
	s.Add(NewEventInput{ChatID: 1, Kind: "x"})
	token, _, _ := s.Claim(time.Now(), 20, 30*time.Minute)
	s.Ack(token)

	n, err := s.PruneProcessedOlderThan(0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}
