package jobstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddComputesNextRunAt(t *testing.T) {
	s := openTestStore(t)
	job, err := s.Add(NewJobInput{
		ChatID: 1, ScheduleKind: KindEvery, ScheduleSpec: "60000", JobType: TypeSendMessage, Payload: "{}",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.NextRunAt == nil {
		t.Fatal("expected nextRunAt to be set")
	}
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Add(NewJobInput{ChatID: 1, ScheduleKind: "bogus", ScheduleSpec: "x", JobType: TypeSendMessage})
	if err == nil {
		t.Fatal("expected error for invalid schedule kind")
	}
}

// TestAtJobNeverReclaimedAfterSuccess covers spec invariant 1: for all
// "at" jobs, after a successful execution enabled=false and no subsequent
// claimDue ever returns it again.
func TestAtJobNeverReclaimedAfterSuccess(t *testing.T) {
	s := openTestStore(t)
	past := time.Now().Add(-time.Minute).UnixMilli()
	job, err := s.Add(NewJobInput{ChatID: 1, ScheduleKind: KindAt, ScheduleSpec: "1", JobType: TypeSendMessage, Payload: "{}"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	// force it due
	if err := s.UpdateAfterRun(job.ID, RunOutcome{NextRunAt: &past, Enabled: true}); err != nil {
		t.Fatalf("force due: %v", err)
	}

	claimed, err := s.ClaimDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("expected job claimed once, got %v", claimed)
	}

	again, err := s.ClaimDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("claim due again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("at-job was re-claimed after being flipped disabled: %v", again)
	}
}

// TestClaimDueDisjoint covers spec invariant 2: concurrent claimDue calls
// return disjoint job-id sets, since the disabling flip happens inside the
// claiming transaction.
func TestClaimDueDisjoint(t *testing.T) {
	s := openTestStore(t)
	past := time.Now().Add(-time.Minute).UnixMilli()
	for i := 0; i < 5; i++ {
		job, err := s.Add(NewJobInput{ChatID: 1, ScheduleKind: KindAt, ScheduleSpec: "1", JobType: TypeSendMessage, Payload: "{}"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := s.UpdateAfterRun(job.ID, RunOutcome{NextRunAt: &past, Enabled: true}); err != nil {
			t.Fatalf("force due: %v", err)
		}
	}

	first, err := s.ClaimDue(time.Now(), 3)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	second, err := s.ClaimDue(time.Now(), 3)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}

	seen := map[string]bool{}
	for _, j := range first {
		seen[j.ID] = true
	}
	for _, j := range second {
		if seen[j.ID] {
			t.Fatalf("job %s claimed twice across separate claimDue calls", j.ID)
		}
	}
	if len(first)+len(second) != 5 {
		t.Fatalf("expected all 5 jobs claimed across two calls, got %d", len(first)+len(second))
	}
}

func TestEveryJobStaysEnabledAfterClaim(t *testing.T) {
	s := openTestStore(t)
	past := time.Now().Add(-time.Minute).UnixMilli()
	job, err := s.Add(NewJobInput{ChatID: 1, ScheduleKind: KindEvery, ScheduleSpec: "1000", JobType: TypeSendMessage, Payload: "{}"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.UpdateAfterRun(job.ID, RunOutcome{NextRunAt: &past, Enabled: true}); err != nil {
		t.Fatalf("force due: %v", err)
	}

	claimed, err := s.ClaimDue(time.Now(), 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	jobs, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !jobs[0].Enabled {
		t.Error("every-job should remain enabled after being claimed (rescheduling happens post-execution)")
	}
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)
	job, _ := s.Add(NewJobInput{ChatID: 1, ScheduleKind: KindEvery, ScheduleSpec: "1000", JobType: TypeSendMessage, Payload: "{}"})
	ok, err := s.Remove(job.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !ok {
		t.Fatal("expected remove to report a row removed")
	}
	jobs, _ := s.List()
	if len(jobs) != 0 {
		t.Fatalf("expected empty job list after remove, got %d", len(jobs))
	}
}
