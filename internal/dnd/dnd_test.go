package dnd

import (
	"path/filepath"
	"testing"
	"time"
)

func TestScheduledWindowNormal(t *testing.T) {
	st := NewState(filepath.Join(t.TempDir(), "dnd-state.json"), Window{
		Enabled: true, Start: "08:00", End: "22:00", Timezone: "UTC",
	})
	inside := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	status, err := st.IsActive(inside)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !status.Active {
		t.Errorf("expected DND active at 10:00 inside the 08:00-22:00 window")
	}

	outside := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	status, err = st.IsActive(outside)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if status.Active {
		t.Errorf("expected DND inactive at 23:00 outside the 08:00-22:00 window")
	}
}

func TestOvernightWrap(t *testing.T) {
	st := NewState(filepath.Join(t.TempDir(), "dnd-state.json"), Window{
		Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC",
	})
	lateNight := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	status, err := st.IsActive(lateNight)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !status.Active {
		t.Error("expected DND active at 23:30 within 22:00-08:00 overnight window")
	}
	if status.EndsAt == nil || status.EndsAt.Hour() != 8 {
		t.Errorf("endsAt = %v, want 08:00", status.EndsAt)
	}

	daytime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status, err = st.IsActive(daytime)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if status.Active {
		t.Error("expected DND inactive at noon within 22:00-08:00 overnight window")
	}
}

func TestAdhocOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dnd-state.json")
	st := NewState(path, Window{Enabled: false})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := st.SetAdhoc(now.Add(time.Hour), "focus"); err != nil {
		t.Fatalf("set adhoc: %v", err)
	}
	status, err := st.IsActive(now)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !status.Active || status.Reason != "adhoc" {
		t.Errorf("expected active adhoc override, got %+v", status)
	}

	status, err = st.IsActive(now.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if status.Active {
		t.Error("expected adhoc override to have lazily expired")
	}
}

func TestDisabledWindow(t *testing.T) {
	st := NewState(filepath.Join(t.TempDir(), "dnd-state.json"), Window{Enabled: false})
	status, err := st.IsActive(time.Now())
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if status.Active {
		t.Error("disabled window should never be active")
	}
}
