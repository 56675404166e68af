package schedule

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kind, spec, err := Parse("5m", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s, want at", kind)
	}
	next, err := NextRunOf(kind, spec, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := now.Add(5 * time.Minute).UnixMilli()
	if *next != want {
		t.Errorf("next = %d, want %d", *next, want)
	}
}

func TestParseEveryDuration(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kind, spec, err := Parse("every 30s", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindEvery {
		t.Fatalf("kind = %s, want every", kind)
	}
	next, err := NextRunOf(kind, spec, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := now.Add(30 * time.Second).UnixMilli()
	if *next != want {
		t.Errorf("next = %d, want %d", *next, want)
	}
}

func TestParseInN(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kind, spec, err := Parse("in 10 minutes", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s, want at", kind)
	}
	next, _ := NextRunOf(kind, spec, now)
	want := now.Add(10 * time.Minute).UnixMilli()
	if *next != want {
		t.Errorf("next = %d, want %d", *next, want)
	}
}

func TestParseEveryDayAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 58, 0, 0, time.UTC)
	kind, spec, err := Parse("every day at 9am", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindCron {
		t.Fatalf("kind = %s, want cron", kind)
	}
	next, err := NextRunOf(kind, spec, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	got := time.UnixMilli(*next).UTC()
	if got.Hour() != 9 || got.Minute() != 0 || got.Day() != 1 {
		t.Errorf("next = %v, want 2026-03-01 09:00 UTC", got)
	}
}

func TestParseTomorrowAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kind, spec, err := Parse("tomorrow at 3pm", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindAt {
		t.Fatalf("kind = %s, want at", kind)
	}
	next, _ := NextRunOf(kind, spec, now)
	got := time.UnixMilli(*next).UTC()
	if got.Day() != 2 || got.Hour() != 15 {
		t.Errorf("next = %v, want 2026-03-02 15:00 UTC", got)
	}
}

func TestParseBareTimeRollsOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	kind, spec, err := Parse("at 9pm", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next, _ := NextRunOf(kind, spec, now)
	got := time.UnixMilli(*next).UTC()
	if got.Day() != 2 {
		t.Errorf("9pm already passed today, expected roll to next day, got %v", got)
	}
}

func TestParseCron(t *testing.T) {
	kind, spec, err := Parse("cron 0 9 * * *", time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != KindCron || spec != "0 9 * * *" {
		t.Errorf("got (%s, %s)", kind, spec)
	}
}

func TestParseUnrecognized(t *testing.T) {
	_, _, err := Parse("whenever I feel like it", time.Now())
	if err == nil {
		t.Fatal("expected error for unparseable schedule")
	}
}

func TestNextRunOfMonotonic(t *testing.T) {
	kind, spec, err := Parse("every 10m", time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	n1, _ := NextRunOf(kind, spec, t1)
	n2, _ := NextRunOf(kind, spec, t2)
	if *n1 > *n2 {
		t.Errorf("next run not monotonic: n1=%d n2=%d", *n1, *n2)
	}
}
