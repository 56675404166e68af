// Package scheduler is the daemon's single long-lived worker: a loop that
// claims due jobs, drains pending events through the heartbeat dispatcher,
// and reschedules, waking on a timer, an OS signal from peer CLI
// processes, or a filesystem hint on the jobs database.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ngrant/bob/internal/dnd"
	"github.com/ngrant/bob/internal/jobstore"
	"github.com/ngrant/bob/internal/schedule"
)

// maxSleep bounds the adaptive sleep so a corrupt/missing next-run value
// can't wedge the loop asleep indefinitely.
const maxSleep = 5 * time.Minute

// wakeDebounce collapses bursts of wakeup signals (batch CLI writes) into
// a single tick.
const wakeDebounce = 200 * time.Millisecond

// claimLimit is how many due jobs ClaimDue pulls per call; the loop keeps
// calling until a call returns fewer than this.
const claimLimit = 10

// Dispatcher executes one claimed job by its JobType and reports the
// outcome that feeds UpdateAfterRun.
type Dispatcher interface {
	Dispatch(ctx context.Context, job jobstore.Job) error
}

// HeartbeatRunner drains pending events once. Implemented by the heartbeat
// dispatcher (§4.6); nil disables heartbeat draining.
type HeartbeatRunner interface {
	RunOnce(ctx context.Context) error
}

// Loop is the scheduler's single worker.
type Loop struct {
	jobs       *jobstore.Store
	jobsDBPath string
	dnd        *dnd.State
	dispatch   Dispatcher
	heartbeat  HeartbeatRunner
	pidPath    string

	mu      sync.Mutex
	running bool // reentrancy guard: exactly one tick body executes at a time
	pending bool // a wakeup arrived while running; honored by the next pass

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	watcher *fsnotify.Watcher
}

// New builds a scheduler loop. dndState may be nil (no DND gating).
func New(jobs *jobstore.Store, jobsDBPath string, dndState *dnd.State, disp Dispatcher, hb HeartbeatRunner, pidPath string) *Loop {
	return &Loop{
		jobs:       jobs,
		jobsDBPath: jobsDBPath,
		dnd:        dndState,
		dispatch:   disp,
		heartbeat:  hb,
		pidPath:    pidPath,
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start writes the PID file (best-effort), starts the filesystem watcher on
// the jobs database (best-effort), and launches the loop goroutine.
func (l *Loop) Start(ctx context.Context) error {
	if l.pidPath != "" {
		if err := os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			slog.Warn("scheduler: failed to write pid file", "path", l.pidPath, "error", err)
		}
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(l.jobsDBPath); err != nil {
			slog.Debug("scheduler: jobs db watch unavailable", "error", err)
			watcher.Close()
		} else {
			l.watcher = watcher
			go l.watchLoop()
		}
	} else {
		slog.Debug("scheduler: fsnotify unavailable", "error", err)
	}

	go l.run(ctx)
	return nil
}

// Stop signals the loop to finish its in-flight tick, then closes the
// watcher and removes the PID file.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
	if l.watcher != nil {
		l.watcher.Close()
	}
	if l.pidPath != "" {
		_ = os.Remove(l.pidPath)
	}
}

// Wake schedules a tick as soon as the debounce window elapses. Safe to
// call from a signal handler or fsnotify callback.
func (l *Loop) Wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Loop) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-l.stopCh:
			return
		case _, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(wakeDebounce, l.Wake)
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-l.wakeCh:
			l.tick(ctx)
		case <-timer.C:
			l.tick(ctx)
		}

		sleep := l.computeSleep(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)
	}
}

// tick runs one scheduling pass: reentrancy-guarded, honoring a pending
// flag set by wakeups that arrive mid-tick.
func (l *Loop) tick(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.pending = true
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		rerun := l.pending
		l.pending = false
		l.mu.Unlock()
		if rerun {
			l.Wake()
		}
	}()

	if l.heartbeat != nil {
		if err := l.heartbeat.RunOnce(ctx); err != nil {
			slog.Error("scheduler: heartbeat pass failed", "error", err)
		}
	}

	for {
		jobs, err := l.jobs.ClaimDue(time.Now(), claimLimit)
		if err != nil {
			slog.Error("scheduler: claim due failed", "error", err)
			return
		}
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			l.runJob(ctx, job)
		}
		if len(jobs) < claimLimit {
			return
		}
	}
}

func (l *Loop) runJob(ctx context.Context, job jobstore.Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: job panicked", "job", job.ID, "panic", r)
		}
	}()

	dndGated := job.JobType == jobstore.TypeSendMessage || job.JobType == jobstore.TypeAgentTurn
	if l.dnd != nil && dndGated {
		status, err := l.dnd.IsActive(time.Now())
		if err != nil {
			slog.Error("scheduler: dnd check failed", "job", job.ID, "error", err)
		} else if status.Active && !jobIsUrgent(job) && status.EndsAt != nil {
			endsMS := status.EndsAt.UnixMilli()
			if err := l.jobs.UpdateAfterRun(job.ID, jobstore.RunOutcome{
				LastRunAt: job.LastRunAt,
				NextRunAt: &endsMS,
				Enabled:   true,
				Status:    "deferred",
				Error:     "",
			}); err != nil {
				slog.Error("scheduler: dnd defer writeback failed", "job", job.ID, "error", err)
			}
			return
		}
	}

	if stagger := jobStagger(job); stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-ctx.Done():
			return
		}
	}

	now := time.Now()
	nowMS := now.UnixMilli()
	runErr := l.dispatch.Dispatch(ctx, job)

	outcome := jobstore.RunOutcome{LastRunAt: &nowMS, Enabled: job.Enabled}
	if runErr != nil {
		slog.Error("scheduler: job execution failed", "job", job.ID, "error", runErr)
		outcome.Status = "error"
		outcome.Error = runErr.Error()
		// Failures don't advance nextRunAt: the job keeps its prior
		// pointer so the next tick retries, except "at" jobs, which stay
		// disabled and are not retried. No retry budget by design —
		// the user owns remediation.
		outcome.NextRunAt = job.NextRunAt
		if job.ScheduleKind == jobstore.KindAt {
			outcome.Enabled = false
		}
	} else {
		outcome.Status = "ok"
		if job.ScheduleKind == jobstore.KindAt {
			outcome.Enabled = false
			outcome.NextRunAt = nil
		} else {
			next, err := schedule.NextRunOf(job.ScheduleKind, job.ScheduleSpec, now)
			if err != nil {
				slog.Error("scheduler: next run computation failed", "job", job.ID, "error", err)
				outcome.NextRunAt = job.NextRunAt
			} else {
				outcome.NextRunAt = next
			}
		}
	}

	if err := l.jobs.UpdateAfterRun(job.ID, outcome); err != nil {
		slog.Error("scheduler: update after run failed", "job", job.ID, "error", err)
	}
}

func (l *Loop) computeSleep(ctx context.Context) time.Duration {
	next, err := l.jobs.NextRunAt()
	if err != nil || next == nil {
		return maxSleep
	}
	remaining := time.Until(time.UnixMilli(*next))
	if remaining < 0 {
		remaining = 0
	}
	if remaining > maxSleep {
		remaining = maxSleep
	}
	return remaining
}

// jobIsUrgent reports whether a job's payload opts out of DND deferral.
// Payload is opaque JSON per spec.md §3; the scheduler only cares about
// the "urgent" flag common to send_message/agent_turn payloads.
func jobIsUrgent(job jobstore.Job) bool {
	var probe struct {
		Urgent bool `json:"urgent"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &probe); err != nil {
		return false
	}
	return probe.Urgent
}

// jobStagger derives a deterministic per-job delay from the job ID hash,
// bounded to 5s, to avoid a thundering herd when many jobs share a
// schedule. Jobs are never staggered past their claim; this only smooths
// execution start within a tick.
func jobStagger(job jobstore.Job) time.Duration {
	if job.ScheduleKind == jobstore.KindAt {
		return 0
	}
	h := sha256.Sum256([]byte(job.ID))
	n := binary.BigEndian.Uint32(h[:4])
	const maxStagger = 5 * time.Second
	ms := int64(n) % maxStagger.Milliseconds()
	return time.Duration(ms) * time.Millisecond
}
