// Package jobstore is the narrow data-access layer over the scheduler's
// jobs table: insert, list, remove, claim-due, update-after-run, next-due-at.
// Claim-due is the transactional arbiter that prevents a one-shot job from
// ever firing twice.
package jobstore

import (
	"errors"

	"github.com/ngrant/bob/internal/schedule"
)

// ErrInvalidSchedule is returned by Add when scheduleKind/scheduleSpec
// don't parse into a valid next-run time.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ScheduleKind enumerates how a job's nextRunAt is recomputed after a run.
// It's an alias for schedule.Kind so jobstore rows can be constructed
// directly from a parsed schedule string without a conversion.
type ScheduleKind = schedule.Kind

const (
	KindAt    = schedule.KindAt
	KindEvery = schedule.KindEvery
	KindCron  = schedule.KindCron
)

// JobType enumerates what a job does when claimed.
type JobType string

const (
	TypeSendMessage JobType = "send_message"
	TypeAgentTurn   JobType = "agent_turn"
	TypeScript      JobType = "script"
)

// ContextMode records whether an agent_turn job was created to use the
// session's prior context or to run isolated. It is stored with the job;
// jobexec's agent_turn dispatch does not act on it.
type ContextMode string

const (
	ContextSession  ContextMode = "session"
	ContextIsolated ContextMode = "isolated"
)

// SystemChatID is the sentinel chatId used by jobs that must not notify a
// user (housekeeping jobs such as recall reindex or event pruning).
const SystemChatID int64 = 0

// Job is one row of the jobs table.
type Job struct {
	ID           string
	ChatID       int64
	ThreadID     *int64
	ScheduleKind ScheduleKind
	ScheduleSpec string
	JobType      JobType
	Payload      string // opaque JSON, interpreted by the dispatcher per JobType
	Enabled      bool
	NextRunAt    *int64 // epoch ms
	LastRunAt    *int64 // epoch ms
	LastStatus   string
	LastError    string
	ContextMode  ContextMode
	CreatedAt    int64
	UpdatedAt    int64
}

// NewJobInput is the caller-supplied shape for Add.
type NewJobInput struct {
	ID           string
	ChatID       int64
	ThreadID     *int64
	ScheduleKind ScheduleKind
	ScheduleSpec string
	JobType      JobType
	Payload      string
	ContextMode  ContextMode
}

// RunOutcome is what a job execution reports back to UpdateAfterRun.
type RunOutcome struct {
	LastRunAt *int64
	NextRunAt *int64
	Enabled   bool
	Status    string
	Error     string
}
