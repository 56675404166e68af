package jobstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ngrant/bob/internal/schedule"
	"github.com/ngrant/bob/internal/store"

	_ "modernc.org/sqlite"
)

// Store is the narrow data-access layer over data/jobs.db.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the jobs database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate jobs db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id             TEXT PRIMARY KEY,
			bob_id         TEXT NOT NULL DEFAULT 'bob',
			chat_id        INTEGER NOT NULL,
			thread_id      INTEGER,
			schedule_kind  TEXT NOT NULL,
			schedule_spec  TEXT NOT NULL,
			job_type       TEXT NOT NULL,
			payload        TEXT NOT NULL DEFAULT '{}',
			enabled        INTEGER NOT NULL DEFAULT 1,
			next_run_at    INTEGER,
			last_run_at    INTEGER,
			last_status    TEXT NOT NULL DEFAULT '',
			last_error     TEXT NOT NULL DEFAULT '',
			context_mode   TEXT NOT NULL DEFAULT 'session',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_run_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_chat ON jobs(chat_id);
	`)
	return err
}

// Add inserts a new job, computing nextRunAt from its schedule.
func (s *Store) Add(in NewJobInput) (*Job, error) {
	now := time.Now()
	nextRunAt, err := schedule.NextRunOf(in.ScheduleKind, in.ScheduleSpec, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	id := in.ID
	if id == "" {
		id = store.GenNewID().String()
	}
	contextMode := in.ContextMode
	if contextMode == "" {
		contextMode = ContextSession
	}
	nowMS := now.UnixMilli()

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, chat_id, thread_id, schedule_kind, schedule_spec, job_type,
			payload, enabled, next_run_at, context_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		id, in.ChatID, in.ThreadID, string(in.ScheduleKind), in.ScheduleSpec, string(in.JobType),
		in.Payload, nextRunAt, string(contextMode), nowMS, nowMS)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return &Job{
		ID: id, ChatID: in.ChatID, ThreadID: in.ThreadID,
		ScheduleKind: in.ScheduleKind, ScheduleSpec: in.ScheduleSpec,
		JobType: in.JobType, Payload: in.Payload, Enabled: true,
		NextRunAt: nextRunAt, ContextMode: contextMode,
		CreatedAt: nowMS, UpdatedAt: nowMS,
	}, nil
}

// List returns all jobs ordered by id.
func (s *Store) List() ([]Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListForChat returns jobs for a chat ordered by next-run-at.
func (s *Store) ListForChat(chatID int64) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE chat_id = ? ORDER BY next_run_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for chat: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Remove deletes a job by id. Returns true if a row was removed.
func (s *Store) Remove(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimDue transactionally selects due, enabled jobs ordered by
// next_run_at ASC, id, limited to `limit` rows. Within the same
// transaction, any claimed row whose schedule kind is "at" is flipped to
// disabled so it cannot be re-claimed by a concurrent caller — this is the
// only mechanism preventing duplicate delivery of one-shot jobs.
func (s *Store) ClaimDue(now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	nowMS := now.UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?`, nowMS, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: select: %w", err)
	}
	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	for _, j := range jobs {
		if j.ScheduleKind == KindAt {
			if _, err := tx.Exec(`UPDATE jobs SET enabled = 0, updated_at = ? WHERE id = ?`, nowMS, j.ID); err != nil {
				return nil, fmt.Errorf("claim due: disable at-job %s: %w", j.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due: commit: %w", err)
	}
	return jobs, nil
}

// UpdateAfterRun is an idempotent writeback of a job's post-execution state.
func (s *Store) UpdateAfterRun(id string, outcome RunOutcome) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = ?,
			enabled = ?,
			last_status = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		outcome.LastRunAt, outcome.NextRunAt, boolToInt(outcome.Enabled),
		outcome.Status, outcome.Error, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update after run: %w", err)
	}
	return nil
}

// NextRunAt returns MIN(next_run_at) across enabled jobs, or nil if none.
func (s *Store) NextRunAt() (*int64, error) {
	var next sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(next_run_at) FROM jobs WHERE enabled = 1`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next run at: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	v := next.Int64
	return &v, nil
}

const jobColumns = `id, chat_id, thread_id, schedule_kind, schedule_spec, job_type, payload,
	enabled, next_run_at, last_run_at, last_status, last_error, context_mode, created_at, updated_at`

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		var threadID sql.NullInt64
		var nextRunAt, lastRunAt sql.NullInt64
		var enabled int
		if err := rows.Scan(&j.ID, &j.ChatID, &threadID, &j.ScheduleKind, &j.ScheduleSpec,
			&j.JobType, &j.Payload, &enabled, &nextRunAt, &lastRunAt, &j.LastStatus, &j.LastError,
			&j.ContextMode, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Enabled = enabled != 0
		if threadID.Valid {
			v := threadID.Int64
			j.ThreadID = &v
		}
		if nextRunAt.Valid {
			v := nextRunAt.Int64
			j.NextRunAt = &v
		}
		if lastRunAt.Valid {
			v := lastRunAt.Int64
			j.LastRunAt = &v
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
