package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const defaultStaleAfter = 30 * time.Minute

// Store is the narrow data-access layer over data/events.db.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the events database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate events db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			bob_id       TEXT NOT NULL DEFAULT 'bob',
			chat_id      INTEGER NOT NULL,
			thread_id    INTEGER,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}',
			created_at   INTEGER NOT NULL,
			claimed_at   INTEGER,
			claim_token  TEXT NOT NULL DEFAULT '',
			processed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_events_pending ON events(processed_at, claimed_at);
		CREATE INDEX IF NOT EXISTS idx_events_chat ON events(chat_id, thread_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_events_token ON events(claim_token);
	`)
	return err
}

// Add inserts a new event. An empty or invalid payload is stored as "{}".
func (s *Store) Add(in NewEventInput) (*Event, error) {
	payload := in.Payload
	if payload == "" || !json.Valid([]byte(payload)) {
		payload = "{}"
	}
	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().UnixMilli()

	_, err := s.db.Exec(`
		INSERT INTO events (id, chat_id, thread_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, in.ChatID, in.ThreadID, in.Kind, payload, now)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &Event{ID: id, ChatID: in.ChatID, ThreadID: in.ThreadID, Kind: in.Kind, Payload: payload, CreatedAt: now}, nil
}

// List returns events ordered by created_at. When includeProcessed is
// false, processed rows are excluded.
func (s *Store) List(includeProcessed bool) ([]Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events`
	if !includeProcessed {
		q += ` WHERE processed_at IS NULL`
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountPending counts events not processed and not claimed within
// staleAfter of now. A zero staleAfter uses the default of 30 minutes.
func (s *Store) CountPending(now time.Time, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	staleBefore := now.Add(-staleAfter).UnixMilli()
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM events
		WHERE processed_at IS NULL AND (claimed_at IS NULL OR claimed_at <= ?)`, staleBefore).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Claim transactionally generates a fresh claim token, assigns it (and the
// current time) to all pending rows — pending meaning unprocessed and
// either never claimed or claimed before the stale-reclaim horizon — then
// returns the token and the claimed rows. Abandoned claims older than
// staleAfter are the crash-recovery mechanism: a dispatcher that never
// acked is treated as if it never claimed.
func (s *Store) Claim(now time.Time, limit int, staleAfter time.Duration) (string, []Event, error) {
	if limit <= 0 {
		limit = 20
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	staleBefore := now.Add(-staleAfter).UnixMilli()
	nowMS := now.UnixMilli()
	token := uuid.Must(uuid.NewV7()).String()

	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, fmt.Errorf("claim: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE events SET claimed_at = ?, claim_token = ?
		WHERE processed_at IS NULL AND (claimed_at IS NULL OR claimed_at <= ?)
		AND id IN (
			SELECT id FROM events
			WHERE processed_at IS NULL AND (claimed_at IS NULL OR claimed_at <= ?)
			ORDER BY created_at ASC LIMIT ?
		)`, nowMS, token, staleBefore, staleBefore, limit)
	if err != nil {
		return "", nil, fmt.Errorf("claim: update: %w", err)
	}

	rows, err := tx.Query(`SELECT `+eventColumns+` FROM events WHERE claim_token = ? ORDER BY created_at ASC`, token)
	if err != nil {
		return "", nil, fmt.Errorf("claim: select: %w", err)
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return "", nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("claim: commit: %w", err)
	}
	return token, events, nil
}

// Ack marks all rows under claimToken as processed. A token matching zero
// rows is silently a no-op.
func (s *Store) Ack(claimToken string) error {
	_, err := s.db.Exec(`UPDATE events SET processed_at = ? WHERE claim_token = ? AND processed_at IS NULL`,
		time.Now().UnixMilli(), claimToken)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Release returns all rows under claimToken to pending.
func (s *Store) Release(claimToken string) error {
	_, err := s.db.Exec(`UPDATE events SET claimed_at = NULL, claim_token = '' WHERE claim_token = ? AND processed_at IS NULL`,
		claimToken)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// PruneProcessedOlderThan deletes processed rows older than the given age.
func (s *Store) PruneProcessedOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM events WHERE processed_at IS NOT NULL AND processed_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const eventColumns = `id, chat_id, thread_id, kind, payload, created_at, claimed_at, claim_token, processed_at`

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var threadID, claimedAt, processedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ChatID, &threadID, &e.Kind, &e.Payload, &e.CreatedAt,
			&claimedAt, &e.ClaimToken, &processedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if threadID.Valid {
			v := threadID.Int64
			e.ThreadID = &v
		}
		if claimedAt.Valid {
			v := claimedAt.Int64
			e.ClaimedAt = &v
		}
		if processedAt.Valid {
			v := processedAt.Int64
			e.ProcessedAt = &v
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
