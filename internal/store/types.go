// Package store holds the shared ID helper and the user-root filesystem
// layout at which the job store, event store, message store, and recall
// index are opened.
package store

import (
	"time"

	"github.com/google/uuid"
)

// BobID is the single-tenant discriminator every row carries, so the schema
// admits a future multi-tenant extension without migration.
const BobID = "bob"

// BaseModel provides common fields for all database models.
type BaseModel struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Root describes the fixed filesystem layout under the user root
// (spec.md §6): config.toml, the four SQLite files, the JSON sidecar files,
// and the memory/ markdown corpus.
type Root struct {
	Dir string
}

func (r Root) ConfigPath() string          { return r.Dir + "/config.toml" }
func (r Root) JobsDBPath() string          { return r.Dir + "/data/jobs.db" }
func (r Root) EventsDBPath() string        { return r.Dir + "/data/events.db" }
func (r Root) MessagesDBPath() string      { return r.Dir + "/data/messages.db" }
func (r Root) RecallDBPath() string        { return r.Dir + "/data/bob.db" }
func (r Root) SchedulerPIDPath() string    { return r.Dir + "/data/scheduler.pid" }
func (r Root) TelegramOffsetPath() string  { return r.Dir + "/data/telegram-offset.json" }
func (r Root) DNDStatePath() string        { return r.Dir + "/data/dnd-state.json" }
func (r Root) LastExitPath() string        { return r.Dir + "/data/last_exit.json" }
func (r Root) SessionsPath() string        { return r.Dir + "/sessions.json" }
func (r Root) MemoryDir() string           { return r.Dir + "/memory" }
func (r Root) ScriptsDir() string          { return r.Dir + "/scripts" }
