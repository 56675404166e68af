package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Router resolves an engine ID ("claude", "codex", "opencode", "pi", ...) to
// a live Engine instance, and tracks in-flight runs so a new message in the
// same chat can cancel a stuck prior turn before starting its own.
type Router struct {
	mu      sync.RWMutex
	engines map[string]Engine

	activeRuns sync.Map // runID → *ActiveRun
}

func NewRouter() *Router {
	return &Router{
		engines: make(map[string]Engine),
	}
}

// Register adds an engine to the router, keyed by its own ID.
func (r *Router) Register(eng Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[eng.ID()] = eng
}

// Get returns the engine registered under engineID.
func (r *Router) Get(engineID string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eng, ok := r.engines[engineID]
	if !ok {
		return nil, fmt.Errorf("engine not found: %s", engineID)
	}
	return eng, nil
}

// Remove removes an engine from the router.
func (r *Router) Remove(engineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, engineID)
}

// List returns all registered engine IDs.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}

// EngineInfo is lightweight metadata about a registered engine.
type EngineInfo struct {
	ID        string `json:"id"`
	Model     string `json:"model"`
	IsRunning bool   `json:"isRunning"`
}

// ListInfo returns metadata for all registered engines.
func (r *Router) ListInfo() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]EngineInfo, 0, len(r.engines))
	for _, eng := range r.engines {
		infos = append(infos, EngineInfo{
			ID:        eng.ID(),
			Model:     eng.Model(),
			IsRunning: eng.IsRunning(),
		})
	}
	return infos
}

// ActiveRun tracks one in-flight engine invocation so a later message on the
// same chat can abort it.
type ActiveRun struct {
	RunID     string
	ChatKey   string // "chatId" or "chatId:threadId"
	EngineID  string
	Cancel    context.CancelFunc
	StartedAt time.Time
}

// RegisterRun records an active run so it can be aborted later.
func (r *Router) RegisterRun(runID, chatKey, engineID string, cancel context.CancelFunc) {
	r.activeRuns.Store(runID, &ActiveRun{
		RunID:     runID,
		ChatKey:   chatKey,
		EngineID:  engineID,
		Cancel:    cancel,
		StartedAt: time.Now(),
	})
}

// UnregisterRun removes a completed or cancelled run from tracking.
func (r *Router) UnregisterRun(runID string) {
	r.activeRuns.Delete(runID)
}

// AbortRunsForChat cancels all active runs for a chat key (e.g. a new
// message arriving while a prior turn is still streaming). Returns the list
// of aborted run IDs.
func (r *Router) AbortRunsForChat(chatKey string) []string {
	var aborted []string
	r.activeRuns.Range(func(key, val interface{}) bool {
		run := val.(*ActiveRun)
		if run.ChatKey == chatKey {
			run.Cancel()
			r.activeRuns.Delete(key)
			aborted = append(aborted, run.RunID)
		}
		return true
	})
	return aborted
}
