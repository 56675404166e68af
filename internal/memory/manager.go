package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// ManagerConfig configures where a Manager looks for markdown to index and
// where it keeps its SQLite database.
type ManagerConfig struct {
	Root     string // memory root, e.g. <userRoot>/memory
	DBPath   string // e.g. <userRoot>/data/bob.db
	Provider EmbeddingProvider
}

// DefaultManagerConfig lays out paths under a single root: memory content
// walked from <root> directly (the caller typically points this at the
// "memory/" directory itself) and DBPath at <root>/bob.db. Callers that keep
// the database at <userRoot>/data/bob.db overwrite DBPath.
func DefaultManagerConfig(root string) ManagerConfig {
	return ManagerConfig{
		Root:   root,
		DBPath: filepath.Join(root, "bob.db"),
	}
}

// Manager owns the chunk store and orchestrates indexing and search over
// the memory root's markdown files.
type Manager struct {
	cfg   ManagerConfig
	store *SQLiteStore
}

// NewManager opens the chunk store at cfg.DBPath.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	store, err := NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, store: store}, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) ChunkCount() int {
	return m.store.ChunkCount()
}

// IndexAll walks every .md file under the memory root and reindexes any
// source whose content fingerprint has changed, skipping the rest. Sources
// whose backing file has been deleted since the last index are dropped.
func (m *Manager) IndexAll(ctx context.Context) error {
	seen := make(map[string]bool)

	err := filepath.Walk(m.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(strings.ToLower(path), ".md") {
			return nil
		}

		rel, err := filepath.Rel(m.cfg.Root, path)
		if err != nil {
			return nil
		}
		source := sourceTagForPath(rel)
		seen[source] = true

		return m.indexFile(source, rel, path)
	})
	if err != nil {
		return err
	}

	existing, err := m.store.Sources()
	if err != nil {
		return err
	}
	for _, source := range existing {
		if !seen[source] {
			if err := m.store.DeleteSource(source); err != nil {
				return err
			}
		}
	}

	return EmbedMissing(ctx, m.store, m.cfg.Provider)
}

// indexFile reindexes a single file's source if its content has changed
// since the last index, a no-op otherwise.
func (m *Manager) indexFile(source, relPath, fullPath string) error {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return err
	}

	fingerprint := ContentHash(string(content))
	if existing, ok := m.store.SourceFingerprint(source); ok && existing == fingerprint {
		return nil
	}

	chunks := ChunkMarkdown(source, string(content))
	for i := range chunks {
		chunks[i].Path = relPath
	}

	return m.store.ReindexSource(source, fingerprint, chunks)
}

// sourceTagForPath derives a stable source tag from a file's path relative
// to the memory root. journal/YYYY/MM-DD.md and conversations/YYYY/MM-DD-*.md
// keep their date segment; anything else is tagged by its slash-joined,
// extension-stripped, lowercased path.
func sourceTagForPath(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	segments := strings.Split(rel, "/")

	if len(segments) == 3 && (segments[0] == "journal" || segments[0] == "conversations") {
		return segments[0] + ":" + segments[1] + "/" + segments[2]
	}

	return "memory:" + strings.ToLower(strings.Join(segments, "/"))
}

// Search runs a hybrid FTS + vector search over the indexed chunks.
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	return HybridSearch(ctx, m.store, m.cfg.Provider, query, opts)
}

// GetFile reads a range of lines (1-indexed, inclusive) from a file under
// the memory root. startLine = endLine = 0 reads the whole file.
func (m *Manager) GetFile(relPath string, startLine, endLine int) (string, error) {
	content, err := os.ReadFile(filepath.Join(m.cfg.Root, relPath))
	if err != nil {
		return "", err
	}
	if startLine == 0 && endLine == 0 {
		return string(content), nil
	}

	lines := strings.Split(string(content), "\n")
	if startLine < 1 {
		startLine = 1
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	if startLine > endLine {
		return "", nil
	}
	return strings.Join(lines[startLine-1:endLine], "\n"), nil
}
