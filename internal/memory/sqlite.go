package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements chunk storage with FTS5 full-text search and an
// optional sqlite-vec-style virtual table for approximate nearest neighbor
// lookups, falling back to brute-force cosine search when that extension
// isn't available under the active driver.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	vec bool // true once vectors_vec has been created successfully
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path
// and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("memory store opened", "path", dbPath, "vectorIndex", s.vec)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			breadcrumbs TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			line_start INTEGER NOT NULL DEFAULT 0,
			line_end INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			content, title, source UNINDEXED, id UNINDEXED,
			tokenize='porter unicode61'
		)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			chunk_id TEXT PRIMARY KEY REFERENCES chunks(id),
			model TEXT NOT NULL DEFAULT '',
			embedding BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			source TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}

	// vectors_vec is best-effort: the vec0 module isn't registered under
	// the pure-Go sqlite driver, so this normally fails and we fall back
	// to brute-force cosine search. If a build ever links a driver that
	// does register it, the index is picked up automatically.
	if _, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS vectors_vec USING vec0(chunk_id TEXT PRIMARY KEY, embedding FLOAT[1536])`); err == nil {
		s.vec = true
	}

	return nil
}

// ReindexSource atomically replaces all chunks and embeddings belonging to
// a source with a fresh set, and records the new content fingerprint. A
// reindex of a source with an unchanged fingerprint should be skipped by
// the caller before this is ever invoked; this method does the atomic
// swap unconditionally.
func (s *SQLiteStore) ReindexSource(source, fingerprint string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteSourceTx(tx, source); err != nil {
		return err
	}

	for _, c := range chunks {
		if err := insertChunkTx(tx, c); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	_, err = tx.Exec(`INSERT INTO sources (source, fingerprint, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(source) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		source, fingerprint)
	if err != nil {
		return fmt.Errorf("upsert source fingerprint: %w", err)
	}

	return tx.Commit()
}

func deleteSourceTx(tx *sql.Tx, source string) error {
	if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE id IN (SELECT id FROM chunks WHERE source = ?)`, source); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE source = ?)`, source); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM vectors_vec WHERE chunk_id IN (SELECT id FROM chunks WHERE source = ?)`, source); err != nil {
		// vectors_vec may not exist; that's fine.
		_ = err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return err
	}
	return nil
}

func insertChunkTx(tx *sql.Tx, c Chunk) error {
	breadcrumbsJSON, err := json.Marshal(c.Breadcrumbs)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT OR REPLACE INTO chunks
		(id, source, path, title, breadcrumbs, content, preview, line_start, line_end, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Source, c.Path, c.Title, string(breadcrumbsJSON), c.Content, c.Preview,
		c.LineStart, c.LineEnd, c.TokenCount, c.CreatedAt.Unix())
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO chunks_fts (content, title, source, id) VALUES (?, ?, ?, ?)`,
		c.Content, c.Title, c.Source, c.ID)
	return err
}

// DeleteSource removes all chunks, FTS rows and embeddings for a source,
// and forgets its fingerprint.
func (s *SQLiteStore) DeleteSource(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteSourceTx(tx, source); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sources WHERE source = ?`, source); err != nil {
		return err
	}
	return tx.Commit()
}

// SourceFingerprint returns the stored fingerprint for a source, or false
// if the source has never been indexed.
func (s *SQLiteStore) SourceFingerprint(source string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fp string
	err := s.db.QueryRow(`SELECT fingerprint FROM sources WHERE source = ?`, source).Scan(&fp)
	if err != nil {
		return "", false
	}
	return fp, true
}

// Sources lists every currently indexed source tag.
func (s *SQLiteStore) Sources() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT source FROM sources`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

var reNonWord = regexp.MustCompile(`[^\w]+`)

// sanitizeFTSQuery replaces non-word characters with spaces so odd query
// text (punctuation, stray quotes) can't trip the FTS5 query parser.
func sanitizeFTSQuery(q string) string {
	return strings.TrimSpace(reNonWord.ReplaceAllString(q, " "))
}

// SearchFTS performs a full-text search using FTS5 with BM25 ranking.
// BM25 is lower-is-better in SQLite; the returned score is negated so
// higher is always better, matching vector search's convention.
func (s *SQLiteStore) SearchFTS(query string, opts SearchOptions) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clean := sanitizeFTSQuery(query)
	if clean == "" {
		return nil, nil
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	where := ""
	args := []interface{}{clean}
	if opts.Source != "" {
		where += " AND source = ?"
		args = append(args, opts.Source)
	}
	args = append(args, maxResults*3) // overfetch; path-prefix filter happens in Go

	q := fmt.Sprintf(`SELECT id, source, title, content, bm25(chunks_fts) as rank
		FROM chunks_fts WHERE chunks_fts MATCH ?%s ORDER BY rank LIMIT ?`, where)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, source, title, content string
		var rank float64
		if err := rows.Scan(&id, &source, &title, &content, &rank); err != nil {
			continue
		}

		c, ok := s.chunkByIDLocked(id)
		if !ok {
			continue
		}
		if opts.PathPrefix != "" && !strings.HasPrefix(c.Path, opts.PathPrefix) {
			continue
		}

		results = append(results, SearchResult{
			ChunkID:     id,
			Source:      source,
			Path:        c.Path,
			Title:       title,
			Breadcrumbs: c.Breadcrumbs,
			LineStart:   c.LineStart,
			LineEnd:     c.LineEnd,
			Score:       -rank,
			Snippet:     preview(content, 700),
			MatchType:   MatchFTS,
		})
		if len(results) >= maxResults {
			break
		}
	}

	return results, nil
}

// chunkByIDLocked reads a chunk's metadata; callers must already hold s.mu.
func (s *SQLiteStore) chunkByIDLocked(id string) (Chunk, bool) {
	row := s.db.QueryRow(`SELECT id, source, path, title, breadcrumbs, content, preview, line_start, line_end, token_count
		FROM chunks WHERE id = ?`, id)
	var c Chunk
	var breadcrumbsJSON string
	if err := row.Scan(&c.ID, &c.Source, &c.Path, &c.Title, &breadcrumbsJSON, &c.Content, &c.Preview, &c.LineStart, &c.LineEnd, &c.TokenCount); err != nil {
		return Chunk{}, false
	}
	json.Unmarshal([]byte(breadcrumbsJSON), &c.Breadcrumbs)
	return c, true
}

// GetChunk reads a single chunk's metadata by id.
func (s *SQLiteStore) GetChunk(id string) (Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunkByIDLocked(id)
}

// ChunksWithEmbeddings returns every chunk that has a stored embedding,
// for brute-force cosine search.
func (s *SQLiteStore) ChunksWithEmbeddings(opts SearchOptions) ([]Chunk, [][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := ""
	var args []interface{}
	if opts.Source != "" {
		where = " AND c.source = ?"
		args = append(args, opts.Source)
	}

	q := fmt.Sprintf(`SELECT c.id, c.source, c.path, c.title, c.breadcrumbs, c.content, c.preview, c.line_start, c.line_end, c.token_count, e.embedding
		FROM chunks c JOIN embeddings e ON e.chunk_id = c.id WHERE 1=1%s`, where)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	var vecs [][]float32
	for rows.Next() {
		var c Chunk
		var breadcrumbsJSON string
		var embJSON string
		if err := rows.Scan(&c.ID, &c.Source, &c.Path, &c.Title, &breadcrumbsJSON, &c.Content, &c.Preview, &c.LineStart, &c.LineEnd, &c.TokenCount, &embJSON); err != nil {
			continue
		}
		if opts.PathPrefix != "" && !strings.HasPrefix(c.Path, opts.PathPrefix) {
			continue
		}
		json.Unmarshal([]byte(breadcrumbsJSON), &c.Breadcrumbs)
		var vec []float32
		json.Unmarshal([]byte(embJSON), &vec)

		chunks = append(chunks, c)
		vecs = append(vecs, vec)
	}
	return chunks, vecs, nil
}

// ChunksMissingEmbeddings returns ids and content for every chunk without
// a stored embedding.
func (s *SQLiteStore) ChunksMissingEmbeddings() ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT c.id, c.content FROM chunks c
		LEFT JOIN embeddings e ON e.chunk_id = c.id WHERE e.chunk_id IS NULL`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids, texts []string
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			continue
		}
		ids = append(ids, id)
		texts = append(texts, text)
	}
	return ids, texts, nil
}

// SetEmbedding stores a chunk's embedding, both in the authoritative BLOB
// table and, when available, the ANN sidecar index.
func (s *SQLiteStore) SetEmbedding(chunkID string, vec []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	embJSON, err := json.Marshal(vec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO embeddings (chunk_id, model, embedding) VALUES (?, ?, ?)`,
		chunkID, model, string(embJSON))
	if err != nil {
		return err
	}

	if s.vec {
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO vectors_vec (chunk_id, embedding) VALUES (?, ?)`, chunkID, string(embJSON)); err != nil {
			slog.Warn("memory: vec sidecar write failed, disabling for this session", "error", err)
			s.vec = false
		}
	}

	return nil
}

// vecCount and embeddingCount are used to detect drift between the
// authoritative embeddings table and the ANN sidecar, triggering a
// backfill when they diverge.
func (s *SQLiteStore) vecCount() int {
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM vectors_vec`).Scan(&n)
	return n
}

func (s *SQLiteStore) embeddingCount() int {
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n
}

// BackfillVectorIndex repopulates vectors_vec from the authoritative
// embeddings table when their row counts have diverged (e.g. the vec
// table was just created, or rows were inserted before it existed).
func (s *SQLiteStore) BackfillVectorIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.vec {
		return
	}
	if s.vecCount() == s.embeddingCount() {
		return
	}

	rows, err := s.db.Query(`SELECT chunk_id, embedding FROM embeddings`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var id, emb string
		if err := rows.Scan(&id, &emb); err != nil {
			continue
		}
		s.db.Exec(`INSERT OR REPLACE INTO vectors_vec (chunk_id, embedding) VALUES (?, ?)`, id, emb)
	}
}

// ANNCandidates performs an approximate nearest-neighbor lookup against
// vectors_vec, returning up to k chunk ids and distances. Per the vec
// virtual table's usage constraints, this never joins it with chunks
// directly — metadata for the returned ids is resolved separately by the
// caller in a second statement.
func (s *SQLiteStore) ANNCandidates(query []float32, k int) ([]string, []float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.vec {
		return nil, nil, false
	}

	qJSON, err := json.Marshal(query)
	if err != nil {
		return nil, nil, false
	}

	rows, err := s.db.Query(`SELECT chunk_id, distance FROM vectors_vec
		WHERE embedding MATCH ? AND k = ? ORDER BY distance LIMIT ?`, string(qJSON), k, k)
	if err != nil {
		return nil, nil, false
	}
	defer rows.Close()

	var ids []string
	var dists []float64
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		ids = append(ids, id)
		dists = append(dists, dist)
	}
	return ids, dists, true
}

// ChunkCount returns the number of stored chunks.
func (s *SQLiteStore) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count)
	return count
}

// Close closes the SQLite database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ContentHash returns the SHA-256 fingerprint of a source's full text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h[:])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
