package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestChunkMarkdown_HeadingBreadcrumbs(t *testing.T) {
	text := `# Title

Intro paragraph.

## Section A

Some content about section A.

### Subsection A.1

Deeper content here.

## Section B

Content for section B.`

	chunks := ChunkMarkdown("memory:test", text)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}

	var foundSubsection bool
	for _, c := range chunks {
		if c.Title == "Subsection A.1" {
			foundSubsection = true
			want := []string{"Title", "Section A"}
			if len(c.Breadcrumbs) != len(want) {
				t.Fatalf("breadcrumbs = %v, want %v", c.Breadcrumbs, want)
			}
			for i := range want {
				if c.Breadcrumbs[i] != want[i] {
					t.Errorf("breadcrumbs[%d] = %q, want %q", i, c.Breadcrumbs[i], want[i])
				}
			}
		}
	}
	if !foundSubsection {
		t.Fatal("expected a chunk for Subsection A.1")
	}
}

func TestChunkMarkdown_OversizedSectionSplitsWithContinuationTitle(t *testing.T) {
	var big string
	for i := 0; i < 400; i++ {
		big += "This is a fairly long sentence used to pad out a section. "
	}
	text := "# Huge Section\n\n" + big

	chunks := ChunkMarkdown("memory:test", text)
	if len(chunks) < 2 {
		t.Fatalf("expected the oversized section to split, got %d chunk(s)", len(chunks))
	}
	if chunks[0].Title != "Huge Section" {
		t.Errorf("first sub-chunk title = %q", chunks[0].Title)
	}
	if chunks[1].Title != "Huge Section (cont.)" {
		t.Errorf("second sub-chunk title = %q", chunks[1].Title)
	}
	for _, c := range chunks {
		if c.TokenCount > chunkTokenCap+chunkOverlapToken {
			t.Errorf("chunk token count %d exceeds cap+overlap", c.TokenCount)
		}
	}
}

func TestSQLiteStore_ReindexSourceIsAtomic(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	chunks := ChunkMarkdown("memory:user", "# User\n\nfirst")
	if err := store.ReindexSource("memory:user", ContentHash("first"), chunks); err != nil {
		t.Fatalf("ReindexSource: %v", err)
	}
	if count := store.ChunkCount(); count != len(chunks) {
		t.Fatalf("ChunkCount = %d, want %d", count, len(chunks))
	}

	fp, ok := store.SourceFingerprint("memory:user")
	if !ok || fp != ContentHash("first") {
		t.Fatalf("fingerprint = %q, %v", fp, ok)
	}

	newChunks := ChunkMarkdown("memory:user", "# User\n\nsecond")
	if err := store.ReindexSource("memory:user", ContentHash("second"), newChunks); err != nil {
		t.Fatalf("ReindexSource (update): %v", err)
	}
	if count := store.ChunkCount(); count != len(newChunks) {
		t.Fatalf("after reindex, ChunkCount = %d, want %d", count, len(newChunks))
	}

	results, err := store.SearchFTS("first", SearchOptions{MaxResults: 10})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected old content gone, got %v", results)
	}
}

func TestSQLiteStore_FTSSearch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	chunks := []Chunk{
		{ID: "memo#0", Source: "memory:root", Path: "MEMORY.md", Content: "The project uses Go for backend development with SQLite as the database"},
		{ID: "memo#1", Source: "memory:root", Path: "MEMORY.md", Content: "Authentication is handled via JWT tokens and API keys"},
		{ID: "notes#0", Source: "memory:notes", Path: "memory/notes.md", Content: "Go is a compiled programming language designed at Google"},
	}
	bySource := make(map[string][]Chunk)
	for _, c := range chunks {
		bySource[c.Source] = append(bySource[c.Source], c)
	}
	for source, cs := range bySource {
		if err := store.ReindexSource(source, "fp-"+source, cs); err != nil {
			t.Fatalf("ReindexSource: %v", err)
		}
	}

	results, err := store.SearchFTS("Go", SearchOptions{MaxResults: 10})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(results) < 2 {
		t.Errorf("expected at least 2 results for 'Go', got %d", len(results))
	}

	results, err = store.SearchFTS("authentication", SearchOptions{MaxResults: 10})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result for 'authentication', got %d", len(results))
	}

	results, err = store.SearchFTS("Go", SearchOptions{MaxResults: 10, PathPrefix: "memory/"})
	if err != nil {
		t.Fatalf("SearchFTS with path filter: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result for 'Go' in memory/, got %d", len(results))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	if got := sanitizeFTSQuery(`what's "up" (there)?`); got != "what s up there" {
		t.Errorf("sanitizeFTSQuery = %q", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if sim := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0}); sim < 0.99 {
		t.Errorf("identical vectors: similarity = %f, want ~1.0", sim)
	}
	if sim := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); sim > 0.01 {
		t.Errorf("orthogonal vectors: similarity = %f, want ~0.0", sim)
	}
	if sim := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); sim > -0.99 {
		t.Errorf("opposite vectors: similarity = %f, want ~-1.0", sim)
	}
}

func TestManager_IndexAndSearch(t *testing.T) {
	tmpDir := t.TempDir()

	os.WriteFile(filepath.Join(tmpDir, "MEMORY.md"), []byte("# Project Notes\n\nThe project uses Go for backend.\nDatabase is SQLite.\n\n## Architecture\n\nMicroservices pattern with message bus."), 0o644)

	memDir := filepath.Join(tmpDir, "notes")
	os.MkdirAll(memDir, 0o755)
	os.WriteFile(filepath.Join(memDir, "config.md"), []byte("# Config\n\nConfiguration uses TOML format.\nSupports hot-reload via file watcher."), 0o644)

	cfg := DefaultManagerConfig(tmpDir)
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	if err := mgr.IndexAll(ctx); err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if count := mgr.ChunkCount(); count == 0 {
		t.Fatal("no chunks indexed")
	}

	results, err := mgr.Search(ctx, "Go backend", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected search results for 'Go backend'")
	}

	results, err = mgr.Search(ctx, "configuration reload", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected search results for 'configuration reload'")
	}
}

// TestManager_ReindexOnChange: write USER.md = "first", index, search finds
// it; overwrite to "second", reindex, the old chunk is gone and the
// fingerprint has changed.
func TestManager_ReindexOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	userFile := filepath.Join(tmpDir, "USER.md")
	os.WriteFile(userFile, []byte("first"), 0o644)

	cfg := DefaultManagerConfig(tmpDir)
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	if err := mgr.IndexAll(ctx); err != nil {
		t.Fatalf("IndexAll: %v", err)
	}

	results, err := mgr.Search(ctx, "first", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected to find 'first'")
	}

	fpBefore, _ := mgr.store.SourceFingerprint("memory:user")

	os.WriteFile(userFile, []byte("second"), 0o644)
	if err := mgr.IndexAll(ctx); err != nil {
		t.Fatalf("IndexAll (second pass): %v", err)
	}

	fpAfter, ok := mgr.store.SourceFingerprint("memory:user")
	if !ok || fpAfter == fpBefore {
		t.Fatalf("expected fingerprint to change, before=%q after=%q", fpBefore, fpAfter)
	}

	results, err = mgr.Search(ctx, "first", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("Search after update: %v", err)
	}
	for _, r := range results {
		if r.Source == "memory:user" {
			t.Fatalf("expected no 'first' chunk to remain, got %+v", r)
		}
	}

	results, err = mgr.Search(ctx, "second", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("Search for 'second': %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected to find 'second'")
	}
}

// TestManager_IndexAllIsIdempotent reindexes an unchanged tree twice and
// checks the chunk count and fingerprints are unaffected by the repeat.
func TestManager_IndexAllIsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "MEMORY.md"), []byte("# Notes\n\nstable content"), 0o644)

	cfg := DefaultManagerConfig(tmpDir)
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	if err := mgr.IndexAll(ctx); err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	firstCount := mgr.ChunkCount()
	fp1, _ := mgr.store.SourceFingerprint("memory:memory")

	if err := mgr.IndexAll(ctx); err != nil {
		t.Fatalf("IndexAll (second pass): %v", err)
	}
	secondCount := mgr.ChunkCount()
	fp2, _ := mgr.store.SourceFingerprint("memory:memory")

	if firstCount != secondCount {
		t.Errorf("chunk count changed across idempotent reindex: %d -> %d", firstCount, secondCount)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint changed across idempotent reindex: %q -> %q", fp1, fp2)
	}
}

// TestHybridSearch_RRFFusion: chunk A names the koala as a marsupial, so FTS
// returns it for the query "marsupial"; chunk B is a paraphrase that only the (fake) vector
// search finds. RRF should rank A above B since A scores in both lists, and
// tag A hybrid.
func TestHybridSearch_RRFFusion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	chunkA := Chunk{ID: "wild#0", Source: "memory:wild", Path: "wild.md", Content: "The koala is a marsupial that eats eucalyptus leaves all day."}
	chunkB := Chunk{ID: "wild#1", Source: "memory:wild", Path: "wild.md", Content: "Pouched mammals that carry their young are common in Australia."}
	if err := store.ReindexSource("memory:wild", "fp", []Chunk{chunkA, chunkB}); err != nil {
		t.Fatalf("ReindexSource: %v", err)
	}

	provider := &fakeEmbeddingProvider{
		vectors: map[string][]float32{
			"marsupial": {0, 1},
			chunkA.Content: {0.2, 0.8}, // loosely related
			chunkB.Content: {0, 1},     // strong paraphrase match
		},
	}
	for id, text := range map[string]string{chunkA.ID: chunkA.Content, chunkB.ID: chunkB.Content} {
		vecs, _ := provider.Embed(context.Background(), []string{text})
		store.SetEmbedding(id, vecs[0], provider.Model())
	}

	results, err := HybridSearch(context.Background(), store, provider, "marsupial", SearchOptions{MaxResults: 10})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(results) < 2 {
		t.Fatalf("expected both chunks represented, got %v", results)
	}

	byID := make(map[string]SearchResult)
	for _, r := range results {
		byID[r.ChunkID] = r
	}

	a, ok := byID[chunkA.ID]
	if !ok {
		t.Fatal("expected chunk A in fused results")
	}
	if a.MatchType != MatchHybrid {
		t.Errorf("chunk A matchType = %q, want hybrid", a.MatchType)
	}

	b, ok := byID[chunkB.ID]
	if !ok {
		t.Fatal("expected chunk B in fused results")
	}
	if b.MatchType != MatchVector {
		t.Errorf("chunk B matchType = %q, want vector", b.MatchType)
	}

	if results[0].ChunkID != chunkA.ID {
		t.Errorf("expected chunk A (present in both lists) ranked first, got %q", results[0].ChunkID)
	}
}

type fakeEmbeddingProvider struct {
	vectors map[string][]float32
}

func (f *fakeEmbeddingProvider) Name() string  { return "fake" }
func (f *fakeEmbeddingProvider) Model() string { return "fake-model" }
func (f *fakeEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0, 0}
	}
	return out, nil
}

func TestManager_GetFile(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, "MEMORY.md"), []byte("line1\nline2\nline3\nline4\nline5"), 0o644)

	cfg := DefaultManagerConfig(tmpDir)
	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.Close()

	text, err := mgr.GetFile("MEMORY.md", 0, 0)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if text != "line1\nline2\nline3\nline4\nline5" {
		t.Errorf("full file = %q", text)
	}

	text, err = mgr.GetFile("MEMORY.md", 2, 3)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if text != "line2\nline3" {
		t.Errorf("lines 2-3 = %q", text)
	}
}

func TestEmbeddingCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	chunk := Chunk{ID: "memo#0", Source: "memory:root", Path: "MEMORY.md", Content: "hello world this is a test"}
	if err := store.ReindexSource(chunk.Source, "fp", []Chunk{chunk}); err != nil {
		t.Fatalf("ReindexSource: %v", err)
	}

	ids, _, err := store.ChunksMissingEmbeddings()
	if err != nil || len(ids) != 1 {
		t.Fatalf("ChunksMissingEmbeddings = %v, %v", ids, err)
	}

	if err := store.SetEmbedding(chunk.ID, []float32{0.1, 0.2, 0.3}, "fake-model"); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	ids, _, err = store.ChunksMissingEmbeddings()
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no chunks missing embeddings after SetEmbedding, got %v", ids)
	}
}

func TestSourceTagForPath(t *testing.T) {
	cases := map[string]string{
		"USER.md":                         "memory:user",
		"MEMORY.md":                       "memory:memory",
		"journal/2026/02-03.md":           "journal:2026/02-03",
		"conversations/2026/02-03-claude.md": "conversations:2026/02-03-claude",
	}
	for in, want := range cases {
		if got := sourceTagForPath(in); got != want {
			t.Errorf("sourceTagForPath(%q) = %q, want %q", in, got, want)
		}
	}
}
