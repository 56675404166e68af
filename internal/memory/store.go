// Package memory indexes markdown under the memory root and the daily
// conversation journal into a searchable chunk store, supporting full-text
// (FTS5) and vector semantic search over the result.
package memory

import "time"

// Chunk is a section (or sub-section, for oversized headings) of a source
// markdown file, addressed by a stable source tag plus its position in that
// source's heading tree.
type Chunk struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"` // e.g. "memory:user", "journal:2026/02-03"
	Title       string    `json:"title"`
	Breadcrumbs []string  `json:"breadcrumbs"`
	Content     string    `json:"content"`
	Preview     string    `json:"preview"`
	LineStart   int       `json:"lineStart"`
	LineEnd     int       `json:"lineEnd"`
	TokenCount  int       `json:"tokenCount"`
	CreatedAt   time.Time `json:"createdAt"`

	// Path is the file the chunk was read from, relative to the memory
	// root, kept for path-prefix filtering and for resolving GetFile reads.
	Path string `json:"path"`
}

// SearchResult is a single ranked hit from a memory search.
type SearchResult struct {
	ChunkID     string   `json:"chunkId"`
	Source      string   `json:"source"`
	Path        string   `json:"path"`
	Title       string   `json:"title"`
	Breadcrumbs []string `json:"breadcrumbs"`
	LineStart   int      `json:"lineStart"`
	LineEnd     int      `json:"lineEnd"`
	Score       float64  `json:"score"`
	Snippet     string   `json:"snippet"`
	MatchType   string   `json:"matchType"` // "fts", "vector", or "hybrid"
}

// Match type tags. A chunk surfaced by only one search path keeps that
// path's tag; one surfaced by both is re-tagged "hybrid" during fusion.
const (
	MatchFTS    = "fts"
	MatchVector = "vector"
	MatchHybrid = "hybrid"
)

// SearchOptions configures a search query.
type SearchOptions struct {
	MaxResults int     // top-K results
	MinScore   float64 // minimum fused score, 0 disables the filter
	Source     string  // filter by exact source tag
	PathPrefix string  // filter by path prefix
}
