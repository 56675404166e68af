package memory

import (
	"context"
	"sort"
	"strings"
)

const rrfK = 60

// HybridSearch runs FTS and (if a provider is configured) vector search and
// fuses them with Reciprocal Rank Fusion. A failure in either path is
// swallowed and the other path's results are returned alone; if both fail,
// the FTS error is surfaced.
func HybridSearch(ctx context.Context, store *SQLiteStore, provider EmbeddingProvider, query string, opts SearchOptions) ([]SearchResult, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 6
	}

	ftsResults, ftsErr := store.SearchFTS(query, opts)

	var vecResults []SearchResult
	var vecErr error
	if provider != nil {
		vecResults, vecErr = vectorSearch(ctx, store, provider, query, opts)
	}

	switch {
	case (provider == nil || vecErr != nil) && ftsErr == nil:
		return capResults(ftsResults, maxResults), nil
	case ftsErr != nil && vecErr == nil:
		return capResults(vecResults, maxResults), nil
	case ftsErr != nil && vecErr != nil:
		return nil, ftsErr
	}

	fused := reciprocalRankFusion(ftsResults, vecResults)

	if opts.MinScore > 0 {
		filtered := fused[:0]
		for _, r := range fused {
			if r.Score >= opts.MinScore {
				filtered = append(filtered, r)
			}
		}
		fused = filtered
	}

	return capResults(fused, maxResults), nil
}

func capResults(results []SearchResult, max int) []SearchResult {
	if len(results) > max {
		return results[:max]
	}
	return results
}

// reciprocalRankFusion combines two ranked lists: a candidate appearing at
// rank i (0-indexed) in a list contributes 1/(k+i+1) to its fused score.
// A candidate present in both lists is tagged hybrid; one present in only
// one list keeps that list's match type.
func reciprocalRankFusion(fts, vec []SearchResult) []SearchResult {
	type entry struct {
		result   SearchResult
		score    float64
		inFTS    bool
		inVector bool
	}

	byID := make(map[string]*entry)
	order := make([]string, 0, len(fts)+len(vec))

	for i, r := range fts {
		e, ok := byID[r.ChunkID]
		if !ok {
			e = &entry{result: r}
			byID[r.ChunkID] = e
			order = append(order, r.ChunkID)
		}
		e.score += 1.0 / float64(rrfK+i+1)
		e.inFTS = true
	}

	for i, r := range vec {
		e, ok := byID[r.ChunkID]
		if !ok {
			e = &entry{result: r}
			byID[r.ChunkID] = e
			order = append(order, r.ChunkID)
		}
		e.score += 1.0 / float64(rrfK+i+1)
		e.inVector = true
	}

	results := make([]SearchResult, 0, len(order))
	for _, id := range order {
		e := byID[id]
		r := e.result
		r.Score = e.score
		switch {
		case e.inFTS && e.inVector:
			r.MatchType = MatchHybrid
		case e.inVector:
			r.MatchType = MatchVector
		default:
			r.MatchType = MatchFTS
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results
}

// vectorSearch embeds the query and ranks chunks by cosine similarity,
// preferring an approximate lookup against the vec sidecar index when one
// is available and backfilled, falling back to a brute-force scan over
// every stored embedding otherwise.
func vectorSearch(ctx context.Context, store *SQLiteStore, provider EmbeddingProvider, query string, opts SearchOptions) ([]SearchResult, error) {
	embeddings, err := provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, nil
	}
	queryVec := embeddings[0]

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 10
	}

	store.BackfillVectorIndex()
	if ids, distances, ok := store.ANNCandidates(queryVec, limit*3); ok && len(ids) > 0 {
		return annResultsFromCandidates(store, ids, distances, opts, limit)
	}

	return bruteForceVectorSearch(store, queryVec, opts, limit)
}

// annResultsFromCandidates resolves ANN candidate ids to chunk metadata in
// a second statement, per the two-step lookup the vec virtual table
// requires (it must never be joined directly to the chunks table).
func annResultsFromCandidates(store *SQLiteStore, ids []string, distances []float64, opts SearchOptions, limit int) ([]SearchResult, error) {
	var results []SearchResult
	for i, id := range ids {
		c, ok := store.GetChunk(id)
		if !ok {
			continue
		}
		if opts.Source != "" && c.Source != opts.Source {
			continue
		}
		if opts.PathPrefix != "" && !strings.HasPrefix(c.Path, opts.PathPrefix) {
			continue
		}

		results = append(results, SearchResult{
			ChunkID:     c.ID,
			Source:      c.Source,
			Path:        c.Path,
			Title:       c.Title,
			Breadcrumbs: c.Breadcrumbs,
			LineStart:   c.LineStart,
			LineEnd:     c.LineEnd,
			Score:       1 - distances[i],
			Snippet:     preview(c.Content, 700),
			MatchType:   MatchVector,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return capResults(results, limit), nil
}

func bruteForceVectorSearch(store *SQLiteStore, queryVec []float32, opts SearchOptions, limit int) ([]SearchResult, error) {
	chunks, vecs, err := store.ChunksWithEmbeddings(opts)
	if err != nil {
		return nil, err
	}

	type scored struct {
		chunk Chunk
		score float64
	}

	var scoredChunks []scored
	for i, c := range chunks {
		sim := CosineSimilarity(queryVec, vecs[i])
		if sim > 0 {
			scoredChunks = append(scoredChunks, scored{chunk: c, score: sim})
		}
	}

	sort.Slice(scoredChunks, func(i, j int) bool { return scoredChunks[i].score > scoredChunks[j].score })
	if len(scoredChunks) > limit {
		scoredChunks = scoredChunks[:limit]
	}

	results := make([]SearchResult, len(scoredChunks))
	for i, s := range scoredChunks {
		results[i] = SearchResult{
			ChunkID:     s.chunk.ID,
			Source:      s.chunk.Source,
			Path:        s.chunk.Path,
			Title:       s.chunk.Title,
			Breadcrumbs: s.chunk.Breadcrumbs,
			LineStart:   s.chunk.LineStart,
			LineEnd:     s.chunk.LineEnd,
			Score:       s.score,
			Snippet:     preview(s.chunk.Content, 700),
			MatchType:   MatchVector,
		}
	}
	return results, nil
}
