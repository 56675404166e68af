package memory

import (
	"context"
	"log/slog"
	"math"
)

// EmbeddingProvider generates vector embeddings for text. Concrete
// providers (an API-backed embedder, a local model) are wired in by the
// caller; the indexer works against this seam so it stays provider-agnostic.
type EmbeddingProvider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CosineSimilarity returns the cosine similarity of two vectors in [-1, 1].
// Mismatched lengths or zero vectors return 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

const embedBatchSize = 64

// EmbedMissing generates and stores embeddings for chunks lacking one,
// batched to bound request size. A batch failure is logged and skipped
// rather than aborting the whole pass, so one bad chunk or a transient
// provider error doesn't block embeddings for the rest of the source set.
func EmbedMissing(ctx context.Context, store *SQLiteStore, provider EmbeddingProvider) error {
	if provider == nil {
		return nil
	}

	ids, texts, err := store.ChunksMissingEmbeddings()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	for start := 0; start < len(ids); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batchIDs := ids[start:end]
		batchTexts := texts[start:end]

		vecs, err := provider.Embed(ctx, batchTexts)
		if err != nil {
			slog.Error("memory: embedding batch failed, skipping", "size", len(batchTexts), "error", err)
			continue
		}
		for i, id := range batchIDs {
			if i >= len(vecs) {
				break
			}
			if err := store.SetEmbedding(id, vecs[i], provider.Model()); err != nil {
				slog.Error("memory: store embedding failed", "chunk", id, "error", err)
			}
		}
	}

	return nil
}
