// Package vectorstore provides interfaces and implementations for image vector storage and similarity search.
package vectorstore

import (
	"context"
	"time"
)

// ImageRecord is a stored image with its embedding.
type ImageRecord struct {
	ID      int64
	URL     string
	Vector  []float32
	AddedAt time.Time
}

// Candidate is a single coarse search hit. Vector is populated lazily:
// the coarse search returns similarity only, and the reranker fetches
// vectors for the candidates it actually scores.
type Candidate struct {
	ID         int64
	URL        string
	Similarity float32
	Rank       int
	Vector     []float32
	LTRScore   float64
	Reranked   bool
}

// VectorStore defines the interface for image vector storage operations
type VectorStore interface {
	// EnsureCollection creates the backing collection if it does not exist
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or replaces an image vector by ID
	Upsert(ctx context.Context, id int64, url string, vector []float32) error

	// UpsertBatch inserts or replaces multiple image vectors in one call
	UpsertBatch(ctx context.Context, records []ImageRecord) error

	// Delete removes an image by ID
	Delete(ctx context.Context, id int64) error

	// Search performs cosine similarity search and returns candidates
	// ordered by descending similarity, ranks starting at 1
	Search(ctx context.Context, vector []float32, limit int) ([]Candidate, error)

	// QueryByIDs fetches stored records (including vectors) for the given IDs.
	// Missing IDs are silently absent from the result.
	QueryByIDs(ctx context.Context, ids []int64) ([]ImageRecord, error)

	// All lists stored images with offset/limit pagination
	All(ctx context.Context, includeVectors bool, limit, offset int) ([]ImageRecord, error)

	// Count returns the number of stored images
	Count(ctx context.Context) (int64, error)
}
