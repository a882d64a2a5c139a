// Package search implements the two-stage search pipeline: coarse vector
// search widened for reranking, threshold filtering, and fine ranking.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spxlab/picsearch/internal/embedder"
	"github.com/spxlab/picsearch/internal/vectorstore"
)

// Pipeline stage names reported in search responses.
const (
	StageCoarseRanking      = "coarse_ranking"
	StageThresholdFiltering = "threshold_filtering"
	StageFineRanking        = "fine_ranking"
)

// Reranker is the fine-ranking capability the coordinator consumes. The
// returned bool reports whether reranking actually executed.
type Reranker interface {
	Rerank(ctx context.Context, queryVector []float32, candidates []vectorstore.Candidate) ([]vectorstore.Candidate, bool)
	Ready() bool
}

// Result is one search hit as returned to clients.
type Result struct {
	ID         int64   `json:"id"`
	URL        string  `json:"url"`
	Similarity float32 `json:"similarity"`
	Rank       int     `json:"rank"`
	LTRScore   float64 `json:"ltr_score,omitempty"`
	Reranked   bool    `json:"reranked,omitempty"`
}

// Response is the full search response. Search never returns an error to
// its caller: failures surface as Success=false with empty results.
type Response struct {
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	Query          string   `json:"query"`
	Results        []Result `json:"results"`
	ResultsCount   int      `json:"results_count"`
	PipelineStages []string `json:"pipeline_stages"`
}

// Options holds coordinator tuning parameters.
type Options struct {
	CoarseMultiplier int
	MaxCandidates    int
	DefaultTopK      int
	DefaultThreshold float32
}

// Coordinator runs the two-stage search pipeline. Whether reranking
// participates is decided from the reranker's readiness at construction
// time, not per request; a readiness change takes effect on the next
// coordinator init.
type Coordinator struct {
	embedder         embedder.Embedder
	store            vectorstore.VectorStore
	reranker         Reranker
	opts             Options
	rerankingEnabled bool
	logger           *slog.Logger
}

// NewCoordinator creates a coordinator and latches the reranking decision.
func NewCoordinator(emb embedder.Embedder, store vectorstore.VectorStore, reranker Reranker, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CoarseMultiplier <= 0 {
		opts.CoarseMultiplier = 3
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 100
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 10
	}

	enabled := reranker != nil && reranker.Ready()
	logger.Info("search coordinator initialized", "reranking_enabled", enabled)

	return &Coordinator{
		embedder:         emb,
		store:            store,
		reranker:         reranker,
		opts:             opts,
		rerankingEnabled: enabled,
		logger:           logger,
	}
}

// RerankingEnabled reports the latched reranking decision.
func (c *Coordinator) RerankingEnabled() bool {
	return c.rerankingEnabled
}

// coarseK computes the candidate pool size for the coarse stage. With
// reranking the pool is widened so the fine ranker has signal to work
// with; without it the pool is exactly topK.
func (c *Coordinator) coarseK(topK int) int {
	if !c.rerankingEnabled {
		return topK
	}

	k := topK * c.opts.CoarseMultiplier
	if k > c.opts.MaxCandidates {
		k = c.opts.MaxCandidates
	}
	floor := topK + 10
	if floor > 20 {
		floor = 20
	}
	if k < floor {
		k = floor
	}
	return k
}

// Search runs the pipeline for a text query. topK<=0 and threshold<0 fall
// back to the configured defaults.
func (c *Coordinator) Search(ctx context.Context, query string, topK int, threshold float32) *Response {
	if topK <= 0 {
		topK = c.opts.DefaultTopK
	}
	if threshold < 0 {
		threshold = c.opts.DefaultThreshold
	}

	resp := &Response{
		Query:   query,
		Results: []Result{},
	}

	queryVector, err := c.embedder.EncodeText(ctx, query)
	if err != nil {
		c.logger.Error("query embedding failed", "query", query, "error", err)
		resp.Error = fmt.Sprintf("failed to embed query: %v", err)
		return resp
	}

	candidates, err := c.store.Search(ctx, queryVector, c.coarseK(topK))
	if err != nil {
		c.logger.Error("coarse search failed", "query", query, "error", err)
		resp.Error = fmt.Sprintf("coarse search failed: %v", err)
		return resp
	}
	resp.PipelineStages = append(resp.PipelineStages, StageCoarseRanking)

	if threshold > 0 {
		filtered := candidates[:0]
		for _, cand := range candidates {
			if cand.Similarity >= threshold {
				filtered = append(filtered, cand)
			}
		}
		candidates = filtered
		resp.PipelineStages = append(resp.PipelineStages, StageThresholdFiltering)
	}

	if len(candidates) == 0 {
		resp.Success = true
		return resp
	}

	if c.rerankingEnabled {
		var reranked bool
		candidates, reranked = c.reranker.Rerank(ctx, queryVector, candidates)
		if reranked {
			resp.PipelineStages = append(resp.PipelineStages, StageFineRanking)
		}
	}

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	resp.Results = make([]Result, len(candidates))
	for i, cand := range candidates {
		resp.Results[i] = Result{
			ID:         cand.ID,
			URL:        cand.URL,
			Similarity: cand.Similarity,
			Rank:       cand.Rank,
			LTRScore:   cand.LTRScore,
			Reranked:   cand.Reranked,
		}
	}
	resp.ResultsCount = len(resp.Results)
	resp.Success = true
	return resp
}

// AddImage embeds raw image bytes and stores the vector under the given ID.
func (c *Coordinator) AddImage(ctx context.Context, id int64, url string, image []byte) error {
	vector, err := c.embedder.EncodeImage(ctx, image)
	if err != nil {
		return fmt.Errorf("failed to embed image %d: %w", id, err)
	}
	if err := c.store.Upsert(ctx, id, url, vector); err != nil {
		return fmt.Errorf("failed to store image %d: %w", id, err)
	}
	return nil
}

// ImageUpload is one item of a batch image ingestion.
type ImageUpload struct {
	ID    int64
	URL   string
	Image []byte
}

// AddImageBatch embeds and stores a batch of images. Items that fail to
// embed are reported by ID; the rest are stored in one upsert.
func (c *Coordinator) AddImageBatch(ctx context.Context, uploads []ImageUpload) (added int, failed []int64, err error) {
	records := make([]vectorstore.ImageRecord, 0, len(uploads))
	for _, up := range uploads {
		vector, embErr := c.embedder.EncodeImage(ctx, up.Image)
		if embErr != nil {
			c.logger.Warn("failed to embed image in batch", "id", up.ID, "error", embErr)
			failed = append(failed, up.ID)
			continue
		}
		records = append(records, vectorstore.ImageRecord{
			ID:     up.ID,
			URL:    up.URL,
			Vector: vector,
		})
	}

	if len(records) > 0 {
		if err := c.store.UpsertBatch(ctx, records); err != nil {
			return 0, failed, fmt.Errorf("failed to store image batch: %w", err)
		}
	}
	return len(records), failed, nil
}

// RemoveImage deletes a stored image.
func (c *Coordinator) RemoveImage(ctx context.Context, id int64) error {
	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove image %d: %w", id, err)
	}
	return nil
}

// Images lists stored images with pagination.
func (c *Coordinator) Images(ctx context.Context, includeVectors bool, limit, offset int) ([]vectorstore.ImageRecord, error) {
	return c.store.All(ctx, includeVectors, limit, offset)
}

// Count returns the number of stored images.
func (c *Coordinator) Count(ctx context.Context) (int64, error) {
	return c.store.Count(ctx)
}

// Healthy reports whether the vector store answers.
func (c *Coordinator) Healthy(ctx context.Context) bool {
	_, err := c.store.Count(ctx)
	return err == nil
}
