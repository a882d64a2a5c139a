package search

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spxlab/picsearch/internal/vectorstore"
)

type stubEmbedder struct {
	dim       int
	encodeErr error
}

func (s *stubEmbedder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if s.encodeErr != nil {
		return nil, s.encodeErr
	}
	vec := make([]float32, s.dim)
	vec[0] = 1
	return vec, nil
}

func (s *stubEmbedder) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	if s.encodeErr != nil {
		return nil, s.encodeErr
	}
	return make([]float32, s.dim), nil
}

func (s *stubEmbedder) Dimension() int    { return s.dim }
func (s *stubEmbedder) ModelName() string { return "stub" }

type stubStore struct {
	hits      []vectorstore.Candidate
	searchErr error
	lastLimit int

	upserts int
	batches [][]vectorstore.ImageRecord
	deletes []int64
}

func (s *stubStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }

func (s *stubStore) Upsert(ctx context.Context, id int64, url string, vector []float32) error {
	s.upserts++
	return nil
}

func (s *stubStore) UpsertBatch(ctx context.Context, records []vectorstore.ImageRecord) error {
	s.batches = append(s.batches, records)
	return nil
}

func (s *stubStore) Delete(ctx context.Context, id int64) error {
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *stubStore) Search(ctx context.Context, vector []float32, limit int) ([]vectorstore.Candidate, error) {
	s.lastLimit = limit
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if limit > len(s.hits) {
		limit = len(s.hits)
	}
	return append([]vectorstore.Candidate(nil), s.hits[:limit]...), nil
}

func (s *stubStore) QueryByIDs(ctx context.Context, ids []int64) ([]vectorstore.ImageRecord, error) {
	return nil, nil
}

func (s *stubStore) All(ctx context.Context, includeVectors bool, limit, offset int) ([]vectorstore.ImageRecord, error) {
	return nil, nil
}

func (s *stubStore) Count(ctx context.Context) (int64, error) { return int64(len(s.hits)), nil }

// stubReranker reverses the candidate order when it executes, which makes
// the fine-ranking effect visible in assertions.
type stubReranker struct {
	ready    bool
	executes bool
	calls    int
}

func (r *stubReranker) Ready() bool { return r.ready }

func (r *stubReranker) Rerank(ctx context.Context, queryVector []float32, candidates []vectorstore.Candidate) ([]vectorstore.Candidate, bool) {
	r.calls++
	if !r.executes {
		return candidates, false
	}
	out := make([]vectorstore.Candidate, len(candidates))
	for i := range candidates {
		out[i] = candidates[len(candidates)-1-i]
		out[i].Rank = i + 1
		out[i].LTRScore = 1 - float64(i)*0.1
		out[i].Reranked = true
	}
	return out, true
}

func storeHits(n int) []vectorstore.Candidate {
	hits := make([]vectorstore.Candidate, n)
	for i := range hits {
		hits[i] = vectorstore.Candidate{
			ID:         int64(i + 1),
			URL:        fmt.Sprintf("http://img/%d", i+1),
			Similarity: 1 - float32(i)*0.01,
			Rank:       i + 1,
		}
	}
	return hits
}

func newTestCoordinator(store *stubStore, reranker Reranker) *Coordinator {
	return NewCoordinator(&stubEmbedder{dim: 4}, store, reranker, Options{}, nil)
}

func TestCoarseKWidening(t *testing.T) {
	tests := []struct {
		name    string
		topK    int
		enabled bool
		opts    Options
		want    int
	}{
		{"disabled uses topK", 10, false, Options{}, 10},
		{"disabled small topK", 3, false, Options{}, 3},
		{"multiplier", 10, true, Options{}, 30},
		{"capped at max candidates", 40, true, Options{}, 100},
		{"floor topK plus ten", 4, true, Options{CoarseMultiplier: 1}, 14},
		{"floor capped at twenty", 15, true, Options{CoarseMultiplier: 1}, 20},
		{"custom max", 10, true, Options{MaxCandidates: 25}, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reranker Reranker
			if tt.enabled {
				reranker = &stubReranker{ready: true}
			}
			c := NewCoordinator(&stubEmbedder{dim: 4}, &stubStore{}, reranker, tt.opts, nil)
			if got := c.coarseK(tt.topK); got != tt.want {
				t.Errorf("coarseK(%d) = %d, want %d", tt.topK, got, tt.want)
			}
		})
	}
}

func TestRerankingLatchedAtConstruction(t *testing.T) {
	if c := newTestCoordinator(&stubStore{}, nil); c.RerankingEnabled() {
		t.Error("reranking enabled without a reranker")
	}
	if c := newTestCoordinator(&stubStore{}, &stubReranker{ready: false}); c.RerankingEnabled() {
		t.Error("reranking enabled with an unready reranker")
	}
	if c := newTestCoordinator(&stubStore{}, &stubReranker{ready: true}); !c.RerankingEnabled() {
		t.Error("reranking disabled with a ready reranker")
	}
}

func TestSearchCoarseOnly(t *testing.T) {
	store := &stubStore{hits: storeHits(30)}
	c := newTestCoordinator(store, nil)

	resp := c.Search(context.Background(), "sunset", 10, 0)
	if !resp.Success {
		t.Fatalf("search failed: %s", resp.Error)
	}
	if resp.ResultsCount != 10 || len(resp.Results) != 10 {
		t.Fatalf("results count = %d, want 10", resp.ResultsCount)
	}
	// Without reranking the store is asked for exactly topK.
	if store.lastLimit != 10 {
		t.Errorf("coarse limit = %d, want 10", store.lastLimit)
	}
	if len(resp.PipelineStages) != 1 || resp.PipelineStages[0] != StageCoarseRanking {
		t.Errorf("pipeline stages = %v, want [coarse_ranking]", resp.PipelineStages)
	}
	for i, r := range resp.Results {
		if r.Rank != i+1 {
			t.Errorf("result %d rank = %d, want %d", i, r.Rank, i+1)
		}
		if r.Reranked {
			t.Errorf("result %d marked reranked without a reranker", i)
		}
	}
}

func TestSearchThresholdFiltersEverything(t *testing.T) {
	// All similarities sit below the threshold.
	store := &stubStore{hits: storeHits(3)}
	for i := range store.hits {
		store.hits[i].Similarity = 0.1
	}
	c := newTestCoordinator(store, nil)

	resp := c.Search(context.Background(), "sunset", 10, 0.2)
	if !resp.Success {
		t.Fatalf("search failed: %s", resp.Error)
	}
	if resp.ResultsCount != 0 || len(resp.Results) != 0 {
		t.Errorf("results count = %d, want 0", resp.ResultsCount)
	}
	want := []string{StageCoarseRanking, StageThresholdFiltering}
	if len(resp.PipelineStages) != 2 || resp.PipelineStages[0] != want[0] || resp.PipelineStages[1] != want[1] {
		t.Errorf("pipeline stages = %v, want %v", resp.PipelineStages, want)
	}
}

func TestSearchThresholdPartialFilter(t *testing.T) {
	store := &stubStore{hits: storeHits(5)}
	store.hits[3].Similarity = 0.1
	store.hits[4].Similarity = 0.05
	c := newTestCoordinator(store, nil)

	resp := c.Search(context.Background(), "sunset", 10, 0.5)
	if resp.ResultsCount != 3 {
		t.Errorf("results count = %d, want 3", resp.ResultsCount)
	}
	for _, r := range resp.Results {
		if r.Similarity < 0.5 {
			t.Errorf("result %d below threshold: %v", r.ID, r.Similarity)
		}
	}
}

func TestSearchZeroThresholdSkipsFilterStage(t *testing.T) {
	store := &stubStore{hits: storeHits(5)}
	c := newTestCoordinator(store, nil)

	resp := c.Search(context.Background(), "sunset", 10, 0)
	for _, stage := range resp.PipelineStages {
		if stage == StageThresholdFiltering {
			t.Error("threshold stage reported with a zero threshold")
		}
	}
}

func TestSearchWithReranking(t *testing.T) {
	store := &stubStore{hits: storeHits(30)}
	reranker := &stubReranker{ready: true, executes: true}
	c := newTestCoordinator(store, reranker)

	resp := c.Search(context.Background(), "sunset", 10, 0)
	if !resp.Success {
		t.Fatalf("search failed: %s", resp.Error)
	}
	// Widened pool feeds the reranker, output is cut back to topK.
	if store.lastLimit != 30 {
		t.Errorf("coarse limit = %d, want 30", store.lastLimit)
	}
	if reranker.calls != 1 {
		t.Errorf("reranker calls = %d, want 1", reranker.calls)
	}
	if resp.ResultsCount != 10 {
		t.Fatalf("results count = %d, want 10", resp.ResultsCount)
	}

	want := []string{StageCoarseRanking, StageFineRanking}
	if len(resp.PipelineStages) != 2 || resp.PipelineStages[0] != want[0] || resp.PipelineStages[1] != want[1] {
		t.Errorf("pipeline stages = %v, want %v", resp.PipelineStages, want)
	}

	// The stub reverses order, so the last coarse hit comes first.
	if resp.Results[0].ID != 30 {
		t.Errorf("first result id = %d, want 30 after rerank", resp.Results[0].ID)
	}
	for i, r := range resp.Results {
		if !r.Reranked {
			t.Errorf("result %d not marked reranked", i)
		}
		if r.Rank != i+1 {
			t.Errorf("result %d rank = %d, want %d", i, r.Rank, i+1)
		}
	}
}

func TestSearchRerankFallback(t *testing.T) {
	// Reranker is ready at construction but declines at request time, as
	// it does when the model was disabled in between.
	store := &stubStore{hits: storeHits(30)}
	reranker := &stubReranker{ready: true, executes: false}
	c := newTestCoordinator(store, reranker)

	resp := c.Search(context.Background(), "sunset", 10, 0)
	if !resp.Success {
		t.Fatalf("search failed: %s", resp.Error)
	}
	for _, stage := range resp.PipelineStages {
		if stage == StageFineRanking {
			t.Error("fine ranking stage reported for a declined rerank")
		}
	}
	// Coarse order survives, truncated to topK.
	if resp.ResultsCount != 10 || resp.Results[0].ID != 1 {
		t.Errorf("fallback results: count %d first id %d, want 10 and 1", resp.ResultsCount, resp.Results[0].ID)
	}
}

func TestSearchEmbeddingFailure(t *testing.T) {
	c := NewCoordinator(&stubEmbedder{dim: 4, encodeErr: errors.New("clip down")}, &stubStore{}, nil, Options{}, nil)

	resp := c.Search(context.Background(), "sunset", 10, 0)
	if resp.Success {
		t.Error("search reported success despite embedding failure")
	}
	if resp.Error == "" {
		t.Error("failure response carries no error message")
	}
	if len(resp.Results) != 0 {
		t.Errorf("failure response has %d results, want 0", len(resp.Results))
	}
}

func TestSearchStoreFailure(t *testing.T) {
	store := &stubStore{searchErr: errors.New("qdrant unreachable")}
	c := newTestCoordinator(store, nil)

	resp := c.Search(context.Background(), "sunset", 10, 0)
	if resp.Success {
		t.Error("search reported success despite store failure")
	}
	if len(resp.PipelineStages) != 0 {
		t.Errorf("failed coarse stage still reported: %v", resp.PipelineStages)
	}
}

func TestSearchDefaults(t *testing.T) {
	store := &stubStore{hits: storeHits(30)}
	c := NewCoordinator(&stubEmbedder{dim: 4}, store, nil, Options{DefaultTopK: 5}, nil)

	resp := c.Search(context.Background(), "sunset", 0, -1)
	if resp.ResultsCount != 5 {
		t.Errorf("results count = %d, want default topK 5", resp.ResultsCount)
	}
}

func TestAddImageBatchReportsFailures(t *testing.T) {
	store := &stubStore{}
	embFailures := map[int]bool{1: true}
	emb := &countingEmbedder{failOn: embFailures, dim: 4}
	c := NewCoordinator(emb, store, nil, Options{}, nil)

	uploads := []ImageUpload{
		{ID: 10, URL: "http://img/10", Image: []byte("a")},
		{ID: 11, URL: "http://img/11", Image: []byte("b")},
		{ID: 12, URL: "http://img/12", Image: []byte("c")},
	}
	added, failed, err := c.AddImageBatch(context.Background(), uploads)
	if err != nil {
		t.Fatalf("AddImageBatch failed: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if len(failed) != 1 || failed[0] != 11 {
		t.Errorf("failed ids = %v, want [11]", failed)
	}
	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Error("successful uploads not stored in one batch")
	}
}

// countingEmbedder fails image encoding for selected call indices.
type countingEmbedder struct {
	dim    int
	calls  int
	failOn map[int]bool
}

func (e *countingEmbedder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, e.dim), nil
}

func (e *countingEmbedder) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	idx := e.calls
	e.calls++
	if e.failOn[idx] {
		return nil, errors.New("encode failed")
	}
	return make([]float32, e.dim), nil
}

func (e *countingEmbedder) Dimension() int    { return e.dim }
func (e *countingEmbedder) ModelName() string { return "counting" }
