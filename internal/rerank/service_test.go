package rerank

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spxlab/picsearch/internal/ltr"
	"github.com/spxlab/picsearch/internal/repository"
	"github.com/spxlab/picsearch/internal/vectorstore"
)

const testDim = 4

type fakeEmbedder struct{}

func (fakeEmbedder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDim)
	vec[0] = 1
	return vec, nil
}

func (fakeEmbedder) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	return make([]float32, testDim), nil
}

func (fakeEmbedder) Dimension() int    { return testDim }
func (fakeEmbedder) ModelName() string { return "fake" }

type fakeStore struct {
	vectors   map[int64][]float32
	batchErr  error
	batchHits int
	singles   int
}

func (f *fakeStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }
func (f *fakeStore) Upsert(ctx context.Context, id int64, url string, vector []float32) error {
	return nil
}
func (f *fakeStore) UpsertBatch(ctx context.Context, records []vectorstore.ImageRecord) error {
	return nil
}
func (f *fakeStore) Delete(ctx context.Context, id int64) error { return nil }
func (f *fakeStore) Search(ctx context.Context, vector []float32, limit int) ([]vectorstore.Candidate, error) {
	return nil, nil
}

func (f *fakeStore) QueryByIDs(ctx context.Context, ids []int64) ([]vectorstore.ImageRecord, error) {
	if len(ids) > 1 {
		f.batchHits++
		if f.batchErr != nil {
			return nil, f.batchErr
		}
	} else {
		f.singles++
	}
	var records []vectorstore.ImageRecord
	for _, id := range ids {
		if vec, ok := f.vectors[id]; ok {
			records = append(records, vectorstore.ImageRecord{ID: id, Vector: vec})
		}
	}
	return records, nil
}

func (f *fakeStore) All(ctx context.Context, includeVectors bool, limit, offset int) ([]vectorstore.ImageRecord, error) {
	return nil, nil
}
func (f *fakeStore) Count(ctx context.Context) (int64, error) { return int64(len(f.vectors)), nil }

type fakeFeedbackRepo struct {
	events  []*repository.Feedback
	saveErr error
	saved   []*repository.Feedback
}

func (f *fakeFeedbackRepo) Save(ctx context.Context, fb *repository.Feedback) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, fb)
	return nil
}

func (f *fakeFeedbackRepo) GetByQueryID(ctx context.Context, queryID int64) (*repository.Feedback, error) {
	for _, fb := range f.events {
		if fb.QueryID == queryID {
			return fb, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeFeedbackRepo) List(ctx context.Context, filter repository.FeedbackFilter) ([]*repository.Feedback, error) {
	var out []*repository.Feedback
	for _, fb := range f.events {
		if filter.Since != nil && !fb.Date.After(*filter.Since) {
			continue
		}
		out = append(out, fb)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFeedbackRepo) Stats(ctx context.Context) (*repository.FeedbackStats, error) {
	return &repository.FeedbackStats{Total: int64(len(f.events))}, nil
}
func (f *fakeFeedbackRepo) Delete(ctx context.Context, queryID int64) error { return nil }
func (f *fakeFeedbackRepo) DeleteAll(ctx context.Context) error             { return nil }

// testFixture builds a service plus stores seeded with consistent vectors
// and feedback events.
func testFixture(t *testing.T, numEvents int) (*Service, *fakeStore, *fakeFeedbackRepo) {
	t.Helper()

	store := &fakeStore{vectors: make(map[int64][]float32)}
	repo := &fakeFeedbackRepo{}

	for i := 0; i < numEvents; i++ {
		base := int64(i * 10)
		pics := []int64{base + 1, base + 2, base + 3, base + 4}
		for j, id := range pics {
			vec := make([]float32, testDim)
			vec[j%testDim] = 1
			store.vectors[id] = vec
		}
		repo.events = append(repo.events, &repository.Feedback{
			QueryID:  int64(i + 1),
			Query:    fmt.Sprintf("query %d", i%3),
			PicID1:   pics[0],
			PicID2:   pics[1],
			PicID3:   pics[2],
			PicID4:   pics[3],
			ChosenID: pics[1],
			Date:     time.Now().Add(-time.Hour),
		})
	}

	svc, err := New(Config{
		Backend:   "tree",
		Scheme:    ltr.SchemeCompact,
		ModelPath: filepath.Join(t.TempDir(), "model.json"),
	}, store, repo, fakeEmbedder{}, testDim, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc, store, repo
}

func makeCandidates(n int) []vectorstore.Candidate {
	candidates := make([]vectorstore.Candidate, n)
	for i := range candidates {
		vec := make([]float32, testDim)
		vec[i%testDim] = float32(i+1) / float32(n)
		candidates[i] = vectorstore.Candidate{
			ID:         int64(i + 1),
			URL:        fmt.Sprintf("http://img/%d", i+1),
			Similarity: 1 - float32(i)*0.05,
			Rank:       i + 1,
			Vector:     vec,
		}
	}
	return candidates
}

func queryVec() []float32 {
	vec := make([]float32, testDim)
	vec[0] = 1
	return vec
}

func TestRerankPassthroughWhenDisabled(t *testing.T) {
	svc, _, _ := testFixture(t, 8)
	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	// Trained but never enabled.

	in := makeCandidates(4)
	out, executed := svc.Rerank(context.Background(), queryVec(), in)
	if executed {
		t.Error("rerank executed while disabled")
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Rank != in[i].Rank {
			t.Errorf("candidate %d changed during passthrough", i)
		}
	}
}

func TestRerankPassthroughWhenEmpty(t *testing.T) {
	svc, _, _ := testFixture(t, 8)

	out, executed := svc.Rerank(context.Background(), queryVec(), nil)
	if executed || len(out) != 0 {
		t.Error("rerank of empty candidate set must be a no-op")
	}
}

func TestRerankPassthroughWhenNotReady(t *testing.T) {
	svc, _, _ := testFixture(t, 8)

	if svc.Ready() {
		t.Fatal("service unexpectedly ready before training")
	}
	svc.Enable() // no-op without a model

	in := makeCandidates(4)
	out, executed := svc.Rerank(context.Background(), queryVec(), in)
	if executed {
		t.Error("rerank executed without a trained model")
	}
	if len(out) != 4 {
		t.Errorf("passthrough changed candidate count: %d", len(out))
	}
}

func TestEnableRequiresReadiness(t *testing.T) {
	svc, _, _ := testFixture(t, 8)

	if svc.Enable() {
		t.Error("Enable succeeded without a trained model")
	}
	if svc.Enabled() {
		t.Error("service enabled without readiness")
	}

	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if !svc.Enable() {
		t.Error("Enable failed with a trained model")
	}
	if !svc.Enabled() {
		t.Error("service not enabled after Enable")
	}

	svc.Disable()
	if svc.Enabled() {
		t.Error("service still enabled after Disable")
	}
}

func TestRerankExecutes(t *testing.T) {
	svc, _, _ := testFixture(t, 10)
	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if !svc.Enable() {
		t.Fatal("Enable failed after training")
	}

	out, executed := svc.Rerank(context.Background(), queryVec(), makeCandidates(8))
	if !executed {
		t.Fatal("rerank did not execute with a ready, enabled model")
	}
	if len(out) != 8 {
		t.Fatalf("candidate count changed: %d", len(out))
	}

	seen := make(map[int]bool)
	for i, cand := range out {
		if cand.Rank != i+1 {
			t.Errorf("rank at position %d = %d, want %d", i, cand.Rank, i+1)
		}
		seen[cand.Rank] = true
		if cand.LTRScore < 0 || cand.LTRScore > 1 {
			t.Errorf("ltr score %v outside [0,1]", cand.LTRScore)
		}
		if !cand.Reranked {
			t.Errorf("candidate %d not marked reranked", cand.ID)
		}
		if i > 0 && out[i-1].LTRScore < cand.LTRScore {
			t.Errorf("scores not descending at position %d", i)
		}
	}
	if len(seen) != 8 {
		t.Errorf("ranks are not a permutation of 1..8: %v", seen)
	}
}

func TestRerankFillsMissingVectors(t *testing.T) {
	svc, store, _ := testFixture(t, 10)
	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	svc.Enable()

	candidates := makeCandidates(4)
	// Strip two vectors; one is fetchable from the store, one is not.
	store.vectors[candidates[1].ID] = candidates[1].Vector
	candidates[1].Vector = nil
	candidates[2].Vector = nil
	delete(store.vectors, candidates[2].ID)

	out, executed := svc.Rerank(context.Background(), queryVec(), candidates)
	if !executed {
		t.Fatal("rerank did not execute")
	}
	if len(out) != 4 {
		t.Fatalf("candidate count changed: %d", len(out))
	}
	for _, cand := range out {
		if len(cand.Vector) != testDim {
			t.Errorf("candidate %d vector not filled, len %d", cand.ID, len(cand.Vector))
		}
	}
}

func TestSaveFeedback(t *testing.T) {
	svc, _, repo := testFixture(t, 0)

	valid := &repository.Feedback{
		QueryID: 1, Query: "dog",
		PicID1: 10, PicID2: 11, PicID3: 12, PicID4: 13,
		ChosenID: 11, Date: time.Now(),
	}
	if !svc.SaveFeedback(context.Background(), valid) {
		t.Error("SaveFeedback rejected a valid event")
	}
	if len(repo.saved) != 1 {
		t.Fatalf("saved %d events, want 1", len(repo.saved))
	}

	invalid := &repository.Feedback{
		QueryID: 2, Query: "dog",
		PicID1: 10, PicID2: 11, PicID3: 12, PicID4: 13,
		ChosenID: 99, Date: time.Now(),
	}
	if svc.SaveFeedback(context.Background(), invalid) {
		t.Error("SaveFeedback accepted an event whose chosen pic was never shown")
	}
	if len(repo.saved) != 1 {
		t.Error("invalid event reached persistence")
	}

	repo.saveErr = errors.New("db down")
	if svc.SaveFeedback(context.Background(), valid) {
		t.Error("SaveFeedback reported success despite storage failure")
	}
}

func TestTrainWithFeedbackNoData(t *testing.T) {
	svc, _, _ := testFixture(t, 0)

	if _, err := svc.TrainWithFeedback(context.Background(), 0); !errors.Is(err, ErrNoFeedbackData) {
		t.Errorf("err = %v, want ErrNoFeedbackData", err)
	}
}

func TestTrainWithFeedbackAllVectorsMissing(t *testing.T) {
	svc, store, _ := testFixture(t, 5)
	store.vectors = map[int64][]float32{}

	if _, err := svc.TrainWithFeedback(context.Background(), 0); !errors.Is(err, ltr.ErrEmptyDataset) {
		t.Errorf("err = %v, want ErrEmptyDataset", err)
	}
}

func TestTrainWithFeedbackBatchFallback(t *testing.T) {
	svc, store, _ := testFixture(t, 6)
	store.batchErr = errors.New("batch endpoint down")

	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("training failed despite per-id fallback: %v", err)
	}
	if store.singles == 0 {
		t.Error("per-id fallback never used")
	}
	if !svc.Ready() {
		t.Error("service not ready after fallback training")
	}
}

func TestRetrainWithoutNewFeedback(t *testing.T) {
	svc, store, repo := testFixture(t, 6)

	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("initial training failed: %v", err)
	}

	// All events predate the training run, so the incremental fetch finds
	// nothing: success with zero samples, not an error.
	record, err := svc.RetrainWithFeedback(context.Background(), 0)
	if err != nil {
		t.Fatalf("retrain errored on no new feedback: %v", err)
	}
	if record.DatasetSize != 0 {
		t.Errorf("dataset size = %d, want 0", record.DatasetSize)
	}

	// An event timestamped exactly at the last training date is not new:
	// the since bound is exclusive, so it must not be trained on again.
	since := svc.Status().LastTrainingDate
	if since == nil {
		t.Fatal("last training date missing after training")
	}
	boundary := int64(800)
	repo.events = append(repo.events, &repository.Feedback{
		QueryID: 98, Query: "boundary query",
		PicID1: boundary + 1, PicID2: boundary + 2, PicID3: boundary + 3, PicID4: boundary + 4,
		ChosenID: boundary + 2,
		Date:     *since,
	})
	for j := int64(1); j <= 4; j++ {
		vec := make([]float32, testDim)
		vec[j%testDim] = 1
		store.vectors[boundary+j] = vec
	}
	record, err = svc.RetrainWithFeedback(context.Background(), 0)
	if err != nil {
		t.Fatalf("retrain errored on boundary-dated feedback: %v", err)
	}
	if record.DatasetSize != 0 {
		t.Errorf("boundary-dated event retrained: dataset size = %d, want 0", record.DatasetSize)
	}

	// A fresh event after the training run triggers a real retrain.
	base := int64(900)
	repo.events = append(repo.events, &repository.Feedback{
		QueryID: 99, Query: "new query",
		PicID1: base + 1, PicID2: base + 2, PicID3: base + 3, PicID4: base + 4,
		ChosenID: base + 2,
		Date:     time.Now().Add(time.Hour),
	})
	for j := int64(1); j <= 4; j++ {
		vec := make([]float32, testDim)
		vec[j%testDim] = 1
		store.vectors[base+j] = vec
	}

	record, err = svc.RetrainWithFeedback(context.Background(), 0)
	if err != nil {
		t.Fatalf("retrain failed: %v", err)
	}
	if record.DatasetSize != 3 {
		t.Errorf("retrain dataset size = %d, want 3 (one new event)", record.DatasetSize)
	}
}

func TestStatus(t *testing.T) {
	svc, _, _ := testFixture(t, 6)

	status := svc.Status()
	if status.Trained || status.Enabled || status.Ready {
		t.Errorf("fresh service status = %+v, want all false", status)
	}
	if status.Backend != "tree" || status.Scheme != "compact" {
		t.Errorf("status backend/scheme = %s/%s", status.Backend, status.Scheme)
	}

	if _, err := svc.TrainWithFeedback(context.Background(), 0); err != nil {
		t.Fatalf("training failed: %v", err)
	}
	svc.Enable()

	status = svc.Status()
	if !status.Trained || !status.Enabled || !status.Ready {
		t.Errorf("status after training+enable = %+v, want all true", status)
	}
	if status.LastTrainingDate == nil {
		t.Error("last training date missing after training")
	}
	if status.TrainingRuns != 1 {
		t.Errorf("training runs = %d, want 1", status.TrainingRuns)
	}
}
