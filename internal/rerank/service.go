// Package rerank orchestrates learned-to-rank reranking: model lifecycle,
// enable/disable state, candidate scoring, and the feedback-to-training
// pipeline.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spxlab/picsearch/internal/embedder"
	"github.com/spxlab/picsearch/internal/ltr"
	"github.com/spxlab/picsearch/internal/repository"
	"github.com/spxlab/picsearch/internal/vectorstore"
)

// ErrNoFeedbackData is returned when a training run finds zero feedback rows.
var ErrNoFeedbackData = errors.New("no feedback data available for training")

// ErrNotReady is returned when an operation requires a trained model.
var ErrNotReady = errors.New("rerank model is not ready")

// Config holds rerank service construction parameters.
type Config struct {
	Backend    string // "tree" or "neural"
	Scheme     ltr.Scheme
	ModelPath  string
	MaxHistory int
}

// Status is a point-in-time snapshot of the service state.
type Status struct {
	Enabled          bool               `json:"enabled"`
	Ready            bool               `json:"ready"`
	Trained          bool               `json:"trained"`
	Backend          string             `json:"backend"`
	Scheme           string             `json:"feature_scheme"`
	ModelPath        string             `json:"model_path"`
	LastTrainingDate *time.Time         `json:"last_training_date,omitempty"`
	TrainingRuns     int                `json:"training_runs"`
	FeatureWeights   map[string]float64 `json:"feature_weights,omitempty"`
}

// Service coordinates the reranking model. The live trainer is read by
// every rerank call and replaced only by publishing a freshly trained
// artifact, so readers never observe a half-trained model. Training runs
// are serialized by a dedicated mutex.
type Service struct {
	cfg       Config
	extractor *ltr.Extractor
	store     vectorstore.VectorStore
	feedback  repository.FeedbackRepository
	builder   *ltr.DatasetBuilder
	logger    *slog.Logger

	// newTrainer builds a throwaway trainer for a training run; the live
	// trainer only ever loads finished artifacts.
	newTrainer func() ltr.Trainer

	mu      sync.RWMutex // guards enabled and trainer
	enabled bool
	trainer ltr.Trainer

	trainMu sync.Mutex // one training run at a time
}

// New creates a rerank service. The model artifact at cfg.ModelPath is
// loaded if present; a missing artifact just means the model starts
// untrained.
func New(cfg Config, store vectorstore.VectorStore, feedback repository.FeedbackRepository, emb embedder.Embedder, dimension int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	extractor, err := ltr.NewExtractor(cfg.Scheme, dimension)
	if err != nil {
		return nil, err
	}

	var factory func() ltr.Trainer
	switch cfg.Backend {
	case "tree":
		treeCfg := ltr.DefaultTreeConfig(cfg.ModelPath)
		if cfg.MaxHistory > 0 {
			treeCfg.MaxHistory = cfg.MaxHistory
		}
		names := extractor.FeatureNames()
		factory = func() ltr.Trainer {
			return ltr.NewTreeTrainer(treeCfg, names, logger)
		}
	case "neural":
		neuralCfg := ltr.DefaultNeuralConfig(cfg.ModelPath)
		if cfg.MaxHistory > 0 {
			neuralCfg.MaxHistory = cfg.MaxHistory
		}
		factory = func() ltr.Trainer {
			return ltr.NewNeuralTrainer(neuralCfg, logger)
		}
	default:
		return nil, fmt.Errorf("unknown rerank backend %q", cfg.Backend)
	}

	s := &Service{
		cfg:        cfg,
		extractor:  extractor,
		store:      store,
		feedback:   feedback,
		builder:    ltr.NewDatasetBuilder(emb, extractor, logger),
		logger:     logger,
		newTrainer: factory,
		trainer:    factory(),
	}

	if err := s.trainer.Load(cfg.ModelPath); err != nil {
		logger.Info("no rerank model artifact loaded, starting untrained",
			"path", cfg.ModelPath, "reason", err)
	} else {
		logger.Info("rerank model loaded", "path", cfg.ModelPath, "backend", cfg.Backend)
	}

	return s, nil
}

// Ready reports whether the model is trained and an extractor is attached.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready()
}

func (s *Service) ready() bool {
	return s.extractor != nil && s.trainer.IsTrained()
}

// Enable turns reranking on. Without a ready model this is a no-op with a
// warning, never a failure.
func (s *Service) Enable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready() {
		s.logger.Warn("cannot enable reranking: model not ready")
		return false
	}
	s.enabled = true
	s.logger.Info("reranking enabled")
	return true
}

// Disable turns reranking off.
func (s *Service) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.logger.Info("reranking disabled")
}

// Enabled reports whether reranking is currently on.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Rerank re-scores candidates against the query vector and re-sorts them.
// The returned bool reports whether reranking actually executed. When the
// service is disabled, the candidate set is empty, the model is not ready,
// or prediction yields nothing, the input is returned unchanged — falling
// back to the coarse ranking keeps search available no matter what state
// the model is in.
func (s *Service) Rerank(ctx context.Context, queryVector []float32, candidates []vectorstore.Candidate) ([]vectorstore.Candidate, bool) {
	if len(candidates) == 0 {
		return candidates, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled || !s.ready() {
		return candidates, false
	}

	s.fillVectors(ctx, candidates)

	vectors := make([][]float32, len(candidates))
	for i := range candidates {
		vectors[i] = candidates[i].Vector
	}

	features := s.extractor.RankingFeatures(queryVector, vectors)
	scores := s.trainer.Predict(features)
	if len(scores) != len(candidates) {
		s.logger.Warn("prediction unavailable, keeping coarse ranking",
			"candidates", len(candidates), "scores", len(scores))
		return candidates, false
	}

	for i := range candidates {
		candidates[i].LTRScore = scores[i]
		candidates[i].Reranked = true
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LTRScore > candidates[j].LTRScore
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}

	return candidates, true
}

// fillVectors ensures every candidate carries its stored vector. Fetching
// is batched; candidates whose vector cannot be fetched get a zero-vector
// placeholder so scoring never fails mid-request.
func (s *Service) fillVectors(ctx context.Context, candidates []vectorstore.Candidate) {
	var missing []int64
	for i := range candidates {
		if len(candidates[i].Vector) == 0 {
			missing = append(missing, candidates[i].ID)
		}
	}
	if len(missing) == 0 {
		return
	}

	fetched := make(map[int64][]float32, len(missing))
	records, err := s.store.QueryByIDs(ctx, missing)
	if err != nil {
		s.logger.Warn("batch vector fetch failed, falling back to per-id fetch", "error", err)
		for _, id := range missing {
			recs, err := s.store.QueryByIDs(ctx, []int64{id})
			if err != nil || len(recs) == 0 {
				continue
			}
			fetched[id] = recs[0].Vector
		}
	} else {
		for _, rec := range records {
			fetched[rec.ID] = rec.Vector
		}
	}

	zero := make([]float32, s.extractor.Dimension())
	for i := range candidates {
		if len(candidates[i].Vector) > 0 {
			continue
		}
		if vec, ok := fetched[candidates[i].ID]; ok && len(vec) > 0 {
			candidates[i].Vector = vec
		} else {
			candidates[i].Vector = zero
		}
	}
}

// SaveFeedback validates and persists a feedback event. Returns false on
// any failure; the caller decides whether that is user-visible.
func (s *Service) SaveFeedback(ctx context.Context, fb *repository.Feedback) bool {
	if err := fb.Validate(); err != nil {
		s.logger.Warn("rejecting invalid feedback", "query_id", fb.QueryID, "error", err)
		return false
	}
	if err := s.feedback.Save(ctx, fb); err != nil {
		s.logger.Error("failed to save feedback", "query_id", fb.QueryID, "error", err)
		return false
	}
	return true
}

// TrainWithFeedback runs the full training pipeline: fetch feedback
// (optionally capped), fetch vectors for every referenced image, build the
// pairwise dataset, train a fresh model, and publish it.
func (s *Service) TrainWithFeedback(ctx context.Context, limit int) (*ltr.TrainingRecord, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	events, err := s.feedback.List(ctx, repository.FeedbackFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feedback: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNoFeedbackData
	}

	return s.trainOn(ctx, events, false)
}

// RetrainWithFeedback trains incrementally: only feedback newer than the
// last training run is fetched, and the trainer continues from the
// existing artifact. With no prior training it behaves like
// TrainWithFeedback. No new feedback is success with zero samples, not an
// error.
func (s *Service) RetrainWithFeedback(ctx context.Context, limit int) (*ltr.TrainingRecord, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	s.mu.RLock()
	since := s.trainer.LastTrainingDate()
	s.mu.RUnlock()

	events, err := s.feedback.List(ctx, repository.FeedbackFilter{Limit: limit, Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feedback: %w", err)
	}
	if len(events) == 0 {
		if since != nil {
			s.logger.Info("no new feedback since last training run", "since", *since)
			record := &ltr.TrainingRecord{ID: uuid.New(), Timestamp: time.Now().UTC()}
			return record, nil
		}
		return nil, ErrNoFeedbackData
	}

	return s.trainOn(ctx, events, true)
}

// trainOn builds the dataset and runs the training on a throwaway trainer,
// then publishes the finished artifact into the live trainer under the
// write lock. Callers hold trainMu.
func (s *Service) trainOn(ctx context.Context, events []*repository.Feedback, incremental bool) (*ltr.TrainingRecord, error) {
	vectors, err := s.fetchEventVectors(ctx, events)
	if err != nil {
		return nil, err
	}

	dataset, stats, err := s.builder.Build(ctx, events, vectors)
	if err != nil {
		return nil, err
	}
	if dataset.Size() == 0 {
		return nil, fmt.Errorf("%w: %d events, %d skipped for missing vectors",
			ltr.ErrEmptyDataset, stats.Events, stats.SkippedVectors)
	}

	worker := s.newTrainer()
	var record *ltr.TrainingRecord
	if incremental {
		record, err = worker.Retrain(dataset, s.cfg.ModelPath)
	} else {
		record, err = worker.Train(dataset)
	}
	if err != nil {
		return nil, err
	}

	// Publish: swap in the trained worker so readers go from the old
	// model straight to the new one.
	s.mu.Lock()
	s.trainer = worker
	s.mu.Unlock()

	s.logger.Info("rerank model published",
		"backend", s.cfg.Backend,
		"samples", dataset.Size(),
		"accepted_events", stats.Accepted,
		"incremental", incremental)

	return record, nil
}

// fetchEventVectors collects stored vectors for every image referenced by
// the events. The batch query is preferred; per-id fetch is the fallback.
func (s *Service) fetchEventVectors(ctx context.Context, events []*repository.Feedback) (map[int64][]float32, error) {
	idSet := make(map[int64]bool)
	var ids []int64
	for _, event := range events {
		for _, id := range event.RecommendedPics() {
			if !idSet[id] {
				idSet[id] = true
				ids = append(ids, id)
			}
		}
	}

	vectors := make(map[int64][]float32, len(ids))
	records, err := s.store.QueryByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("batch vector fetch failed, falling back to per-id fetch", "error", err)
		for _, id := range ids {
			recs, perr := s.store.QueryByIDs(ctx, []int64{id})
			if perr != nil {
				return nil, fmt.Errorf("failed to fetch vectors: %w", perr)
			}
			if len(recs) > 0 && len(recs[0].Vector) > 0 {
				vectors[id] = recs[0].Vector
			}
		}
		return vectors, nil
	}

	for _, rec := range records {
		if len(rec.Vector) > 0 {
			vectors[rec.ID] = rec.Vector
		}
	}
	return vectors, nil
}

// Status returns a snapshot of the service state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Enabled:          s.enabled,
		Ready:            s.ready(),
		Trained:          s.trainer.IsTrained(),
		Backend:          s.cfg.Backend,
		Scheme:           string(s.extractor.Scheme()),
		ModelPath:        s.cfg.ModelPath,
		LastTrainingDate: s.trainer.LastTrainingDate(),
		TrainingRuns:     len(s.trainer.History()),
	}
	if weights := s.trainer.FeatureImportance(); len(weights) > 0 {
		status.FeatureWeights = weights
	}
	return status
}
