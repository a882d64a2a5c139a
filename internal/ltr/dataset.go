package ltr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spxlab/picsearch/internal/embedder"
	"github.com/spxlab/picsearch/internal/repository"
)

// Sample is one pairwise training example: the chosen image versus one
// non-chosen image from the same feedback event. Label is always 1 by
// construction (better outranks worse).
type Sample struct {
	QueryID  int64
	BetterID int64
	WorseID  int64
	Features []float64
	Label    float64
}

// Dataset is the materialized training input for one run. It is
// regenerated from feedback events on every run and never persisted.
type Dataset struct {
	Samples []Sample
}

// Size returns the number of samples.
func (d *Dataset) Size() int {
	return len(d.Samples)
}

// Matrix returns the feature rows and labels in sample order.
func (d *Dataset) Matrix() ([][]float64, []float64) {
	features := make([][]float64, len(d.Samples))
	labels := make([]float64, len(d.Samples))
	for i, s := range d.Samples {
		features[i] = s.Features
		labels[i] = s.Label
	}
	return features, labels
}

// BuildStats counts event dispositions during a dataset build. The
// accepted/skipped ratio is an operational signal: a run consuming only a
// small fraction of feedback indicates a vector-availability problem.
type BuildStats struct {
	Events         int
	Accepted       int
	SkippedInvalid int
	SkippedVectors int
	EmbedFailures  int
}

// DatasetBuilder converts raw feedback events into pairwise training samples.
type DatasetBuilder struct {
	embedder  embedder.Embedder
	extractor *Extractor
	logger    *slog.Logger
}

// NewDatasetBuilder creates a dataset builder.
func NewDatasetBuilder(emb embedder.Embedder, extractor *Extractor, logger *slog.Logger) *DatasetBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatasetBuilder{
		embedder:  emb,
		extractor: extractor,
		logger:    logger,
	}
}

// Build expands feedback events into pairwise samples. vectors maps image
// ID to its stored embedding; an event is skipped entirely if any of its
// five referenced images is missing from the map. Query embeddings are
// cached per build call, keyed by exact query text.
func (b *DatasetBuilder) Build(ctx context.Context, events []*repository.Feedback, vectors map[int64][]float32) (*Dataset, BuildStats, error) {
	stats := BuildStats{Events: len(events)}
	dataset := &Dataset{}

	// Build-scoped cache: it has no invalidation policy, so it must not
	// outlive this call.
	queryCache := make(map[string][]float32)

	for _, event := range events {
		if err := event.Validate(); err != nil {
			stats.SkippedInvalid++
			b.logger.Warn("skipping invalid feedback event",
				"query_id", event.QueryID, "error", err)
			continue
		}

		chosenVec, ok := vectors[event.ChosenID]
		if !ok {
			stats.SkippedVectors++
			continue
		}
		missing := false
		for _, id := range event.NonChosenPics() {
			if _, ok := vectors[id]; !ok {
				missing = true
				break
			}
		}
		if missing {
			stats.SkippedVectors++
			continue
		}

		queryVec, ok := queryCache[event.Query]
		if !ok {
			var err error
			queryVec, err = b.embedder.EncodeText(ctx, event.Query)
			if err != nil {
				stats.EmbedFailures++
				b.logger.Warn("failed to embed query text",
					"query_id", event.QueryID, "error", err)
				continue
			}
			queryCache[event.Query] = queryVec
		}

		for _, worseID := range event.NonChosenPics() {
			dataset.Samples = append(dataset.Samples, Sample{
				QueryID:  event.QueryID,
				BetterID: event.ChosenID,
				WorseID:  worseID,
				Features: b.extractor.Extract(queryVec, chosenVec, vectors[worseID]),
				Label:    1,
			})
		}
		stats.Accepted++
	}

	b.logger.Info("built training dataset",
		"events", stats.Events,
		"accepted", stats.Accepted,
		"skipped_invalid", stats.SkippedInvalid,
		"skipped_missing_vectors", stats.SkippedVectors,
		"embed_failures", stats.EmbedFailures,
		"samples", dataset.Size())

	if stats.Events > 0 && stats.Accepted*20 < stats.Events {
		b.logger.Warn("less than 5% of feedback events usable, check vector availability",
			"events", stats.Events, "accepted", stats.Accepted)
	}

	if err := ctx.Err(); err != nil {
		return nil, stats, fmt.Errorf("dataset build cancelled: %w", err)
	}

	return dataset, stats, nil
}
