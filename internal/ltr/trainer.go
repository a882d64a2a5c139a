package ltr

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyDataset is returned when a training run is attempted with zero samples.
var ErrEmptyDataset = errors.New("training dataset is empty")

// historyTrimBuffer delays history cleanup so it does not run on every
// training call.
const historyTrimBuffer = 10

// Metrics holds binary-classification quality numbers for one data split.
// AUC is 0 when the split contains a single class, which is the normal
// case for pairwise feedback data (label is always 1).
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	AUC       float64 `json:"auc"`
}

// TrainingRecord describes one completed training run.
type TrainingRecord struct {
	ID            uuid.UUID `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	DatasetSize   int       `json:"dataset_size"`
	TrainSize     int       `json:"train_size"`
	ValSize       int       `json:"val_size"`
	InputDim      int       `json:"input_dim"`
	EpochsTrained int       `json:"epochs_trained"`
	TrainMetrics  Metrics   `json:"train_metrics"`
	ValMetrics    Metrics   `json:"val_metrics"`
	ModelPath     string    `json:"model_path"`
}

// Trainer is the common contract of the tree and neural backends.
type Trainer interface {
	// Train fits a fresh model and persists the artifact.
	// Returns ErrEmptyDataset if the dataset has zero samples.
	Train(dataset *Dataset) (*TrainingRecord, error)

	// Retrain loads existing weights from existingPath if present, then
	// trains on the dataset. The neural backend continues gradient descent
	// from the loaded weights; the tree backend performs a full retrain
	// after reloading (a known limitation, preserved deliberately).
	Retrain(dataset *Dataset, existingPath string) (*TrainingRecord, error)

	// Predict scores feature rows in [0,1]. Returns nil if the model is
	// not trained; callers treat that as "keep the prior ranking".
	Predict(features [][]float64) []float64

	// Load restores a persisted artifact.
	Load(path string) error

	// IsTrained reports whether the model can produce predictions.
	IsTrained() bool

	// FeatureImportance returns per-feature weights for the tree backend
	// and an empty map for the neural backend.
	FeatureImportance() map[string]float64

	// LastTrainingDate returns the timestamp of the most recent training
	// run, or nil if the model has never been trained.
	LastTrainingDate() *time.Time

	// History returns the bounded training-run log, oldest first.
	History() []TrainingRecord
}

// splitDataset performs a stratified shuffle split of the feature rows into
// train and validation sets. The shuffle is seeded for reproducibility.
// With single-class labels the stratification degenerates to a plain
// shuffle split.
func splitDataset(features [][]float64, labels []float64, valFraction float64, seed int64) (trainX [][]float64, trainY []float64, valX [][]float64, valY []float64) {
	rng := rand.New(rand.NewSource(seed))

	byClass := make(map[float64][]int)
	for i, label := range labels {
		byClass[label] = append(byClass[label], i)
	}

	classes := make([]float64, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	sort.Float64s(classes)

	for _, label := range classes {
		indices := byClass[label]
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		nVal := int(math.Round(float64(len(indices)) * valFraction))
		// Keep at least one sample in train when the class is non-empty.
		if nVal >= len(indices) {
			nVal = len(indices) - 1
		}

		for k, idx := range indices {
			if k < nVal {
				valX = append(valX, features[idx])
				valY = append(valY, labels[idx])
			} else {
				trainX = append(trainX, features[idx])
				trainY = append(trainY, labels[idx])
			}
		}
	}

	return trainX, trainY, valX, valY
}

// computeMetrics evaluates predictions against labels at a 0.5 decision
// threshold, treating the positive class as label 1.
func computeMetrics(preds, labels []float64) Metrics {
	if len(preds) == 0 || len(preds) != len(labels) {
		return Metrics{}
	}

	var tp, fp, tn, fn float64
	for i, p := range preds {
		predicted := p >= 0.5
		actual := labels[i] >= 0.5
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && !actual:
			tn++
		default:
			fn++
		}
	}

	m := Metrics{
		Accuracy: (tp + tn) / float64(len(preds)),
	}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.AUC = rocAUC(preds, labels)
	return m
}

// rocAUC computes the area under the ROC curve via the rank-sum method.
// Returns 0 when labels contain a single class.
func rocAUC(preds, labels []float64) float64 {
	type scored struct {
		pred  float64
		label float64
	}
	rows := make([]scored, len(preds))
	for i := range preds {
		rows[i] = scored{preds[i], labels[i]}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].pred < rows[j].pred })

	var nPos, nNeg, rankSum float64
	i := 0
	for i < len(rows) {
		// Tied predictions share the average rank.
		j := i
		for j < len(rows) && rows[j].pred == rows[i].pred {
			j++
		}
		avgRank := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			if rows[k].label >= 0.5 {
				nPos++
				rankSum += avgRank
			} else {
				nNeg++
			}
		}
		i = j
	}

	if nPos == 0 || nNeg == 0 {
		return 0
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// trimHistory bounds the training-run log. Cleanup only triggers once the
// log exceeds max+buffer so it does not run on every call; it then keeps
// the most recent max entries.
func trimHistory(history []TrainingRecord, max int) []TrainingRecord {
	if max <= 0 || len(history) <= max+historyTrimBuffer {
		return history
	}
	trimmed := make([]TrainingRecord, max)
	copy(trimmed, history[len(history)-max:])
	return trimmed
}

// newTrainingRecord stamps the shared fields of a training record.
func newTrainingRecord(datasetSize, trainSize, valSize, inputDim int, modelPath string) *TrainingRecord {
	return &TrainingRecord{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		DatasetSize: datasetSize,
		TrainSize:   trainSize,
		ValSize:     valSize,
		InputDim:    inputDim,
		ModelPath:   modelPath,
	}
}
