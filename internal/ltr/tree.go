package ltr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// TreeConfig holds hyperparameters for the gradient-boosted tree backend.
type TreeConfig struct {
	ModelPath           string
	LearningRate        float64
	NumRounds           int
	MaxDepth            int
	MinSamplesLeaf      int
	Lambda              float64
	EarlyStoppingRounds int
	ValFraction         float64
	Seed                int64
	MaxHistory          int
}

// DefaultTreeConfig mirrors the hyperparameters the model was originally
// tuned with.
func DefaultTreeConfig(modelPath string) TreeConfig {
	return TreeConfig{
		ModelPath:           modelPath,
		LearningRate:        0.1,
		NumRounds:           1000,
		MaxDepth:            6,
		MinSamplesLeaf:      20,
		Lambda:              1.0,
		EarlyStoppingRounds: 50,
		ValFraction:         0.2,
		Seed:                42,
		MaxHistory:          100,
	}
}

// treeNode is one node of a regression tree. Leaves carry the boosting
// step value; internal nodes split on Feature < Threshold.
type treeNode struct {
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Gain      float64   `json:"gain,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Leaf      bool      `json:"leaf,omitempty"`
	Left      *treeNode `json:"left,omitempty"`
	Right     *treeNode `json:"right,omitempty"`
}

func (n *treeNode) predict(row []float64) float64 {
	for !n.Leaf {
		if row[n.Feature] < n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

// treeModel is the persisted ensemble.
type treeModel struct {
	FeatureNames  []string         `json:"feature_names"`
	BaseScore     float64          `json:"base_score"`
	LearningRate  float64          `json:"learning_rate"`
	BestIteration int              `json:"best_iteration"`
	Trees         []*treeNode      `json:"trees"`
	History       []TrainingRecord `json:"training_history"`
}

// predictRaw returns the raw log-odds score for one row, using trees up to
// the best early-stopped iteration.
func (m *treeModel) predictRaw(row []float64) float64 {
	score := m.BaseScore
	for i := 0; i < m.BestIteration && i < len(m.Trees); i++ {
		score += m.LearningRate * m.Trees[i].predict(row)
	}
	return score
}

// TreeTrainer is the gradient-boosted tree backend. Binary logistic loss;
// with the pairwise feedback data the labels are all 1, so the ensemble
// learns what a winning candidate's feature vector looks like through its
// split structure rather than a true ranking loss.
type TreeTrainer struct {
	cfg    TreeConfig
	names  []string
	model  *treeModel
	logger *slog.Logger
}

// NewTreeTrainer creates a tree backend for features named by the extractor.
func NewTreeTrainer(cfg TreeConfig, featureNames []string, logger *slog.Logger) *TreeTrainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeTrainer{cfg: cfg, names: featureNames, logger: logger}
}

// Train fits a fresh ensemble and persists the artifact.
func (t *TreeTrainer) Train(dataset *Dataset) (*TrainingRecord, error) {
	return t.train(dataset, nil)
}

// Retrain reloads the prior artifact if present, then performs a full
// retrain on the dataset. Boosting does not warm-start from the loaded
// trees; only the training history carries over.
func (t *TreeTrainer) Retrain(dataset *Dataset, existingPath string) (*TrainingRecord, error) {
	var prior []TrainingRecord
	if existingPath != "" {
		if err := t.Load(existingPath); err != nil {
			t.logger.Warn("no prior tree model to reload, training fresh", "path", existingPath, "error", err)
		} else {
			prior = t.model.History
		}
	}
	return t.train(dataset, prior)
}

func (t *TreeTrainer) train(dataset *Dataset, priorHistory []TrainingRecord) (*TrainingRecord, error) {
	if dataset == nil || dataset.Size() == 0 {
		return nil, ErrEmptyDataset
	}

	features, labels := dataset.Matrix()
	trainX, trainY, valX, valY := splitDataset(features, labels, t.cfg.ValFraction, t.cfg.Seed)

	model := &treeModel{
		FeatureNames: t.names,
		LearningRate: t.cfg.LearningRate,
		History:      priorHistory,
	}

	// Base score is the log-odds of the positive rate, clamped away from
	// the degenerate all-one / all-zero cases.
	var posRate float64
	for _, y := range trainY {
		posRate += y
	}
	posRate /= float64(len(trainY))
	posRate = math.Min(math.Max(posRate, 1e-6), 1-1e-6)
	model.BaseScore = math.Log(posRate / (1 - posRate))

	trainScores := make([]float64, len(trainX))
	valScores := make([]float64, len(valX))
	for i := range trainScores {
		trainScores[i] = model.BaseScore
	}
	for i := range valScores {
		valScores[i] = model.BaseScore
	}

	bestValLoss := math.Inf(1)
	bestIteration := 0
	roundsSinceBest := 0

	for round := 0; round < t.cfg.NumRounds; round++ {
		grads := make([]float64, len(trainX))
		hess := make([]float64, len(trainX))
		for i, score := range trainScores {
			p := sigmoid(score)
			grads[i] = p - trainY[i]
			hess[i] = p * (1 - p)
		}

		indices := make([]int, len(trainX))
		for i := range indices {
			indices[i] = i
		}
		tree := t.growTree(trainX, grads, hess, indices, 0)
		model.Trees = append(model.Trees, tree)

		for i, row := range trainX {
			trainScores[i] += t.cfg.LearningRate * tree.predict(row)
		}
		for i, row := range valX {
			valScores[i] += t.cfg.LearningRate * tree.predict(row)
		}

		valLoss := logLoss(valScores, valY)
		if len(valX) == 0 {
			valLoss = logLoss(trainScores, trainY)
		}

		if valLoss < bestValLoss-1e-9 {
			bestValLoss = valLoss
			bestIteration = round + 1
			roundsSinceBest = 0
		} else {
			roundsSinceBest++
			if roundsSinceBest >= t.cfg.EarlyStoppingRounds {
				break
			}
		}
	}
	model.BestIteration = bestIteration

	record := newTrainingRecord(dataset.Size(), len(trainX), len(valX), t.featureCount(features), t.cfg.ModelPath)
	record.EpochsTrained = bestIteration
	record.TrainMetrics = computeMetrics(t.scoreAll(model, trainX), trainY)
	record.ValMetrics = computeMetrics(t.scoreAll(model, valX), valY)

	model.History = append(model.History, *record)
	model.History = trimHistory(model.History, t.cfg.MaxHistory)

	if err := t.save(model); err != nil {
		return nil, err
	}
	t.model = model

	t.logger.Info("tree model trained",
		"samples", dataset.Size(),
		"rounds", len(model.Trees),
		"best_iteration", bestIteration,
		"val_loss", bestValLoss,
		"val_accuracy", record.ValMetrics.Accuracy)

	return record, nil
}

func (t *TreeTrainer) featureCount(features [][]float64) int {
	if len(features) == 0 {
		return 0
	}
	return len(features[0])
}

func (t *TreeTrainer) scoreAll(model *treeModel, rows [][]float64) []float64 {
	preds := make([]float64, len(rows))
	for i, row := range rows {
		preds[i] = sigmoid(model.predictRaw(row))
	}
	return preds
}

// growTree builds one regression tree on the gradient/hessian statistics.
func (t *TreeTrainer) growTree(features [][]float64, grads, hess []float64, indices []int, depth int) *treeNode {
	var sumG, sumH float64
	for _, idx := range indices {
		sumG += grads[idx]
		sumH += hess[idx]
	}

	leaf := &treeNode{
		Leaf:  true,
		Value: -sumG / (sumH + t.cfg.Lambda),
	}
	if depth >= t.cfg.MaxDepth || len(indices) < 2*t.cfg.MinSamplesLeaf {
		return leaf
	}

	feature, threshold, gain := t.bestSplit(features, grads, hess, indices, sumG, sumH)
	if gain <= 0 {
		return leaf
	}

	var left, right []int
	for _, idx := range indices {
		if features[idx][feature] < threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leaf
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Gain:      gain,
		Left:      t.growTree(features, grads, hess, left, depth+1),
		Right:     t.growTree(features, grads, hess, right, depth+1),
	}
}

// bestSplit scans every feature for the split with maximum gain.
func (t *TreeTrainer) bestSplit(features [][]float64, grads, hess []float64, indices []int, sumG, sumH float64) (int, float64, float64) {
	bestFeature := -1
	bestThreshold := 0.0
	bestGain := 0.0

	parentScore := sumG * sumG / (sumH + t.cfg.Lambda)
	numFeatures := len(features[indices[0]])

	order := make([]int, len(indices))
	for f := 0; f < numFeatures; f++ {
		copy(order, indices)
		sort.Slice(order, func(i, j int) bool {
			return features[order[i]][f] < features[order[j]][f]
		})

		var leftG, leftH float64
		for i := 0; i < len(order)-1; i++ {
			idx := order[i]
			leftG += grads[idx]
			leftH += hess[idx]

			// Can only split between distinct values.
			cur := features[idx][f]
			next := features[order[i+1]][f]
			if cur == next {
				continue
			}
			if i+1 < t.cfg.MinSamplesLeaf || len(order)-i-1 < t.cfg.MinSamplesLeaf {
				continue
			}

			rightG := sumG - leftG
			rightH := sumH - leftH
			gain := 0.5 * (leftG*leftG/(leftH+t.cfg.Lambda) +
				rightG*rightG/(rightH+t.cfg.Lambda) - parentScore)
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}

	return bestFeature, bestThreshold, bestGain
}

// Predict scores feature rows in [0,1]. Returns nil if no model is loaded.
func (t *TreeTrainer) Predict(features [][]float64) []float64 {
	if t.model == nil {
		return nil
	}
	return t.scoreAll(t.model, features)
}

// Load restores a persisted ensemble.
func (t *TreeTrainer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tree model: %w", err)
	}

	var model treeModel
	if err := json.Unmarshal(data, &model); err != nil {
		return fmt.Errorf("failed to parse tree model: %w", err)
	}
	if len(model.Trees) == 0 {
		return fmt.Errorf("tree model at %s has no trees", path)
	}

	t.model = &model
	return nil
}

func (t *TreeTrainer) save(model *treeModel) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to serialize tree model: %w", err)
	}
	if dir := filepath.Dir(t.cfg.ModelPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	if err := os.WriteFile(t.cfg.ModelPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tree model: %w", err)
	}
	return nil
}

// IsTrained reports whether the model can produce predictions.
func (t *TreeTrainer) IsTrained() bool {
	return t.model != nil
}

// FeatureImportance returns total split gain per feature name.
func (t *TreeTrainer) FeatureImportance() map[string]float64 {
	importance := make(map[string]float64)
	if t.model == nil {
		return importance
	}

	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		if n == nil || n.Leaf {
			return
		}
		name := fmt.Sprintf("feature_%d", n.Feature)
		if n.Feature < len(t.model.FeatureNames) {
			name = t.model.FeatureNames[n.Feature]
		}
		importance[name] += n.Gain
		walk(n.Left)
		walk(n.Right)
	}
	for _, tree := range t.model.Trees {
		walk(tree)
	}
	return importance
}

// LastTrainingDate returns the timestamp of the most recent training run.
func (t *TreeTrainer) LastTrainingDate() *time.Time {
	if t.model == nil || len(t.model.History) == 0 {
		return nil
	}
	ts := t.model.History[len(t.model.History)-1].Timestamp
	return &ts
}

// History returns the bounded training-run log, oldest first.
func (t *TreeTrainer) History() []TrainingRecord {
	if t.model == nil {
		return nil
	}
	history := make([]TrainingRecord, len(t.model.History))
	copy(history, t.model.History)
	return history
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// logLoss computes mean binary cross-entropy over raw log-odds scores.
func logLoss(scores, labels []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for i, score := range scores {
		p := sigmoid(score)
		p = math.Min(math.Max(p, 1e-12), 1-1e-12)
		if labels[i] >= 0.5 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(scores))
}

// Ensure TreeTrainer implements Trainer.
var _ Trainer = (*TreeTrainer)(nil)
