package ltr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// NeuralConfig holds hyperparameters for the feed-forward backend.
type NeuralConfig struct {
	ModelPath    string
	HiddenDims   []int
	DropoutRates []float64
	LearningRate float64
	BatchSize    int
	MaxEpochs    int
	Patience     int
	ValFraction  float64
	Seed         int64
	MaxHistory   int
}

// DefaultNeuralConfig mirrors the architecture the model was originally
// tuned with: input→512→256→128→1 with dropout 0.3/0.2/0.1.
func DefaultNeuralConfig(modelPath string) NeuralConfig {
	return NeuralConfig{
		ModelPath:    modelPath,
		HiddenDims:   []int{512, 256, 128},
		DropoutRates: []float64{0.3, 0.2, 0.1},
		LearningRate: 0.001,
		BatchSize:    64,
		MaxEpochs:    100,
		Patience:     10,
		ValFraction:  0.2,
		Seed:         42,
		MaxHistory:   100,
	}
}

// neuralLayer is one dense layer: Weights[out][in] plus Biases[out].
type neuralLayer struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

// neuralModel is the persisted network: weights plus the architecture
// config needed to rebuild it, plus the training history.
type neuralModel struct {
	InputDim     int              `json:"input_dim"`
	HiddenDims   []int            `json:"hidden_dims"`
	DropoutRates []float64        `json:"dropout_rates"`
	Layers       []neuralLayer    `json:"layers"`
	History      []TrainingRecord `json:"training_history"`
}

func (m *neuralModel) clone() *neuralModel {
	c := &neuralModel{
		InputDim:     m.InputDim,
		HiddenDims:   append([]int(nil), m.HiddenDims...),
		DropoutRates: append([]float64(nil), m.DropoutRates...),
		Layers:       make([]neuralLayer, len(m.Layers)),
		History:      append([]TrainingRecord(nil), m.History...),
	}
	for i, layer := range m.Layers {
		c.Layers[i] = neuralLayer{
			Weights: make([][]float64, len(layer.Weights)),
			Biases:  append([]float64(nil), layer.Biases...),
		}
		for j, row := range layer.Weights {
			c.Layers[i].Weights[j] = append([]float64(nil), row...)
		}
	}
	return c
}

// forward runs inference without dropout and returns the sigmoid output.
func (m *neuralModel) forward(row []float64) float64 {
	activation := row
	for li, layer := range m.Layers {
		next := make([]float64, len(layer.Weights))
		for o, weights := range layer.Weights {
			sum := layer.Biases[o]
			for i, w := range weights {
				sum += w * activation[i]
			}
			if li < len(m.Layers)-1 && sum < 0 {
				sum = 0 // ReLU on hidden layers
			}
			next[o] = sum
		}
		activation = next
	}
	return sigmoid(activation[0])
}

// NeuralTrainer is the feed-forward network backend: ReLU hidden layers
// with inverted dropout, sigmoid output, binary cross-entropy loss, Adam
// optimizer, best-checkpoint early stopping. Retraining continues gradient
// descent from the loaded weights unless the input dimension changed, in
// which case the network is reinitialized.
type NeuralTrainer struct {
	cfg    NeuralConfig
	model  *neuralModel
	logger *slog.Logger
}

// NewNeuralTrainer creates a neural backend.
func NewNeuralTrainer(cfg NeuralConfig, logger *slog.Logger) *NeuralTrainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NeuralTrainer{cfg: cfg, logger: logger}
}

// Train fits a freshly initialized network and persists the artifact.
func (t *NeuralTrainer) Train(dataset *Dataset) (*TrainingRecord, error) {
	t.model = nil
	return t.train(dataset)
}

// Retrain loads existing weights from existingPath if present and continues
// gradient descent from them.
func (t *NeuralTrainer) Retrain(dataset *Dataset, existingPath string) (*TrainingRecord, error) {
	if existingPath != "" {
		if err := t.Load(existingPath); err != nil {
			t.logger.Warn("no prior neural model to reload, training fresh", "path", existingPath, "error", err)
			t.model = nil
		}
	}
	return t.train(dataset)
}

func (t *NeuralTrainer) train(dataset *Dataset) (*TrainingRecord, error) {
	if dataset == nil || dataset.Size() == 0 {
		return nil, ErrEmptyDataset
	}

	features, labels := dataset.Matrix()
	inputDim := len(features[0])

	rng := rand.New(rand.NewSource(t.cfg.Seed))

	model := t.model
	if model == nil || model.InputDim != inputDim {
		if model != nil {
			t.logger.Warn("input dimension changed, reinitializing network",
				"saved_dim", model.InputDim, "data_dim", inputDim)
		}
		var history []TrainingRecord
		if model != nil {
			history = model.History
		}
		model = t.initModel(inputDim, rng)
		model.History = history
	}

	trainX, trainY, valX, valY := splitDataset(features, labels, t.cfg.ValFraction, t.cfg.Seed)

	opt := newAdam(model, t.cfg.LearningRate)

	bestValLoss := math.Inf(1)
	var bestCheckpoint *neuralModel
	epochsTrained := 0
	epochsSinceBest := 0

	order := make([]int, len(trainX))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < t.cfg.MaxEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		var trainLoss float64
		for start := 0; start < len(order); start += t.cfg.BatchSize {
			end := start + t.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			trainLoss += t.trainBatch(model, opt, trainX, trainY, order[start:end], rng) * float64(end-start)
		}
		trainLoss /= float64(len(order))

		valLoss := t.evalLoss(model, valX, valY)
		if len(valX) == 0 {
			valLoss = trainLoss
		}
		epochsTrained = epoch + 1

		t.logger.Debug("epoch complete",
			"epoch", epoch+1, "train_loss", trainLoss, "val_loss", valLoss)

		if valLoss < bestValLoss-1e-9 {
			bestValLoss = valLoss
			bestCheckpoint = model.clone()
			epochsSinceBest = 0
		} else {
			epochsSinceBest++
			if epochsSinceBest >= t.cfg.Patience {
				break
			}
		}
	}

	// Evaluate with the best checkpoint, not the last epoch's weights.
	if bestCheckpoint != nil {
		model = bestCheckpoint
	}

	record := newTrainingRecord(dataset.Size(), len(trainX), len(valX), inputDim, t.cfg.ModelPath)
	record.EpochsTrained = epochsTrained
	record.TrainMetrics = computeMetrics(t.scoreAll(model, trainX), trainY)
	record.ValMetrics = computeMetrics(t.scoreAll(model, valX), valY)

	model.History = append(model.History, *record)
	model.History = trimHistory(model.History, t.cfg.MaxHistory)

	if err := t.save(model); err != nil {
		return nil, err
	}
	t.model = model

	t.logger.Info("neural model trained",
		"samples", dataset.Size(),
		"epochs", epochsTrained,
		"val_loss", bestValLoss,
		"val_accuracy", record.ValMetrics.Accuracy)

	return record, nil
}

// initModel builds a network with Xavier-uniform weights.
func (t *NeuralTrainer) initModel(inputDim int, rng *rand.Rand) *neuralModel {
	dims := append([]int{inputDim}, t.cfg.HiddenDims...)
	dims = append(dims, 1)

	model := &neuralModel{
		InputDim:     inputDim,
		HiddenDims:   append([]int(nil), t.cfg.HiddenDims...),
		DropoutRates: append([]float64(nil), t.cfg.DropoutRates...),
		Layers:       make([]neuralLayer, len(dims)-1),
	}

	for l := 0; l < len(dims)-1; l++ {
		fanIn, fanOut := dims[l], dims[l+1]
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		layer := neuralLayer{
			Weights: make([][]float64, fanOut),
			Biases:  make([]float64, fanOut),
		}
		for o := 0; o < fanOut; o++ {
			layer.Weights[o] = make([]float64, fanIn)
			for i := 0; i < fanIn; i++ {
				layer.Weights[o][i] = (rng.Float64()*2 - 1) * limit
			}
		}
		model.Layers[l] = layer
	}
	return model
}

// trainBatch runs forward+backward over one mini-batch and applies a single
// Adam step on the mean gradients. Returns the mean batch loss.
func (t *NeuralTrainer) trainBatch(model *neuralModel, opt *adam, features [][]float64, labels []float64, batch []int, rng *rand.Rand) float64 {
	grads := newGradients(model)
	var loss float64

	for _, idx := range batch {
		loss += t.backprop(model, grads, features[idx], labels[idx], rng)
	}

	scale := 1.0 / float64(len(batch))
	opt.step(model, grads, scale)
	return loss * scale
}

// backprop accumulates gradients for one sample, applying inverted dropout
// to the hidden activations. Returns the sample's BCE loss.
func (t *NeuralTrainer) backprop(model *neuralModel, grads []neuralLayer, row []float64, label float64, rng *rand.Rand) float64 {
	numLayers := len(model.Layers)

	// Forward pass, keeping post-activation values and dropout masks.
	activations := make([][]float64, numLayers+1)
	masks := make([][]float64, numLayers)
	activations[0] = row

	for l, layer := range model.Layers {
		out := make([]float64, len(layer.Weights))
		for o, weights := range layer.Weights {
			sum := layer.Biases[o]
			for i, w := range weights {
				sum += w * activations[l][i]
			}
			if l < numLayers-1 && sum < 0 {
				sum = 0
			}
			out[o] = sum
		}

		if l < numLayers-1 {
			rate := 0.0
			if l < len(model.DropoutRates) {
				rate = model.DropoutRates[l]
			}
			if rate > 0 {
				keep := 1 - rate
				mask := make([]float64, len(out))
				for o := range out {
					if rng.Float64() < keep {
						mask[o] = 1 / keep
					}
					out[o] *= mask[o]
				}
				masks[l] = mask
			}
		}
		activations[l+1] = out
	}

	logit := activations[numLayers][0]
	p := sigmoid(logit)
	pc := math.Min(math.Max(p, 1e-12), 1-1e-12)
	var loss float64
	if label >= 0.5 {
		loss = -math.Log(pc)
	} else {
		loss = -math.Log(1 - pc)
	}

	// Backward pass. For sigmoid+BCE the output delta is p - y.
	delta := []float64{p - label}
	for l := numLayers - 1; l >= 0; l-- {
		layer := model.Layers[l]
		prev := activations[l]

		for o, d := range delta {
			grads[l].Biases[o] += d
			for i := range layer.Weights[o] {
				grads[l].Weights[o][i] += d * prev[i]
			}
		}

		if l == 0 {
			break
		}

		prevDelta := make([]float64, len(prev))
		for o, d := range delta {
			for i, w := range layer.Weights[o] {
				prevDelta[i] += d * w
			}
		}
		// Through dropout, then ReLU of the previous layer.
		if masks[l-1] != nil {
			for i := range prevDelta {
				prevDelta[i] *= masks[l-1][i]
			}
		}
		for i := range prevDelta {
			if activations[l][i] <= 0 {
				prevDelta[i] = 0
			}
		}
		delta = prevDelta
	}

	return loss
}

func (t *NeuralTrainer) evalLoss(model *neuralModel, features [][]float64, labels []float64) float64 {
	if len(features) == 0 {
		return 0
	}
	var sum float64
	for i, row := range features {
		p := model.forward(row)
		p = math.Min(math.Max(p, 1e-12), 1-1e-12)
		if labels[i] >= 0.5 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(features))
}

func (t *NeuralTrainer) scoreAll(model *neuralModel, rows [][]float64) []float64 {
	preds := make([]float64, len(rows))
	for i, row := range rows {
		preds[i] = model.forward(row)
	}
	return preds
}

// Predict scores feature rows in [0,1]. Returns nil if no model is loaded.
func (t *NeuralTrainer) Predict(features [][]float64) []float64 {
	if t.model == nil {
		return nil
	}
	return t.scoreAll(t.model, features)
}

// Load restores a persisted network.
func (t *NeuralTrainer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read neural model: %w", err)
	}

	var model neuralModel
	if err := json.Unmarshal(data, &model); err != nil {
		return fmt.Errorf("failed to parse neural model: %w", err)
	}
	if len(model.Layers) == 0 || model.InputDim <= 0 {
		return fmt.Errorf("neural model at %s has no layers", path)
	}

	t.model = &model
	return nil
}

func (t *NeuralTrainer) save(model *neuralModel) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to serialize neural model: %w", err)
	}
	if dir := filepath.Dir(t.cfg.ModelPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	if err := os.WriteFile(t.cfg.ModelPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write neural model: %w", err)
	}
	return nil
}

// IsTrained reports whether the model can produce predictions.
func (t *NeuralTrainer) IsTrained() bool {
	return t.model != nil
}

// FeatureImportance returns an empty map: the network offers no per-feature
// attribution. This is a documented capability gap, not an error.
func (t *NeuralTrainer) FeatureImportance() map[string]float64 {
	return map[string]float64{}
}

// LastTrainingDate returns the timestamp of the most recent training run.
func (t *NeuralTrainer) LastTrainingDate() *time.Time {
	if t.model == nil || len(t.model.History) == 0 {
		return nil
	}
	ts := t.model.History[len(t.model.History)-1].Timestamp
	return &ts
}

// History returns the bounded training-run log, oldest first.
func (t *NeuralTrainer) History() []TrainingRecord {
	if t.model == nil {
		return nil
	}
	history := make([]TrainingRecord, len(t.model.History))
	copy(history, t.model.History)
	return history
}

// adam is the Adam optimizer state, one moment pair per parameter.
type adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	t     int
	m     []neuralLayer
	v     []neuralLayer
}

func newAdam(model *neuralModel, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     newGradients(model),
		v:     newGradients(model),
	}
}

// step applies one Adam update using grads scaled by scale, then zeroes the
// gradient accumulators.
func (a *adam) step(model *neuralModel, grads []neuralLayer, scale float64) {
	a.t++
	bc1 := 1 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.beta2, float64(a.t))

	update := func(param, grad, m, v *float64) {
		g := *grad * scale
		*m = a.beta1*(*m) + (1-a.beta1)*g
		*v = a.beta2*(*v) + (1-a.beta2)*g*g
		mHat := *m / bc1
		vHat := *v / bc2
		*param -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		*grad = 0
	}

	for l := range model.Layers {
		layer := &model.Layers[l]
		for o := range layer.Weights {
			for i := range layer.Weights[o] {
				update(&layer.Weights[o][i], &grads[l].Weights[o][i],
					&a.m[l].Weights[o][i], &a.v[l].Weights[o][i])
			}
			update(&layer.Biases[o], &grads[l].Biases[o],
				&a.m[l].Biases[o], &a.v[l].Biases[o])
		}
	}
}

// newGradients allocates zeroed parameter-shaped accumulators.
func newGradients(model *neuralModel) []neuralLayer {
	grads := make([]neuralLayer, len(model.Layers))
	for l, layer := range model.Layers {
		grads[l] = neuralLayer{
			Weights: make([][]float64, len(layer.Weights)),
			Biases:  make([]float64, len(layer.Biases)),
		}
		for o := range layer.Weights {
			grads[l].Weights[o] = make([]float64, len(layer.Weights[o]))
		}
	}
	return grads
}

// Ensure NeuralTrainer implements Trainer.
var _ Trainer = (*NeuralTrainer)(nil)
