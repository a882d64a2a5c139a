package ltr

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func testNeuralConfig(t *testing.T) NeuralConfig {
	t.Helper()
	cfg := DefaultNeuralConfig(filepath.Join(t.TempDir(), "neural_model.json"))
	// Small network keeps the tests fast without changing the mechanics.
	cfg.HiddenDims = []int{16, 8}
	cfg.DropoutRates = []float64{0.1, 0.1}
	cfg.MaxEpochs = 30
	cfg.Patience = 5
	return cfg
}

func TestNeuralTrainEmptyDataset(t *testing.T) {
	trainer := NewNeuralTrainer(testNeuralConfig(t), nil)

	if _, err := trainer.Train(&Dataset{}); !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("Train on empty dataset: err = %v, want ErrEmptyDataset", err)
	}
}

func TestNeuralPredictUntrained(t *testing.T) {
	trainer := NewNeuralTrainer(testNeuralConfig(t), nil)

	if trainer.IsTrained() {
		t.Error("fresh trainer reports trained")
	}
	if preds := trainer.Predict([][]float64{{1, 2, 3}}); preds != nil {
		t.Errorf("Predict on untrained model = %v, want nil", preds)
	}
}

func TestNeuralTrainSeparableData(t *testing.T) {
	cfg := testNeuralConfig(t)
	trainer := NewNeuralTrainer(cfg, nil)

	dataset := syntheticDataset(200, 3, 7)
	record, err := trainer.Train(dataset)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if !trainer.IsTrained() {
		t.Fatal("trainer not marked trained after Train")
	}
	if record.InputDim != 3 {
		t.Errorf("record input dim = %d, want 3", record.InputDim)
	}
	if record.EpochsTrained == 0 || record.EpochsTrained > cfg.MaxEpochs {
		t.Errorf("epochs trained = %d, want 1..%d", record.EpochsTrained, cfg.MaxEpochs)
	}
	if record.ValMetrics.Accuracy < 0.8 {
		t.Errorf("validation accuracy = %v on separable data, want >= 0.8", record.ValMetrics.Accuracy)
	}

	features, _ := dataset.Matrix()
	preds := trainer.Predict(features)
	for i, p := range preds {
		if p < 0 || p > 1 {
			t.Fatalf("prediction %d = %v outside [0,1]", i, p)
		}
	}
}

func TestNeuralPredictDeterministic(t *testing.T) {
	trainer := NewNeuralTrainer(testNeuralConfig(t), nil)
	if _, err := trainer.Train(syntheticDataset(100, 3, 7)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	features, _ := syntheticDataset(10, 3, 9).Matrix()
	first := trainer.Predict(features)
	second := trainer.Predict(features)
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("inference not deterministic at row %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestNeuralSaveLoadRoundTrip(t *testing.T) {
	cfg := testNeuralConfig(t)
	trainer := NewNeuralTrainer(cfg, nil)

	if _, err := trainer.Train(syntheticDataset(200, 3, 7)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	features, _ := syntheticDataset(40, 3, 99).Matrix()
	before := trainer.Predict(features)

	restored := NewNeuralTrainer(cfg, nil)
	if err := restored.Load(cfg.ModelPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	after := restored.Predict(features)

	for i := range before {
		if math.Abs(before[i]-after[i]) > 1e-5 {
			t.Errorf("prediction %d drifted across save/load: %v vs %v", i, before[i], after[i])
		}
	}
}

func TestNeuralRetrainContinuesFromWeights(t *testing.T) {
	cfg := testNeuralConfig(t)
	trainer := NewNeuralTrainer(cfg, nil)

	if _, err := trainer.Train(syntheticDataset(100, 3, 7)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	fresh := NewNeuralTrainer(cfg, nil)
	record, err := fresh.Retrain(syntheticDataset(100, 3, 8), cfg.ModelPath)
	if err != nil {
		t.Fatalf("Retrain failed: %v", err)
	}
	if record.InputDim != 3 {
		t.Errorf("retrain input dim = %d, want 3", record.InputDim)
	}
	if got := len(fresh.History()); got != 2 {
		t.Errorf("history length after retrain = %d, want 2", got)
	}
}

func TestNeuralRetrainReinitializesOnDimChange(t *testing.T) {
	cfg := testNeuralConfig(t)
	trainer := NewNeuralTrainer(cfg, nil)

	if _, err := trainer.Train(syntheticDataset(100, 3, 7)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	// Same artifact, wider features: the network must reinitialize, not crash.
	fresh := NewNeuralTrainer(cfg, nil)
	record, err := fresh.Retrain(syntheticDataset(100, 5, 8), cfg.ModelPath)
	if err != nil {
		t.Fatalf("Retrain with changed dimension failed: %v", err)
	}
	if record.InputDim != 5 {
		t.Errorf("record input dim = %d, want 5", record.InputDim)
	}

	preds := fresh.Predict([][]float64{{1, 2, 3, 4, 5}})
	if len(preds) != 1 {
		t.Fatalf("predict after reinit returned %d scores, want 1", len(preds))
	}
}

func TestNeuralFeatureImportanceEmpty(t *testing.T) {
	trainer := NewNeuralTrainer(testNeuralConfig(t), nil)
	if _, err := trainer.Train(syntheticDataset(100, 3, 7)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if got := trainer.FeatureImportance(); len(got) != 0 {
		t.Errorf("neural feature importance = %v, want empty map", got)
	}
}
