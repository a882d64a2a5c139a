// Package embedder provides interfaces and implementations for CLIP text and image embedding.
package embedder

import "context"

// Embedder defines the interface for multimodal embedding services.
type Embedder interface {
	// EncodeText generates an embedding vector for a text query.
	EncodeText(ctx context.Context, text string) ([]float32, error)

	// EncodeImage generates an embedding vector for raw image bytes.
	EncodeImage(ctx context.Context, image []byte) ([]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific CLIP model.
type ModelConfig struct {
	Dimension     int // Embedding dimension
	MaxTextTokens int // Max tokens the text encoder accepts
}

// KnownModels maps CLIP model names to their configurations.
var KnownModels = map[string]ModelConfig{
	"ViT-B-32": {
		Dimension:     512,
		MaxTextTokens: 77,
	},
	"ViT-B-16": {
		Dimension:     512,
		MaxTextTokens: 77,
	},
	"ViT-L-14": {
		Dimension:     768,
		MaxTextTokens: 77,
	},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	return ModelConfig{
		Dimension:     512,
		MaxTextTokens: 77,
	}
}
