package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultClipBaseURL is the default CLIP serving API base URL.
	DefaultClipBaseURL = "http://localhost:8090"

	// DefaultClipModel is the default CLIP model.
	DefaultClipModel = "ViT-B-32"

	// DefaultClipDimension is the default embedding dimension for ViT-B-32.
	DefaultClipDimension = 512
)

// ClipConfig holds configuration for the CLIP embedder.
type ClipConfig struct {
	// BaseURL is the CLIP serving API base URL (default: http://localhost:8090).
	BaseURL string

	// Model is the CLIP model to use (default: ViT-B-32).
	Model string

	// Dimension is the embedding dimension (default: 512 for ViT-B-32).
	Dimension int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// ClipEmbedder implements the Embedder interface against a CLIP serving endpoint.
type ClipEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// clipTextRequest represents the request body for the text encode API.
type clipTextRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

// clipImageRequest represents the request body for the image encode API.
// Image bytes travel base64-encoded.
type clipImageRequest struct {
	Model string `json:"model"`
	Image string `json:"image"`
}

// clipResponse represents the response from the encode APIs.
type clipResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewClipEmbedder creates a new CLIP embedder with the given configuration.
func NewClipEmbedder(cfg ClipConfig) *ClipEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultClipBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultClipModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = GetModelConfig(model).Dimension
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &ClipEmbedder{
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		client:    client,
	}
}

// EncodeText generates an embedding vector for a text query.
func (e *ClipEmbedder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	reqBody := clipTextRequest{
		Model: e.model,
		Text:  text,
	}
	return e.encode(ctx, "/encode/text", reqBody)
}

// EncodeImage generates an embedding vector for raw image bytes.
func (e *ClipEmbedder) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	reqBody := clipImageRequest{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(image),
	}
	return e.encode(ctx, "/encode/image", reqBody)
}

func (e *ClipEmbedder) encode(ctx context.Context, path string, reqBody any) ([]float32, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := e.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("clip API error (status %d): %s", resp.StatusCode, string(body))
	}

	var clipResp clipResponse
	if err := json.NewDecoder(resp.Body).Decode(&clipResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(clipResp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned from CLIP service")
	}

	// Convert float64 to float32
	embedding := make([]float32, len(clipResp.Embedding))
	for i, v := range clipResp.Embedding {
		embedding[i] = float32(v)
	}

	return embedding, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *ClipEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *ClipEmbedder) ModelName() string {
	return e.model
}

// Ensure ClipEmbedder implements Embedder interface.
var _ Embedder = (*ClipEmbedder)(nil)
