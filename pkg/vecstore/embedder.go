package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// Embedder converts document text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)
	// EmbedBatch returns embedding vectors for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
	// Dimensions reports the vector width this embedder produces.
	Dimensions() int
}

// EmbedderSpec is the serializable description of an embedder, carried in
// store snapshots so a rehydrated handle can rebuild the same embedder.
type EmbedderSpec struct {
	Kind       string `json:"kind"` // "mock" | "ollama"
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions"`
}

// NewEmbedder builds an embedder from its spec.
func NewEmbedder(spec EmbedderSpec) (Embedder, error) {
	switch spec.Kind {
	case "", "mock":
		return NewMockEmbedder(spec.Dimensions), nil
	case "ollama":
		return NewOllamaEmbedder(spec.BaseURL, spec.Model, spec.Dimensions), nil
	default:
		return nil, &protocol.ValidationError{Field: "embedder", Reason: fmt.Sprintf("unknown kind %q", spec.Kind)}
	}
}

// OllamaEmbedder calls a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewOllamaEmbedder creates an embedder backed by an Ollama server.
// Defaults: baseURL http://localhost:11434, model nomic-embed-text.
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims <= 0 {
		dims = 768
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Spec returns the serializable description of this embedder.
func (o *OllamaEmbedder) Spec() EmbedderSpec {
	return EmbedderSpec{Kind: "ollama", BaseURL: o.baseURL, Model: o.model, Dimensions: o.dims}
}

// Dimensions reports the configured vector width.
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Ping verifies the Ollama server is reachable. Used as a dependency
// precheck before any worker model that needs real embeddings runs.
func (o *OllamaEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama ping request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama ping: status %d", resp.StatusCode)
	}
	return nil
}

// Embed returns the embedding for a single text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch embeds multiple texts in one API call.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, string(data))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama embed: decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d embeddings for %d texts", len(parsed.Embeddings), len(texts))
	}
	return parsed.Embeddings, nil
}

// MockEmbedder produces deterministic pseudo-embeddings without any
// external service. The vector for a given text is stable across
// processes, which keeps diagnostics reproducible and lets the harness
// run with no Ollama installed.
type MockEmbedder struct {
	dims int
}

// NewMockEmbedder creates a deterministic embedder with the given
// dimensionality (default 768).
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 768
	}
	return &MockEmbedder{dims: dims}
}

// Spec returns the serializable description of this embedder.
func (m *MockEmbedder) Spec() EmbedderSpec {
	return EmbedderSpec{Kind: "mock", Dimensions: m.dims}
}

// Dimensions reports the configured vector width.
func (m *MockEmbedder) Dimensions() int { return m.dims }

// Embed returns a deterministic unit vector derived from the text.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	return m.deterministicVector(text), nil
}

// EmbedBatch embeds each text independently.
func (m *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = m.deterministicVector(t)
	}
	return out, nil
}

// deterministicVector hashes the text into a seed, expands it with an LCG,
// and normalizes the result to unit length.
func (m *MockEmbedder) deterministicVector(text string) []float64 {
	h := uint64(0)
	for _, c := range text {
		h = h*31 + uint64(c)
	}

	vec := make([]float64, m.dims)
	for i := range vec {
		h = h*6364136223846793005 + 1442695040888963407     // LCG
		vec[i] = (float64(h)/float64(math.MaxUint64))*2 - 1 // map [0, MaxUint64] to [-1, 1]
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
