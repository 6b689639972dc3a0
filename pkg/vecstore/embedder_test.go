package vecstore_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	emb := vecstore.NewMockEmbedder(8)

	v1, err := emb.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := emb.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(v1) != 8 {
		t.Fatalf("expected 8 dims, got %d", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("vector not deterministic at dim %d: %v vs %v", i, v1[i], v2[i])
		}
	}

	var norm float64
	for _, v := range v1 {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Errorf("expected unit vector, norm = %v", math.Sqrt(norm))
	}
}

func TestMockEmbedder_EmbedBatch(t *testing.T) {
	emb := vecstore.NewMockEmbedder(4)

	vecs, err := emb.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 4 {
			t.Errorf("vector %d: expected 4 dims, got %d", i, len(v))
		}
	}
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		callCount++

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("expected model nomic-embed-text, got %q", req.Model)
		}

		embeddings := make([][]float64, len(req.Input))
		for i := range req.Input {
			embeddings[i] = []float64{0.1, 0.2, 0.3}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
	}))
	defer srv.Close()

	emb := vecstore.NewOllamaEmbedder(srv.URL, "nomic-embed-text", 3)
	vecs, err := emb.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	if callCount != 1 {
		t.Errorf("expected 1 batched API call, got %d", callCount)
	}
}

func TestOllamaEmbedder_Unavailable(t *testing.T) {
	// Point at a port that is not listening.
	emb := vecstore.NewOllamaEmbedder("http://127.0.0.1:1", "nomic-embed-text", 3)
	if _, err := emb.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error when Ollama is unavailable")
	}
	if err := emb.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error when Ollama is unavailable")
	}
}

func TestOllamaEmbedder_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	emb := vecstore.NewOllamaEmbedder(srv.URL, "", 0)
	if err := emb.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNewEmbedder_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		spec    vecstore.EmbedderSpec
		wantErr bool
	}{
		{name: "mock", spec: vecstore.EmbedderSpec{Kind: "mock", Dimensions: 16}},
		{name: "default is mock", spec: vecstore.EmbedderSpec{}},
		{name: "ollama", spec: vecstore.EmbedderSpec{Kind: "ollama", BaseURL: "http://localhost:11434"}},
		{name: "unknown", spec: vecstore.EmbedderSpec{Kind: "imaginary"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := vecstore.NewEmbedder(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEmbedder: %v", err)
			}
			if emb.Dimensions() <= 0 {
				t.Errorf("expected positive dimensions, got %d", emb.Dimensions())
			}
		})
	}
}
