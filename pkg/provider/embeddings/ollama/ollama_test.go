package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/embedgate/pkg/provider/embeddings/ollama"
)

// mockEmbedServer starts a test HTTP server that handles /api/embed requests
// and returns the first len(input) vectors of responses.
func mockEmbedServer(t *testing.T, wantModel string, responses [][]float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: got %q, want /api/embed", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: got %q, want POST", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Model     string   `json:"model"`
			Input     []string `json:"input"`
			KeepAlive string   `json:"keep_alive"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model: got %q, want %q", req.Model, wantModel)
		}

		result := responses
		if len(result) > len(req.Input) {
			result = result[:len(req.Input)]
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"model":      wantModel,
			"embeddings": result,
		}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestNew_Defaults(t *testing.T) {
	p, err := ollama.New("", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != ollama.DefaultModel {
		t.Errorf("ModelID(): got %q, want %q", p.ModelID(), ollama.DefaultModel)
	}
	if p.Dimensions() != 1024 {
		t.Errorf("Dimensions(): got %d, want 1024", p.Dimensions())
	}
}

func TestNew_InvalidScheme(t *testing.T) {
	if _, err := ollama.New("localhost:11434", "mxbai-embed-large"); err == nil {
		t.Fatal("expected error for base url without scheme")
	}
}

// TestEmbedBatch verifies that EmbedBatch sends all texts in a single request
// and returns correctly ordered embedding vectors.
func TestEmbedBatch(t *testing.T) {
	vecs := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
		{0.7, 0.8, 0.9},
	}
	srv := mockEmbedServer(t, "mxbai-embed-large", vecs)
	defer srv.Close()

	p, err := ollama.New(srv.URL+"/", "mxbai-embed-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	texts := []string{"text1", "text2", "text3"}
	got, err := p.EmbedBatch(context.Background(), texts, "en")
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("length: got %d, want %d", len(got), len(texts))
	}
	for i, wantVec := range vecs {
		for j, wantVal := range wantVec {
			if got[i][j] != wantVal {
				t.Errorf("vec[%d][%d]: got %v, want %v", i, j, got[i][j], wantVal)
			}
		}
	}
}

// TestEmbedBatch_CountMismatch verifies that a short response is an error.
func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv := mockEmbedServer(t, "mxbai-embed-large", [][]float32{{1, 2}})
	defer srv.Close()

	p, err := ollama.New(srv.URL, "mxbai-embed-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"a", "b"}, "en"); err == nil {
		t.Fatal("expected error for mismatched embedding count")
	}
}

// TestEmbedBatch_Empty verifies that passing a nil slice returns (nil, nil)
// without issuing any network request.
func TestEmbedBatch_Empty(t *testing.T) {
	p, err := ollama.New("http://127.0.0.1:19999", "mxbai-embed-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.EmbedBatch(context.Background(), nil, "en")
	if err != nil {
		t.Fatalf("EmbedBatch(nil): unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("EmbedBatch(nil): expected nil, got %v", got)
	}
}

func TestDimensions_KnownModels(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"mxbai-embed-large", 1024},
		{"mxbai-embed-large:latest", 1024},
		{"bge-m3", 1024},
		{"nomic-embed-text", 768},
		{"all-minilm", 384},
		{"custom-embed", 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := ollama.New("http://127.0.0.1:19999", tt.model)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions(): got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDimensions_WithDimensionsOption(t *testing.T) {
	p, err := ollama.New("http://127.0.0.1:19999", "custom-model", ollama.WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 256 {
		t.Errorf("Dimensions(): got %d, want 256", got)
	}
}

// TestEmbedBatch_ServerDown verifies that an unreachable server returns an
// error rather than blocking indefinitely.
func TestEmbedBatch_ServerDown(t *testing.T) {
	p, err := ollama.New("http://127.0.0.1:19999", "mxbai-embed-large",
		ollama.WithTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"hello"}, "en"); err == nil {
		t.Fatal("expected error for unreachable server, got nil")
	}
}

func TestEmbedBatch_BadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := ollama.New(srv.URL, "mxbai-embed-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"hello"}, "en"); err == nil {
		t.Fatal("expected error for 404 response, got nil")
	}
}

func TestEmbedBatch_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	p, err := ollama.New(srv.URL, "mxbai-embed-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"hello"}, "en"); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestEmbedBatch_ContextCancelled(t *testing.T) {
	stopCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stopCh:
		}
	}))
	defer srv.Close()
	defer close(stopCh)

	p, err := ollama.New(srv.URL, "mxbai-embed-large")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := p.EmbedBatch(ctx, []string{"hello"}, "en"); err == nil {
		t.Fatal("expected context cancellation error, got nil")
	}
}
