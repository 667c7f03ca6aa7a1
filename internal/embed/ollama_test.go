package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/vection-dev/vection/internal/errors"
)

// embedServer fakes the Ollama /api/embed endpoint.
func embedServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var count int
		switch input := req.Input.(type) {
		case string:
			count = 1
		case []any:
			count = len(input)
		}

		embeddings := make([][]float64, count)
		for i := range embeddings {
			vec := make([]float64, dims)
			vec[i%dims] = 1.0
			embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: embeddings})
	}))
}

func TestOllamaEmbedderBatch(t *testing.T) {
	srv := embedServer(t, 8)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            srv.URL,
		Model:           "test-model",
		Dimensions:      8,
		BatchSize:       2,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	results, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, vec := range results {
		assert.Len(t, vec, 8)
	}
}

func TestOllamaEmbedderEmptyInputsSkipAPI(t *testing.T) {
	srv := embedServer(t, 4)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            srv.URL,
		Dimensions:      4,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	results, err := e.EmbedBatch(context.Background(), []string{"", "  ", "real"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, make([]float32, 4), results[0])
	assert.Equal(t, make([]float32, 4), results[1])
	assert.NotEqual(t, make([]float32, 4), results[2])
}

func TestOllamaEmbedderDimensionDetection(t *testing.T) {
	srv := embedServer(t, 16)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:  srv.URL,
		Model: "test-model",
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.Equal(t, 16, e.Dimension())
}

func TestOllamaEmbedderContextLengthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "input exceeds maximum context length", http.StatusBadRequest)
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            srv.URL,
		Dimensions:      4,
		MaxRetries:      1,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, err = e.Embed(context.Background(), "very long text")
	require.Error(t, err)
	assert.True(t, verrors.IsCode(err, verrors.ErrCodeContextLengthExceeded))
}

func TestOllamaEmbedderUnavailable(t *testing.T) {
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            "http://127.0.0.1:1",
		Dimensions:      4,
		MaxRetries:      1,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, verrors.IsCode(err, verrors.ErrCodeProviderUnavailable))
}
