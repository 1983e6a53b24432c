package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaEmbedder_Embed_Success(t *testing.T) {
	var got ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"embedding": [0.5, -0.25, 1.0]}`))
	}))
	defer server.Close()

	emb := NewOllamaEmbedder(server.URL, "nomic-embed-text", server.Client())
	assert.Equal(t, 0, emb.GetDimension())

	vec, err := emb.Embed(context.Background(), "folk, acoustic")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1.0}, vec)
	assert.Equal(t, 3, emb.GetDimension())
	assert.Equal(t, "nomic-embed-text", got.Model)
	assert.Equal(t, "folk, acoustic", got.Prompt)
}

func TestOllamaEmbedder_Embed_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, "model not loaded", ErrAPIRequestFailed},
		{"invalid json", http.StatusOK, "{", ErrInvalidResponse},
		{"empty embedding", http.StatusOK, `{"embedding": []}`, ErrEmptyEmbedding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewOllamaEmbedder(server.URL, "", server.Client()).Embed(context.Background(), "x")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOllamaEmbedder_Defaults(t *testing.T) {
	emb := NewOllamaEmbedder("", "", nil)
	assert.Equal(t, DefaultOllamaBaseURL, emb.baseURL)
	assert.Equal(t, DefaultOllamaModel, emb.model)
}
