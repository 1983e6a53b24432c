package embedder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSON_SendsHeadersAndDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Write([]byte(`{"value": 7}`))
	}))
	defer server.Close()

	header := http.Header{}
	header.Set("X-Trace", "yes")

	var out struct {
		Value int `json:"value"`
	}
	err := postJSON(context.Background(), server.Client(), server.URL, header, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Value)
}

func TestPostJSON_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := postJSON(context.Background(), http.DefaultClient, url, nil, struct{}{}, &struct{}{})
	assert.ErrorIs(t, err, ErrAPIRequestFailed)
}

func TestDimTracker_Observe(t *testing.T) {
	updater := &mockDimUpdater{}
	d := &dimTracker{updater: updater}

	require.NoError(t, d.observe(4))
	require.NoError(t, d.observe(4))
	assert.ErrorIs(t, d.observe(3), ErrInvalidResponse)
	assert.Equal(t, 4, d.get())
	assert.Equal(t, 1, updater.callCount)
}

func TestDimTracker_Seeded(t *testing.T) {
	d := &dimTracker{}
	d.seed(0)
	assert.Equal(t, 0, d.get())

	d.seed(8)
	assert.ErrorIs(t, d.observe(2), ErrInvalidResponse)
	assert.NoError(t, d.observe(8))
}

func TestOllamaEmbedder_DimensionMismatch(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"embedding": [0.1, 0.2]}`))
			return
		}
		w.Write([]byte(`{"embedding": [0.1, 0.2, 0.3]}`))
	}))
	defer server.Close()

	emb := NewOllamaEmbedder(server.URL, "", server.Client())
	_, err := emb.Embed(context.Background(), "a")
	require.NoError(t, err)

	_, err = emb.Embed(context.Background(), "b")
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, 2, emb.GetDimension())
}
