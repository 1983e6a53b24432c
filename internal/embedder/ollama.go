package embedder

import (
	"context"
	"net/http"
	"strings"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOllamaModel   = "nomic-embed-text"
)

// OllamaEmbedder はローカルのOllamaサーバで埋め込みを計算する
type OllamaEmbedder struct {
	httpClient *http.Client
	baseURL    string
	model      string
	dims       dimTracker
}

// NewOllamaEmbedder は空の引数をデフォルト値で補って作成する
func NewOllamaEmbedder(baseURL, model string, client *http.Client) *OllamaEmbedder {
	e := &OllamaEmbedder{
		httpClient: client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
	if e.baseURL == "" {
		e.baseURL = DefaultOllamaBaseURL
	}
	if e.model == "" {
		e.model = DefaultOllamaModel
	}
	if e.httpClient == nil {
		e.httpClient = newDefaultHTTPClient()
	}
	return e
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaResponse
	req := ollamaRequest{Model: e.model, Prompt: text}
	if err := postJSON(ctx, e.httpClient, e.baseURL+"/api/embeddings", nil, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	vec := make([]float32, 0, len(resp.Embedding))
	for _, v := range resp.Embedding {
		vec = append(vec, float32(v))
	}

	if err := e.dims.observe(len(vec)); err != nil {
		return nil, err
	}
	return vec, nil
}

// GetDimension は初回の埋め込みまで0を返す
func (e *OllamaEmbedder) GetDimension() int {
	return e.dims.get()
}
