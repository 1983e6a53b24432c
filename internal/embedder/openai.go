package embedder

import (
	"context"
	"net/http"
	"strings"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
)

// OpenAIEmbedder は /embeddings エンドポイント互換のAPIを呼ぶEmbedder
type OpenAIEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dims       dimTracker
}

// OpenAIOption はOpenAIEmbedderの設定を変更する
type OpenAIOption func(*OpenAIEmbedder)

// WithBaseURL はAPIのベースURLを差し替える（互換サーバやテスト用）
func WithBaseURL(url string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.baseURL = strings.TrimRight(url, "/") }
}

func WithModel(model string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.model = model }
}

// WithDim は設定ファイルに記録済みの次元を与える。
// 与えた次元と異なる応答は ErrInvalidResponse になる。
func WithDim(dim int) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.dims.seed(dim) }
}

// WithDimUpdater は初回応答で確定した次元の通知先を設定する
func WithDimUpdater(updater DimUpdater) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.dims.updater = updater }
}

func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// NewOpenAIEmbedder はAPIキー必須でOpenAIEmbedderを作る
func NewOpenAIEmbedder(apiKey string, opts ...OpenAIOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	e := &OpenAIEmbedder{
		httpClient: newDefaultHTTPClient(),
		baseURL:    DefaultOpenAIBaseURL,
		apiKey:     apiKey,
		model:      DefaultOpenAIModel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type openAIRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	EncodingFormat string `json:"encoding_format"`
}

type openAIReply struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed は特徴テキスト1件をベクトル化する
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.apiKey)

	var reply openAIReply
	req := openAIRequest{Model: e.model, Input: text, EncodingFormat: "float"}
	if err := postJSON(ctx, e.httpClient, e.baseURL+"/embeddings", header, req, &reply); err != nil {
		return nil, err
	}

	if len(reply.Data) == 0 || len(reply.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	vec := reply.Data[0].Embedding

	if err := e.dims.observe(len(vec)); err != nil {
		return nil, err
	}
	return vec, nil
}

// GetDimension は確定済みの次元を返す（未確定なら0）
func (e *OpenAIEmbedder) GetDimension() int {
	return e.dims.get()
}
