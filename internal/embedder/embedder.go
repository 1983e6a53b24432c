// Package embedder provides embedding providers and the backend adapter the cache calls.
package embedder

import (
	"context"
	"errors"
	"fmt"
)

// Embedder はテキストから埋め込みベクトルを生成するインターフェース
// 複数のgoroutineから同時に呼ばれても安全であること
type Embedder interface {
	// Embed はテキストを埋め込みベクトルに変換する
	Embed(ctx context.Context, text string) ([]float32, error)

	// GetDimension はこのEmbedderが生成するベクトルの次元数を返す
	// 初回埋め込み前（dim未確定時）は 0 を返す
	GetDimension() int
}

// DimUpdater は次元数が確定した際に呼び出されるコールバック
type DimUpdater interface {
	UpdateDim(dim int) error
}

// エラー定義
var (
	ErrAPIKeyRequired   = errors.New("api key is required")
	ErrAPIRequestFailed = errors.New("API request failed")
	ErrInvalidResponse  = errors.New("invalid API response")
	ErrEmptyEmbedding   = errors.New("empty embedding returned")
	ErrUnknownProvider  = errors.New("unknown embedder provider")

	// ErrEmbeddingUnavailable は機能フラグがOFFで埋め込みを計算しない場合のエラー
	// 想定内の状態なのでエラーログには出さない
	ErrEmbeddingUnavailable = errors.New("local embeddings are disabled")
	// ErrBackendFailure はプロバイダが失敗した場合のエラー（errors.Is用）
	ErrBackendFailure = errors.New("embedding backend failure")
)

// APIError は詳細なAPIエラー情報を保持
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrAPIRequestFailed
}

// BackendError はプロバイダ呼び出しの失敗を包む
// errors.Is(err, ErrBackendFailure) で判定でき、元のエラーもUnwrapで辿れる
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("embedding backend failure: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendFailure
}
