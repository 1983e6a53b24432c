package embedder

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/metrics"
)

// Adapter はキャッシュと外部プロバイダの境界
//
// 機能フラグを毎回ポーリングし、OFFなら ErrEmbeddingUnavailable を即座に返す。
// プロバイダの失敗は *BackendError に包む。結果のキャッシュは持たない
// （キャッシュはストアの責務）。同一テキストの同時リクエストは1回の呼び出しにまとめる。
type Adapter struct {
	embedder Embedder
	settings config.Settings
	limiter  *rate.Limiter
	group    singleflight.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// AdapterOption はAdapterのオプション
type AdapterOption func(*Adapter)

// WithRateLimit はプロバイダ呼び出しを秒間rps回に制限する。0以下なら無制限
func WithRateLimit(rps float64) AdapterOption {
	return func(a *Adapter) {
		if rps > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithMetrics はメトリクスを設定
func WithMetrics(m *metrics.Metrics) AdapterOption {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// WithLogger はロガーを設定
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(embedder Embedder, settings config.Settings, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		embedder: embedder,
		settings: settings,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Available は埋め込みを計算できる状態か（両方の機能フラグがON）を返す
func (a *Adapter) Available() bool {
	return config.EmbeddingsEnabled(a.settings)
}

// Dimension はプロバイダの次元を返す（未確定なら0）
func (a *Adapter) Dimension() int {
	return a.embedder.GetDimension()
}

// Compute はテキストの埋め込みを計算する
//
// 返すエラー:
//   - ErrEmbeddingUnavailable: 機能フラグがOFF
//   - context のエラー: キャンセル/タイムアウト
//   - *BackendError: プロバイダの失敗（空ベクトルも含む）
func (a *Adapter) Compute(ctx context.Context, text string) ([]float32, error) {
	if !a.Available() {
		return nil, ErrEmbeddingUnavailable
	}

	ch := a.group.DoChan(text, func() (any, error) {
		return a.call(ctx, text)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// 共有された結果を呼び出し側ごとにコピーして渡す
		vec := res.Val.([]float32)
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
}

func (a *Adapter) call(ctx context.Context, text string) ([]float32, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timer := a.metrics.EmbeddingTimer()
	vec, err := a.embedder.Embed(ctx, text)
	timer()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		a.metrics.EmbeddingFailed()
		return nil, &BackendError{Err: err}
	}
	if len(vec) == 0 {
		a.metrics.EmbeddingFailed()
		return nil, &BackendError{Err: ErrEmptyEmbedding}
	}

	a.metrics.EmbeddingComputed()
	return vec, nil
}
