package search

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/metrics"
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/store"
)

const (
	// DefaultLimit はテキスト検索の既定件数
	DefaultLimit = 10
	// VectorThreshold はベクトル検索で残す補正後類似度の下限（これより大きいもの）
	VectorThreshold = 0.90
	// VectorLimit はベクトル検索の最大件数
	VectorLimit = 15
)

// Match は検索結果の1件
type Match struct {
	Record     *model.CharacterizationRecord `json:"record"`
	Similarity float64                       `json:"similarity"`
}

// QueryEmbedder はクエリテキストを埋め込みに変換する
type QueryEmbedder interface {
	Compute(ctx context.Context, text string) ([]float32, error)
}

// Ensurer は検索前に埋め込みの補完を完了させる
type Ensurer interface {
	Ensure(ctx context.Context) error
}

// Engine は類似検索エンジン
type Engine struct {
	store    *store.Store
	embedder QueryEmbedder
	settings config.Settings
	ensurer  Ensurer
	workers  int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option はEngineのオプション
type Option func(*Engine)

// WithEnsurer はテキスト検索前に待つメンテナンスを設定
func WithEnsurer(e Ensurer) Option {
	return func(en *Engine) {
		en.ensurer = e
	}
}

// WithWorkers は類似度計算の並列数を設定
func WithWorkers(n int) Option {
	return func(en *Engine) {
		if n > 0 {
			en.workers = n
		}
	}
}

// WithMetrics はメトリクスを設定
func WithMetrics(m *metrics.Metrics) Option {
	return func(en *Engine) {
		en.metrics = m
	}
}

// WithLogger はロガーを設定
func WithLogger(logger *slog.Logger) Option {
	return func(en *Engine) {
		if logger != nil {
			en.logger = logger
		}
	}
}

// NewEngine は新しいEngineを作成する
func NewEngine(s *store.Store, embedder QueryEmbedder, settings config.Settings, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		embedder: embedder,
		settings: settings,
		workers:  runtime.GOMAXPROCS(0),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FindSimilar はテキストに類似したレコードを生の類似度の降順で最大limit件返す
//
// 特徴記述機能が無効な場合やクエリの埋め込みに失敗した場合は空を返す。
// エラーを返すのはコンテキストがキャンセルされた場合のみ。
func (e *Engine) FindSimilar(ctx context.Context, text string, limit int) ([]Match, error) {
	if !e.settings.CharacterizationEnabled() {
		return []Match{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	defer e.observe("text", time.Now())

	if e.ensurer != nil {
		if err := e.ensurer.Ensure(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Debug("maintenance before search did not complete", "error", err)
		}
	}

	candidates := e.candidates()
	if len(candidates) == 0 {
		return []Match{}, nil
	}

	query, err := e.embedder.Compute(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Debug("failed to embed search query", "error", err)
		return []Match{}, nil
	}

	matches, err := e.score(ctx, query, candidates, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// FindSimilarFromVector はベクトルに類似したレコードをジャンル補正後の類似度で返す
// 補正後の類似度が0.90を超えるものを降順で最大15件
func (e *Engine) FindSimilarFromVector(ctx context.Context, query []float32) ([]Match, error) {
	if !e.settings.CharacterizationEnabled() || len(query) == 0 {
		return []Match{}, nil
	}
	defer e.observe("vector", time.Now())

	matches, err := e.score(ctx, query, e.candidates(), GenreWeight)
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, VectorLimit)
	for _, m := range matches {
		if m.Similarity <= VectorThreshold {
			// 降順なので以降も閾値以下
			break
		}
		out = append(out, m)
		if len(out) == VectorLimit {
			break
		}
	}
	return out, nil
}

// candidates は特徴記述と計算済み埋め込みを持つレコードのスナップショット
func (e *Engine) candidates() []*model.CharacterizationRecord {
	var out []*model.CharacterizationRecord
	for _, rec := range e.store.All() {
		if rec.Characteristics != "" && rec.HasEmbedding() {
			out = append(out, rec)
		}
	}
	return out
}

// score は候補ごとの類似度を並列に計算し、全件揃ってから降順に並べる
// 比較に失敗した候補（次元不一致など）はその候補だけ除外する
func (e *Engine) score(ctx context.Context, query []float32, candidates []*model.CharacterizationRecord, weight func(string) float64) ([]Match, error) {
	n := len(candidates)
	if n == 0 {
		return []Match{}, nil
	}

	similarities := make([]float64, n)
	valid := make([]bool, n)

	chunk := (n + e.workers - 1) / e.workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				sim, err := CosineSimilarity(query, candidates[i].Embeddings)
				if err != nil {
					e.logger.Warn("skipping candidate",
						"id", candidates[i].ID,
						"error", err)
					continue
				}
				if weight != nil {
					sim *= weight(candidates[i].Characteristics)
				}
				similarities[i] = sim
				valid[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, n)
	for i, rec := range candidates {
		if valid[i] {
			matches = append(matches, Match{Record: rec, Similarity: similarities[i]})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches, nil
}

func (e *Engine) observe(kind string, start time.Time) {
	e.metrics.SearchObserved(kind, time.Since(start))
}
