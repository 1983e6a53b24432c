// Package maintenance backfills missing embeddings in the background.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/embedder"
	"github.com/brbranch/charcache/internal/metrics"
	"github.com/brbranch/charcache/internal/store"
)

const (
	// DefaultInterval は定期実行の間隔
	DefaultInterval = 5 * time.Minute
	// DefaultCheckpointEvery はこの件数を処理するごとに途中保存する
	DefaultCheckpointEvery = 10
)

// 結果の種別（メトリクスのラベル）
const (
	OutcomeCompleted = "completed"
	OutcomeCleared   = "cleared"
	OutcomeAborted   = "aborted"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Embedder はテキストの埋め込みを計算する（embedder.Adapter）
type Embedder interface {
	Compute(ctx context.Context, text string) ([]float32, error)
}

// Report は1回のメンテナンスパスの結果
type Report struct {
	Candidates int  `json:"candidates"` // 対象の特徴記述の種類数
	Processed  int  `json:"processed"`  // 処理した特徴記述の数（失敗を含む）
	Failed     int  `json:"failed"`     // バックエンドの失敗数
	Propagated int  `json:"propagated"` // 埋め込みを設定したレコード数
	Cleared    int  `json:"cleared"`    // 機能OFFで消去したレコード数
	Aborted    bool `json:"aborted"`    // 途中でフラグが変わり中断した
	Skipped    bool `json:"skipped"`    // 別のパスが実行中だった
}

// ProgressFunc は進捗（処理済み件数, 全件数）の通知を受け取る
type ProgressFunc func(current, total int)

// Loop は埋め込みの補完を行うメンテナンスループ
//
// 状態は Idle → Scanning → Idle。同時に走るパスは常に1つで、mu は実行中のパスの
// 確認と設定の間だけ保持する（バックエンド呼び出し中は保持しない）。
type Loop struct {
	store       *store.Store
	persistence *store.Persistence
	embedder    Embedder
	settings    config.Settings

	interval        time.Duration
	checkpointEvery int

	mu      sync.Mutex
	running *pass
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// pass は実行中のパス。done は終了時にcloseされる
type pass struct {
	done   chan struct{}
	report Report
	err    error
}

// Option はLoopのオプション
type Option func(*Loop)

// WithInterval は定期実行の間隔を設定
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithCheckpointEvery は途中保存の間隔（件数）を設定
func WithCheckpointEvery(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.checkpointEvery = n
		}
	}
}

// WithMetrics はメトリクスを設定
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithLogger はロガーを設定
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New は新しいLoopを作成する
func New(s *store.Store, p *store.Persistence, e Embedder, settings config.Settings, opts ...Option) *Loop {
	l := &Loop{
		store:           s,
		persistence:     p,
		embedder:        e,
		settings:        settings,
		interval:        DefaultInterval,
		checkpointEvery: DefaultCheckpointEvery,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Running はパスが実行中かを返す
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running != nil
}

// RunOnce はメンテナンスパスを1回実行する
// 既に実行中なら何もせず Skipped を返す
func (l *Loop) RunOnce(ctx context.Context) (Report, error) {
	p, ok := l.tryClaim()
	if !ok {
		l.metrics.MaintenanceFinished(OutcomeSkipped)
		return Report{Skipped: true}, nil
	}
	l.execute(p, func() (Report, error) { return l.scan(ctx, ctx) })
	return p.report, p.err
}

// Ensure はメンテナンスパスの完了を待つ
// 実行中のパスがあればその終了を待ち、なければ1回実行する
func (l *Loop) Ensure(ctx context.Context) error {
	l.mu.Lock()
	if running := l.running; running != nil {
		l.mu.Unlock()
		select {
		case <-running.done:
			return running.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Unlock()

	_, err := l.RunOnce(ctx)
	return err
}

// RegenerateAll は埋め込みを持たない全ての特徴記述を明示的に計算する
//
// 実行中のパスがあれば終わるのを待ってから開始する。既に埋め込みを持つ特徴記述は
// 計算し直さない（何度呼んでも同じ結果になる）。機能がOFFなら ErrEmbeddingUnavailable。
func (l *Loop) RegenerateAll(ctx context.Context, progress ProgressFunc) (Report, error) {
	if !config.EmbeddingsEnabled(l.settings) {
		return Report{}, embedder.ErrEmbeddingUnavailable
	}

	p, err := l.claim(ctx)
	if err != nil {
		return Report{}, err
	}
	l.execute(p, func() (Report, error) {
		report, err := l.backfill(ctx, ctx, l.store.PendingCharacteristics(), progress)
		if err == nil && report.Aborted {
			err = embedder.ErrEmbeddingUnavailable
		}
		return report, err
	})
	return p.report, p.err
}

// Start は即時に1回（フラグがONの場合）、以後 interval ごとにパスを実行する
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		cancel()
		return
	}
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		if config.EmbeddingsEnabled(l.settings) {
			l.runScheduled(ctx)
		}

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.runScheduled(ctx)
			}
		}
	}()
}

// Stop は定期実行を止め、実行中のパスが区切りで終わるのを待つ
// 実行中のバックエンド呼び出しはキャンセルしない
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// runScheduled は定期実行の1回分
func (l *Loop) runScheduled(ctx context.Context) {
	p, ok := l.tryClaim()
	if !ok {
		l.metrics.MaintenanceFinished(OutcomeSkipped)
		return
	}
	// 停止はアイテムの区切りで判定し、バックエンド呼び出し自体は切らない
	l.execute(p, func() (Report, error) { return l.scan(ctx, context.WithoutCancel(ctx)) })
	if p.err != nil && ctx.Err() == nil {
		l.logger.Warn("maintenance pass failed", "error", p.err)
	}
}

// tryClaim は Idle なら Scanning に遷移する
func (l *Loop) tryClaim() (*pass, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running != nil {
		return nil, false
	}
	l.running = &pass{done: make(chan struct{})}
	return l.running, true
}

// claim は実行中のパスの終了を待ってから Scanning に遷移する
func (l *Loop) claim(ctx context.Context) (*pass, error) {
	for {
		l.mu.Lock()
		running := l.running
		if running == nil {
			l.running = &pass{done: make(chan struct{})}
			p := l.running
			l.mu.Unlock()
			return p, nil
		}
		l.mu.Unlock()

		select {
		case <-running.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// execute はパスを実行し、終了時に Idle に戻す
func (l *Loop) execute(p *pass, fn func() (Report, error)) {
	defer l.release(p)
	defer func() {
		if r := recover(); r != nil {
			p.err = fmt.Errorf("maintenance pass panicked: %v", r)
			l.logger.Error("maintenance pass panicked", "panic", r)
		}
		l.metrics.MaintenanceFinished(outcome(p.report, p.err))
	}()
	p.report, p.err = fn()
}

func (l *Loop) release(p *pass) {
	l.mu.Lock()
	if l.running == p {
		l.running = nil
	}
	l.mu.Unlock()
	close(p.done)
}

func outcome(r Report, err error) string {
	switch {
	case err != nil:
		return OutcomeFailed
	case r.Aborted:
		return OutcomeAborted
	case r.Cleared > 0:
		return OutcomeCleared
	default:
		return OutcomeCompleted
	}
}

// scan は定期パスの本体
// stop は中断判定用、callCtx はバックエンド呼び出しと保存に使う
func (l *Loop) scan(stop, callCtx context.Context) (Report, error) {
	if !config.EmbeddingsEnabled(l.settings) {
		cleared := l.store.ClearEmbeddings()
		if cleared > 0 {
			l.persistence.MarkDirty()
			l.logger.Info("embeddings disabled, cleared stored vectors", "count", cleared)
		}
		return Report{Cleared: cleared}, l.persistence.Save(callCtx)
	}

	return l.backfill(stop, callCtx, l.store.PendingCharacteristics(), nil)
}

// backfill は各特徴記述の埋め込みを求めて同じ特徴記述の全レコードに伝播する
//
// 既に同じ特徴記述の計算済み埋め込みがあればバックエンドを呼ばずにそれを使う。
// フラグが途中でOFFになったら保存せずに中断する。
func (l *Loop) backfill(stop, callCtx context.Context, texts []string, progress ProgressFunc) (Report, error) {
	report := Report{Candidates: len(texts)}
	if len(texts) == 0 {
		return report, nil
	}
	l.logger.Debug("maintenance pass started", "candidates", len(texts))

	for _, text := range texts {
		if err := stop.Err(); err != nil {
			return report, err
		}
		n, err := l.process(callCtx, text)
		if errors.Is(err, embedder.ErrEmbeddingUnavailable) {
			report.Aborted = true
			l.logger.Info("embeddings disabled during maintenance, aborting",
				"processed", report.Processed,
				"candidates", report.Candidates)
			return report, nil
		}
		if n > 0 {
			report.Propagated += n
			l.persistence.MarkDirty()
		}
		report.Processed++
		if err != nil {
			if stop.Err() != nil {
				return report, stop.Err()
			}
			report.Failed++
			if n := l.store.MarkFailed(text); n > 0 {
				l.persistence.MarkDirty()
			}
			l.logger.Warn("failed to compute embedding",
				"characteristics", text,
				"error", err)
		}

		if progress != nil {
			progress(report.Processed, report.Candidates)
		}
		if report.Processed%l.checkpointEvery == 0 {
			if err := l.persistence.Save(callCtx); err != nil {
				l.logger.Warn("checkpoint save failed", "error", err)
			}
		}
	}

	l.logger.Debug("maintenance pass finished",
		"processed", report.Processed,
		"failed", report.Failed,
		"propagated", report.Propagated)
	return report, l.persistence.Save(callCtx)
}

// process は1つの特徴記述の埋め込みを求めて伝播し、更新件数を返す
// フラグがOFFなら、計算の前後どちらで気付いても ErrEmbeddingUnavailable を返す
func (l *Loop) process(ctx context.Context, text string) (int, error) {
	if !config.EmbeddingsEnabled(l.settings) {
		return 0, embedder.ErrEmbeddingUnavailable
	}

	vec := l.store.FindEmbedding(text)
	if vec == nil {
		var err error
		if vec, err = l.embedder.Compute(ctx, text); err != nil {
			return 0, err
		}
	}

	// 計算中に無効化と消去が走っていれば書き込まない
	if !config.EmbeddingsEnabled(l.settings) {
		return 0, embedder.ErrEmbeddingUnavailable
	}
	n, err := l.store.SetEmbeddingFor(text, vec)
	if errors.Is(err, store.ErrEmbeddingsDisabled) {
		return 0, embedder.ErrEmbeddingUnavailable
	}
	return n, err
}
