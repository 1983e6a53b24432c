package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/metrics"
	"github.com/brbranch/charcache/internal/model"
)

const (
	// DefaultSaveAttempts は保存の最大試行回数
	DefaultSaveAttempts = 3
	// DefaultSaveBackoff は保存のリトライ間隔（固定）
	DefaultSaveBackoff = 100 * time.Millisecond
)

// Persistence はStoreとPersisterの間で保存のタイミングを管理する
//
// dirtyフラグが立っている場合だけ保存する。保存はバイナリセマフォで直列化され、
// 同時に走る保存は常に1つ。スナップショットを取る前にdirtyを下ろすので、
// 保存中の書き込みは次回の保存で拾われる。
type Persistence struct {
	store     *Store
	persister Persister
	namespace func() string

	gate    *semaphore.Weighted
	dirty   atomic.Bool
	pending atomic.Bool
	wg      sync.WaitGroup

	attempts int
	backoff  time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// PersistenceOption はPersistenceのオプション
type PersistenceOption func(*Persistence)

// WithNamespace は保存時に記録するnamespaceの取得関数を設定
func WithNamespace(fn func() string) PersistenceOption {
	return func(p *Persistence) {
		p.namespace = fn
	}
}

// WithRetry は保存の試行回数と間隔を設定
func WithRetry(attempts int, backoff time.Duration) PersistenceOption {
	return func(p *Persistence) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// WithPersistenceMetrics はメトリクスを設定
func WithPersistenceMetrics(m *metrics.Metrics) PersistenceOption {
	return func(p *Persistence) {
		p.metrics = m
	}
}

// WithPersistenceLogger はロガーを設定
func WithPersistenceLogger(logger *slog.Logger) PersistenceOption {
	return func(p *Persistence) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPersistence は新しいPersistenceを作成する
func NewPersistence(store *Store, persister Persister, opts ...PersistenceOption) *Persistence {
	p := &Persistence{
		store:     store,
		persister: persister,
		namespace: func() string { return "" },
		gate:      semaphore.NewWeighted(1),
		attempts:  DefaultSaveAttempts,
		backoff:   DefaultSaveBackoff,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Location は保存先を返す
func (p *Persistence) Location() string {
	return p.persister.Location()
}

// MarkDirty は未保存の変更があることを記録する
func (p *Persistence) MarkDirty() {
	p.dirty.Store(true)
}

// IsDirty は未保存の変更があるかを返す
func (p *Persistence) IsDirty() bool {
	return p.dirty.Load()
}

// Load は保存先からストアを復元し、読み込んだ件数を返す
//
// 保存先が壊れていてもエラーにはせず、ログを出して空のストアで開始する。
// 保存されているnamespaceと現在のprovider/modelが異なる場合は、
// 埋め込みを未計算に戻して再計算させる。
func (p *Persistence) Load(ctx context.Context) int {
	snap, err := p.persister.Load(ctx)
	if err != nil {
		var de *DeserializationError
		if errors.As(err, &de) {
			p.logger.Error("failed to deserialize characterization cache, starting empty",
				"location", p.persister.Location(),
				"error", err)
		} else {
			p.logger.Warn("failed to load characterization cache, starting empty",
				"location", p.persister.Location(),
				"error", err)
		}
		p.store.replaceAll(nil)
		p.metrics.SetRecords(0)
		return 0
	}

	if mismatched := p.store.replaceAll(snap.Records); mismatched > 0 {
		p.logger.Warn("discarded embeddings with inconsistent dimension",
			"count", mismatched,
			"dimension", p.store.Dimension())
		p.MarkDirty()
	}

	current := p.namespace()
	if !config.SameModel(snap.Namespace, current) {
		reset := p.store.ResetEmbeddings()
		p.logger.Info("embedding model changed, embeddings will be recomputed",
			"stored", snap.Namespace,
			"current", current,
			"reset", reset)
		if reset > 0 {
			p.MarkDirty()
		}
	}

	p.metrics.SetRecords(p.store.Len())
	p.logger.Debug("characterization cache loaded",
		"location", p.persister.Location(),
		"records", p.store.Len())
	return p.store.Len()
}

// Save は未保存の変更があればスナップショットを保存する
//
// 一時的なI/Oエラーは固定間隔でリトライする。全て失敗した場合はdirtyを
// 戻してエラーを返す（以前の保存内容はそのまま残る）。
func (p *Persistence) Save(ctx context.Context) error {
	if !p.dirty.Load() {
		return nil
	}

	if err := p.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.gate.Release(1)

	// 待っている間に他の保存が済んでいれば何もしない
	if !p.dirty.Swap(false) {
		return nil
	}

	snap := p.snapshot()
	if err := p.saveWithRetry(ctx, snap); err != nil {
		p.dirty.Store(true)
		p.metrics.SaveFinished("error")
		p.logger.Error("failed to save characterization cache",
			"location", p.persister.Location(),
			"records", len(snap.Records),
			"error", err)
		return err
	}

	p.metrics.SaveFinished("ok")
	p.metrics.SetRecords(len(snap.Records))
	return nil
}

func (p *Persistence) saveWithRetry(ctx context.Context, snap *Snapshot) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := p.persister.Save(ctx, snap)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrSerialization) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("save cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if attempt == p.attempts {
			break
		}

		p.metrics.SaveRetried()
		p.logger.Warn("save failed, retrying",
			"attempt", attempt,
			"backoff", p.backoff,
			"error", err)

		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("save cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("save failed after %d attempts: %w", p.attempts, lastErr)
}

// FlushAsync はバックグラウンドで保存を開始する
// 既に開始待ちの保存があればまとめる。失敗はログに出して捨てる（dirtyは残る）
func (p *Persistence) FlushAsync() {
	if !p.pending.CompareAndSwap(false, true) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// 保存開始より後の変更は別のフラッシュで拾う
		p.pending.Store(false)
		if err := p.Save(context.Background()); err != nil {
			p.logger.Warn("background save failed", "error", err)
		}
	}()
}

// Wait は実行中のバックグラウンド保存の完了を待つ
func (p *Persistence) Wait() {
	p.wg.Wait()
}

func (p *Persistence) snapshot() *Snapshot {
	records := p.store.All()
	snap := &Snapshot{
		Namespace: p.namespace(),
		Records:   make(map[string]*model.CharacterizationRecord, len(records)),
	}
	for _, rec := range records {
		snap.Records[rec.ID] = rec
	}
	return snap
}
