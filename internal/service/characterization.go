package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/embedder"
	"github.com/brbranch/charcache/internal/maintenance"
	"github.com/brbranch/charcache/internal/metrics"
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/search"
	"github.com/brbranch/charcache/internal/store"
)

// sampleMissingLimit はCheckMissingで返す例の最大件数
const sampleMissingLimit = 5

// Embedder は埋め込みバックエンド（embedder.Adapter）
type Embedder interface {
	Compute(ctx context.Context, text string) ([]float32, error)
	Available() bool
}

// FlagStore は機能フラグの読み書き（config.Manager）
type FlagStore interface {
	config.Settings
	SetFeatureFlags(flags model.FeatureFlags) model.FeatureFlags
	Save() error
}

// Deps はCharacterizationServiceの依存
type Deps struct {
	Store       *store.Store
	Persistence *store.Persistence
	Embedder    Embedder
	Flags       FlagStore
	Loop        *maintenance.Loop
	Search      *search.Engine
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// characterizationService はCharacterizationServiceの実装
type characterizationService struct {
	store       *store.Store
	persistence *store.Persistence
	embedder    Embedder
	flags       FlagStore
	loop        *maintenance.Loop
	search      *search.Engine
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// バックグラウンドの補完パス用
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewCharacterizationService は保存先からストアを読み込んでサービスを作成する
// 保存先が壊れていても失敗せず、空のストアで開始する
func NewCharacterizationService(ctx context.Context, deps Deps) CharacterizationService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &characterizationService{
		store:       deps.Store,
		persistence: deps.Persistence,
		embedder:    deps.Embedder,
		flags:       deps.Flags,
		loop:        deps.Loop,
		search:      deps.Search,
		metrics:     deps.Metrics,
		logger:      logger,
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}

	loaded := s.persistence.Load(ctx)
	s.logger.Info("characterization cache ready",
		"location", s.persistence.Location(),
		"records", loaded)
	return s
}

// Get はIDでレコードを取得する
func (s *characterizationService) Get(ctx context.Context, id string) (*model.CharacterizationRecord, error) {
	if id == "" {
		return nil, model.ErrIDRequired
	}
	rec, ok := s.store.Get(id)
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// All は全レコードのコピーを返す
func (s *characterizationService) All(ctx context.Context) []*model.CharacterizationRecord {
	return s.store.All()
}

// Upsert はレコードを追加または置き換える
//
// 機能が有効で特徴記述があり埋め込みが未計算なら、その場で計算する。
// 計算に失敗しても upsert は失敗させず、埋め込みを「失敗」（空）として記録する。
// 機能が無効なら埋め込みは常に空にする。
func (s *characterizationService) Upsert(ctx context.Context, record *model.CharacterizationRecord) (*model.CharacterizationRecord, error) {
	if record == nil {
		return nil, ErrRecordRequired
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	rec := record.Clone()
	computed := false
	switch {
	case !s.embedder.Available():
		rec.Embeddings = model.FailedEmbedding()
	case rec.Characteristics != "" && rec.EmbeddingAbsent():
		rec.Embeddings = s.embed(ctx, rec.Characteristics)
		computed = true
		// 計算中にフラグがOFFになった場合は結果を捨てる
		if !s.embedder.Available() {
			rec.Embeddings = model.FailedEmbedding()
		}
	}

	err := s.store.Put(rec)
	if err != nil && computed {
		s.logger.Error("embedding backend returned inconsistent dimension",
			"id", rec.ID,
			"error", err)
		rec.Embeddings = model.FailedEmbedding()
		err = s.store.Put(rec)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.Upserted()
	s.persistence.MarkDirty()
	s.persistence.FlushAsync()
	return rec.Clone(), nil
}

// embed は特徴記述の埋め込みを求める。同じ特徴記述の計算済み埋め込みがあれば再利用する
// 失敗した場合は空ベクトルを返す
func (s *characterizationService) embed(ctx context.Context, text string) []float32 {
	if vec := s.store.FindEmbedding(text); vec != nil {
		return vec
	}

	vec, err := s.embedder.Compute(ctx, text)
	if err != nil {
		if errors.Is(err, embedder.ErrEmbeddingUnavailable) {
			s.logger.Debug("embeddings unavailable, recording empty embedding")
		} else {
			s.logger.Warn("failed to compute embedding",
				"characteristics", text,
				"error", err)
		}
		return model.FailedEmbedding()
	}
	return vec
}

// AddOrUpdateEmbeddings はテキスト自体をIDとするレコードに埋め込みを保存し、同期的に永続化する
func (s *characterizationService) AddOrUpdateEmbeddings(ctx context.Context, text string, embeddings []float32) error {
	if text == "" {
		return ErrTextRequired
	}
	err := s.store.Put(&model.CharacterizationRecord{
		ID:              text,
		Characteristics: text,
		Embeddings:      embeddings,
	})
	if err != nil {
		return err
	}
	s.metrics.Upserted()
	s.persistence.MarkDirty()

	// dirtyは残るので次回の保存で再試行される
	if err := s.persistence.Save(ctx); err != nil {
		s.logger.Debug("deferred save after embedding update", "error", err)
	}
	return nil
}

// DisableEmbeddingsAndClear は全ての計算済み埋め込みを空にし、消去件数を返す
func (s *characterizationService) DisableEmbeddingsAndClear(ctx context.Context) int {
	cleared := s.store.ClearEmbeddings()
	s.persistence.MarkDirty()
	s.persistence.FlushAsync()
	s.logger.Info("embeddings cleared", "count", cleared)
	return cleared
}

// GetFeatureFlags は現在の機能フラグを返す
func (s *characterizationService) GetFeatureFlags(ctx context.Context) model.FeatureFlags {
	return model.FeatureFlags{
		CharacterizationEnabled: s.flags.CharacterizationEnabled(),
		LocalEmbeddingsEnabled:  s.flags.LocalEmbeddingsEnabled(),
	}
}

// SetFeatureFlags は機能フラグを更新して設定ファイルに保存する
//
// 埋め込みが無効になった場合は全ての埋め込みを消去し、
// 有効になった場合はバックグラウンドで補完パスを開始する。
func (s *characterizationService) SetFeatureFlags(ctx context.Context, flags model.FeatureFlags) (*SetFlagsResponse, error) {
	prev := s.flags.SetFeatureFlags(flags)
	if err := s.flags.Save(); err != nil {
		s.logger.Warn("failed to persist feature flags", "error", err)
	}

	resp := &SetFlagsResponse{Previous: prev, Current: flags}

	wasEnabled := prev.CharacterizationEnabled && prev.LocalEmbeddingsEnabled
	nowEnabled := flags.CharacterizationEnabled && flags.LocalEmbeddingsEnabled

	if prev.LocalEmbeddingsEnabled && !flags.LocalEmbeddingsEnabled {
		resp.Cleared = s.DisableEmbeddingsAndClear(ctx)
	}
	if !wasEnabled && nowEnabled && s.loop != nil {
		resp.BackfillStarted = true
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if _, err := s.loop.RunOnce(s.bgCtx); err != nil && s.bgCtx.Err() == nil {
				s.logger.Warn("backfill after enabling embeddings failed", "error", err)
			}
		}()
	}
	return resp, nil
}

// FindSimilar はテキストに類似したレコードを返す
func (s *characterizationService) FindSimilar(ctx context.Context, text string, limit int) ([]search.Match, error) {
	if text == "" {
		return nil, ErrTextRequired
	}
	matches, err := s.search.FindSimilar(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	// 検索前の補完で変更があれば保存しておく
	if s.persistence.IsDirty() {
		s.persistence.FlushAsync()
	}
	return matches, nil
}

// FindSimilarFromVector はベクトルに類似したレコードを返す
func (s *characterizationService) FindSimilarFromVector(ctx context.Context, vec []float32) ([]search.Match, error) {
	if len(vec) == 0 {
		return nil, ErrVectorRequired
	}
	return s.search.FindSimilarFromVector(ctx, vec)
}

// RegenerateAll は埋め込みを持たない全ての特徴記述を計算する
func (s *characterizationService) RegenerateAll(ctx context.Context, progress maintenance.ProgressFunc) (maintenance.Report, error) {
	return s.loop.RegenerateAll(ctx, progress)
}

// CheckMissing は埋め込みの欠落状況を返す
func (s *characterizationService) CheckMissing(ctx context.Context) *MissingReport {
	missing := s.store.MissingCharacteristics()
	sample := missing
	if len(sample) > sampleMissingLimit {
		sample = sample[:sampleMissingLimit]
	}
	return &MissingReport{
		Total:         s.store.DistinctCharacteristics(),
		Missing:       len(missing),
		SampleMissing: append([]string{}, sample...),
	}
}

// SaveIfDirty は未保存の変更があれば保存する
func (s *characterizationService) SaveIfDirty(ctx context.Context) error {
	return s.persistence.Save(ctx)
}

// Start は定期メンテナンスを開始する
func (s *characterizationService) Start(ctx context.Context) {
	if s.loop != nil {
		s.loop.Start(ctx)
	}
}

// Close は定期メンテナンスを止め、保留中の保存を待ってから最終保存する
func (s *characterizationService) Close(ctx context.Context) error {
	if s.loop != nil {
		s.loop.Stop()
	}
	s.bgCancel()
	s.bg.Wait()
	s.persistence.Wait()
	return s.persistence.Save(ctx)
}
