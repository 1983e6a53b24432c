// Package service composes the store, embedding backend, maintenance loop and
// search engine into the operations exposed to callers.
package service

import (
	"context"
	"errors"

	"github.com/brbranch/charcache/internal/maintenance"
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/search"
)

// CharacterizationService は特徴記述キャッシュの操作を提供
type CharacterizationService interface {
	Get(ctx context.Context, id string) (*model.CharacterizationRecord, error)
	All(ctx context.Context) []*model.CharacterizationRecord
	Upsert(ctx context.Context, record *model.CharacterizationRecord) (*model.CharacterizationRecord, error)
	AddOrUpdateEmbeddings(ctx context.Context, text string, embeddings []float32) error
	DisableEmbeddingsAndClear(ctx context.Context) int

	GetFeatureFlags(ctx context.Context) model.FeatureFlags
	SetFeatureFlags(ctx context.Context, flags model.FeatureFlags) (*SetFlagsResponse, error)

	FindSimilar(ctx context.Context, text string, limit int) ([]search.Match, error)
	FindSimilarFromVector(ctx context.Context, vec []float32) ([]search.Match, error)

	RegenerateAll(ctx context.Context, progress maintenance.ProgressFunc) (maintenance.Report, error)
	CheckMissing(ctx context.Context) *MissingReport
	SaveIfDirty(ctx context.Context) error

	Start(ctx context.Context)
	Close(ctx context.Context) error
}

// ConfigService は設定の取得・変更を提供
type ConfigService interface {
	GetConfig(ctx context.Context) (*GetConfigResponse, error)
	SetConfig(ctx context.Context, req *SetConfigRequest) (*SetConfigResponse, error)
}

// エラー定義
var (
	ErrRecordNotFound = errors.New("characterization not found")
	ErrRecordRequired = errors.New("record is required")
	ErrTextRequired   = errors.New("text is required")
	ErrVectorRequired = errors.New("vector is required")
)
