// Package bootstrap wires the charcache components together.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/embedder"
	"github.com/brbranch/charcache/internal/maintenance"
	"github.com/brbranch/charcache/internal/metrics"
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/search"
	"github.com/brbranch/charcache/internal/service"
	"github.com/brbranch/charcache/internal/store"
)

// Services は初期化されたサービス群を保持
type Services struct {
	CharacterizationService service.CharacterizationService
	ConfigService           service.ConfigService
	Metrics                 *metrics.Metrics
	Config                  *model.Config
	Namespace               string
	StorePath               string
	Logger                  *slog.Logger
}

// Initialize は設定を読み込み、必要なサービスを初期化する
//
// 返すcleanupは定期メンテナンスを止めて最終保存を行い、保存先を閉じる。
// 定期メンテナンスは呼び出し側が CharacterizationService.Start で開始する。
func Initialize(ctx context.Context, configPath string, logger *slog.Logger) (*Services, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 設定マネージャーの作成
	configManager, err := config.NewManager(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := configManager.Load(); err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configManager.GetConfig()

	// 1. Embedder初期化
	emb, err := embedder.NewEmbedder(&cfg.Embedder, config.GetOpenAIAPIKey(cfg), configManager)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	m := metrics.New()
	adapter := embedder.NewAdapter(emb, configManager,
		embedder.WithRateLimit(cfg.Embedder.RequestsPerSecond),
		embedder.WithMetrics(m),
		embedder.WithLogger(logger))

	// 2. 保存先の初期化
	storePath, err := config.ResolveStorePath(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve store path: %w", err)
	}
	persister, closePersister, err := newPersister(ctx, cfg.Store.Type, storePath)
	if err != nil {
		return nil, nil, err
	}

	// 3. ストア・メンテナンス・検索
	// 保存するnamespaceは起動時のembedderに固定する（config.setの変更は次回起動から）
	namespace := config.PinnedNamespace(cfg.Embedder.Provider, cfg.Embedder.Model, emb.GetDimension)
	st := store.New(store.WithEmbeddingGate(func() bool {
		return config.EmbeddingsEnabled(configManager)
	}))
	persistence := store.NewPersistence(st, persister,
		store.WithNamespace(namespace),
		store.WithPersistenceMetrics(m),
		store.WithPersistenceLogger(logger))

	loop := maintenance.New(st, persistence, adapter, configManager,
		maintenance.WithInterval(maintenanceInterval(cfg.Maintenance)),
		maintenance.WithCheckpointEvery(cfg.Maintenance.CheckpointEvery),
		maintenance.WithMetrics(m),
		maintenance.WithLogger(logger))

	engine := search.NewEngine(st, adapter, configManager,
		search.WithEnsurer(loop),
		search.WithMetrics(m),
		search.WithLogger(logger))

	// 4. Services初期化（保存済みレコードを読み込む）
	charService := service.NewCharacterizationService(ctx, service.Deps{
		Store:       st,
		Persistence: persistence,
		Embedder:    adapter,
		Flags:       configManager,
		Loop:        loop,
		Search:      engine,
		Metrics:     m,
		Logger:      logger,
	})

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := charService.Close(closeCtx); err != nil {
			logger.Error("final save failed", "error", err)
		}
		if err := closePersister(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}

	return &Services{
		CharacterizationService: charService,
		ConfigService:           service.NewConfigService(configManager),
		Metrics:                 m,
		Config:                  cfg,
		Namespace:               namespace(),
		StorePath:               storePath,
		Logger:                  logger,
	}, cleanup, nil
}

// ErrUnknownStoreType は未知のstore.typeが指定された場合のエラー
var ErrUnknownStoreType = errors.New("unknown store type")

func newPersister(ctx context.Context, storeType, path string) (store.Persister, func() error, error) {
	switch storeType {
	case model.StoreTypeSQLite:
		p, err := store.NewSQLitePersister(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
		return p, p.Close, nil
	case model.StoreTypeMemory:
		return store.NewMemoryPersister(), func() error { return nil }, nil
	case model.StoreTypeJSON, "":
		return store.NewJSONFilePersister(path), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStoreType, storeType)
	}
}

func maintenanceInterval(cfg model.MaintenanceConfig) time.Duration {
	if cfg.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.IntervalSeconds) * time.Second
}
