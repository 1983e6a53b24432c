package service

import (
	"context"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/model"
)

// configService はConfigServiceの実装
type configService struct {
	manager *config.Manager
}

// NewConfigService はConfigServiceの新しいインスタンスを作成
func NewConfigService(mgr *config.Manager) ConfigService {
	return &configService{
		manager: mgr,
	}
}

// GetConfig は現在の設定を取得する（APIキーは返さない）
func (s *configService) GetConfig(ctx context.Context) (*GetConfigResponse, error) {
	cfg := s.manager.GetConfig()

	embedderCfg := cfg.Embedder
	embedderCfg.APIKey = nil

	return &GetConfigResponse{
		TransportDefaults: cfg.TransportDefaults,
		Features:          cfg.Features,
		Embedder:          embedderCfg,
		Store:             cfg.Store,
		Maintenance:       cfg.Maintenance,
		Paths:             cfg.Paths,
		Namespace:         s.manager.Namespace(),
	}, nil
}

// SetConfig は設定を変更して保存する（embedderのみ変更可能）
//
// provider/modelの変更は実行中の埋め込みバックエンドには反映されず、次回起動時に
// 有効になる。その際、保存済みの埋め込みはnamespaceの不一致により再計算される。
func (s *configService) SetConfig(ctx context.Context, req *SetConfigRequest) (*SetConfigResponse, error) {
	if req.Embedder == nil {
		// 変更がない場合は現在のnamespaceを返す
		return &SetConfigResponse{
			OK:                 true,
			EffectiveNamespace: s.manager.Namespace(),
		}, nil
	}

	cfg := s.manager.GetConfig()

	// provider/model変更時はdimをリセット
	dimReset := false
	if p := req.Embedder.Provider; p != nil && *p != "" && *p != cfg.Embedder.Provider {
		dimReset = true
	}
	if m := req.Embedder.Model; m != nil && *m != "" && *m != cfg.Embedder.Model {
		dimReset = true
	}

	// パッチを適用
	patch := &model.EmbedderConfig{
		BaseURL: req.Embedder.BaseURL,
		APIKey:  req.Embedder.APIKey,
	}
	if req.Embedder.Provider != nil {
		patch.Provider = *req.Embedder.Provider
	}
	if req.Embedder.Model != nil {
		patch.Model = *req.Embedder.Model
	}

	if err := s.manager.UpdateEmbedder(patch); err != nil {
		return nil, err
	}
	if dimReset {
		if err := s.manager.UpdateDim(0); err != nil {
			return nil, err
		}
	}

	if err := s.manager.Save(); err != nil {
		return nil, err
	}

	return &SetConfigResponse{
		OK:                 true,
		EffectiveNamespace: s.manager.Namespace(),
		RestartRequired:    dimReset,
	}, nil
}
