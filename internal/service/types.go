package service

import "github.com/brbranch/charcache/internal/model"

// SetFlagsResponse は機能フラグ変更の結果
type SetFlagsResponse struct {
	Previous        model.FeatureFlags
	Current         model.FeatureFlags
	Cleared         int  // 埋め込み無効化で消去したレコード数
	BackfillStarted bool // 有効化によりバックグラウンドの補完を開始した
}

// MissingReport は埋め込みの欠落状況
type MissingReport struct {
	Total         int      // 空でない特徴記述の種類数
	Missing       int      // 計算済みの埋め込みがない特徴記述の数
	SampleMissing []string // 欠落している特徴記述の例（最大5件）
}

// GetConfigResponse は設定取得レスポンス
type GetConfigResponse struct {
	TransportDefaults model.TransportDefaults
	Features          model.FeatureFlags
	Embedder          model.EmbedderConfig
	Store             model.StoreConfig
	Maintenance       model.MaintenanceConfig
	Paths             model.PathsConfig
	Namespace         string
}

// SetConfigRequest は設定変更リクエスト
type SetConfigRequest struct {
	Embedder *EmbedderPatch
}

// EmbedderPatch はembedder設定のパッチ
type EmbedderPatch struct {
	Provider *string
	Model    *string
	BaseURL  *string
	APIKey   *string
}

// SetConfigResponse は設定変更レスポンス
type SetConfigResponse struct {
	OK                 bool
	EffectiveNamespace string
	// RestartRequired はprovider/modelの変更が次回起動時に反映されることを示す
	RestartRequired bool
}
