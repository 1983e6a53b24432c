package jsonrpc

import (
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/service"
)

// defaultListLimit は characterization.list のデフォルト件数
const defaultListLimit = 100

// UpsertParams は characterization.upsert のパラメータ
// embeddings は null/省略で未計算、[] で失敗済みを表す
type UpsertParams struct {
	Record *model.CharacterizationRecord `json:"record"`
}

// GetParams は characterization.get のパラメータ
type GetParams struct {
	ID string `json:"id"`
}

// ListParams は characterization.list のパラメータ
type ListParams struct {
	Limit  *int `json:"limit"`
	Offset int  `json:"offset"`
}

// window はoffset/limitを総件数に収まる範囲に丸める
func (p *ListParams) window(total int) (int, int) {
	limit := defaultListLimit
	if p.Limit != nil && *p.Limit > 0 {
		limit = *p.Limit
	}
	start := min(max(p.Offset, 0), total)
	end := min(start+limit, total)
	return start, end
}

// SearchParams は characterization.search のパラメータ
type SearchParams struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"` // 0はデフォルト（10件）
}

// SearchVectorParams は characterization.search_vector のパラメータ
type SearchVectorParams struct {
	Vector []float32 `json:"vector"`
}

// SetFlagsParams は characterization.set_flags のパラメータ
// 省略したフラグは現在値を維持する
type SetFlagsParams struct {
	CharacterizationEnabled *bool `json:"characterizationEnabled"`
	LocalEmbeddingsEnabled  *bool `json:"localEmbeddingsEnabled"`
}

// Merge は現在のフラグにパラメータを適用する
func (p *SetFlagsParams) Merge(current model.FeatureFlags) model.FeatureFlags {
	if p.CharacterizationEnabled != nil {
		current.CharacterizationEnabled = *p.CharacterizationEnabled
	}
	if p.LocalEmbeddingsEnabled != nil {
		current.LocalEmbeddingsEnabled = *p.LocalEmbeddingsEnabled
	}
	return current
}

// SetConfigParams は config.set のパラメータ
type SetConfigParams struct {
	Embedder *EmbedderParams `json:"embedder"`
}

// EmbedderParams はembedder設定のパラメータ
type EmbedderParams struct {
	Provider *string `json:"provider"`
	Model    *string `json:"model"`
	BaseURL  *string `json:"baseUrl"`
	APIKey   *string `json:"apiKey"`
}

// ToRequest はサービスリクエストに変換
func (p *SetConfigParams) ToRequest() *service.SetConfigRequest {
	if p.Embedder == nil {
		return &service.SetConfigRequest{}
	}
	return &service.SetConfigRequest{
		Embedder: &service.EmbedderPatch{
			Provider: p.Embedder.Provider,
			Model:    p.Embedder.Model,
			BaseURL:  p.Embedder.BaseURL,
			APIKey:   p.Embedder.APIKey,
		},
	}
}
