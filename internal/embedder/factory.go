package embedder

import "github.com/brbranch/charcache/internal/model"

// NewEmbedder は設定のproviderに応じたEmbedderを組み立てる。
// envAPIKey は設定ファイルにAPIキーが無い場合にのみ使われる。
func NewEmbedder(cfg *model.EmbedderConfig, envAPIKey string, dimUpdater DimUpdater) (Embedder, error) {
	switch cfg.Provider {
	case model.ProviderOpenAI:
		return openAIFromConfig(cfg, envAPIKey, dimUpdater)
	case model.ProviderOllama:
		e := NewOllamaEmbedder(deref(cfg.BaseURL), cfg.Model, nil)
		e.dims.updater = dimUpdater
		return e, nil
	case model.ProviderLocal, "":
		return localFromConfig(cfg, dimUpdater), nil
	default:
		return nil, ErrUnknownProvider
	}
}

func openAIFromConfig(cfg *model.EmbedderConfig, envAPIKey string, dimUpdater DimUpdater) (*OpenAIEmbedder, error) {
	apiKey := deref(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKey
	}

	opts := []OpenAIOption{WithDim(cfg.Dim), WithDimUpdater(dimUpdater)}
	if url := deref(cfg.BaseURL); url != "" {
		opts = append(opts, WithBaseURL(url))
	}
	if cfg.Model != "" {
		opts = append(opts, WithModel(cfg.Model))
	}
	return NewOpenAIEmbedder(apiKey, opts...)
}

// localFromConfig は作成時点で次元が確定するので、設定と異なればすぐ通知する
func localFromConfig(cfg *model.EmbedderConfig, dimUpdater DimUpdater) *LocalEmbedder {
	e := NewLocalEmbedder(cfg.Dim)
	if dimUpdater != nil && cfg.Dim != e.GetDimension() {
		_ = dimUpdater.UpdateDim(e.GetDimension())
	}
	return e
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
