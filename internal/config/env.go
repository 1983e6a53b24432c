package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/brbranch/charcache/internal/model"
)

// 環境変数名の定数
const (
	EnvOpenAIAPIKey            = "OPENAI_API_KEY"
	EnvLibraryPath             = "CHARCACHE_LIBRARY_PATH"
	EnvCharacterizationEnabled = "CHARCACHE_CHARACTERIZATION_ENABLED"
	EnvLocalEmbeddingsEnabled  = "CHARCACHE_LOCAL_EMBEDDINGS_ENABLED"
)

// ApplyEnvOverrides は環境変数による設定上書きを適用する
// config を直接変更する。boolとして解釈できない値は無視する
func ApplyEnvOverrides(config *model.Config) {
	if apiKey := os.Getenv(EnvOpenAIAPIKey); apiKey != "" {
		config.Embedder.APIKey = &apiKey
	}

	if libraryPath := os.Getenv(EnvLibraryPath); libraryPath != "" {
		config.Paths.LibraryPath = libraryPath
	}

	if v, ok := lookupBool(EnvCharacterizationEnabled); ok {
		config.Features.CharacterizationEnabled = v
	}
	if v, ok := lookupBool(EnvLocalEmbeddingsEnabled); ok {
		config.Features.LocalEmbeddingsEnabled = v
	}
}

// GetOpenAIAPIKey は環境変数からOpenAI APIキーを取得する
// 設定ファイルの値より環境変数を優先
func GetOpenAIAPIKey(config *model.Config) string {
	if apiKey := os.Getenv(EnvOpenAIAPIKey); apiKey != "" {
		return apiKey
	}
	if config.Embedder.APIKey != nil {
		return *config.Embedder.APIKey
	}
	return ""
}

func lookupBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("ignoring invalid boolean environment variable", "name", name, "value", raw)
		return false, false
	}
	return v, true
}
