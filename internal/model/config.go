package model

// Config はキャッシュ全体の設定を表す
type Config struct {
	TransportDefaults TransportDefaults `json:"transportDefaults"`
	Features          FeatureFlags      `json:"features"`
	Embedder          EmbedderConfig    `json:"embedder"`
	Store             StoreConfig       `json:"store"`
	Maintenance       MaintenanceConfig `json:"maintenance"`
	Paths             PathsConfig       `json:"paths"`
}

// TransportDefaults はtransportのデフォルト設定
type TransportDefaults struct {
	DefaultTransport string `json:"defaultTransport"` // "stdio" | "http"
}

// FeatureFlags は特徴記述/埋め込み機能のON/OFF
// 埋め込み関連の操作の直前に毎回ポーリングされる
type FeatureFlags struct {
	CharacterizationEnabled bool `json:"characterizationEnabled"`
	LocalEmbeddingsEnabled  bool `json:"localEmbeddingsEnabled"`
}

// EmbedderConfig はembedder設定
type EmbedderConfig struct {
	Provider          string  `json:"provider"`                    // "openai" | "ollama" | "local"
	Model             string  `json:"model"`                       // モデル名
	Dim               int     `json:"dim"`                         // ベクトル次元（0は未設定）
	BaseURL           *string `json:"baseUrl,omitempty"`           // nullable、省略可
	APIKey            *string `json:"apiKey,omitempty"`            // nullable、省略可（セキュリティ注意）
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty"` // 0は無制限
}

// StoreConfig は永続化設定
type StoreConfig struct {
	Type string  `json:"type"`           // "json" | "sqlite" | "memory"
	Path *string `json:"path,omitempty"` // nullable（未指定ならライブラリパスから解決）
}

// MaintenanceConfig はバックグラウンド埋め込み補完の設定
type MaintenanceConfig struct {
	IntervalSeconds int `json:"intervalSeconds"` // 0はデフォルト（300秒）
	CheckpointEvery int `json:"checkpointEvery"` // 0はデフォルト（10件）
}

// PathsConfig はファイルパス設定
type PathsConfig struct {
	ConfigPath  string `json:"configPath"`            // 設定ファイルパス
	DataDir     string `json:"dataDir"`               // アプリ専用データディレクトリ（フォールバック先）
	LibraryPath string `json:"libraryPath,omitempty"` // 保存ルート。空ならDataDirを使う
}

// Transport定数
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Embedder Provider定数
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"
)

// Store Type定数
const (
	StoreTypeJSON   = "json"
	StoreTypeSQLite = "sqlite"
	StoreTypeMemory = "memory" // 永続化しない（プロセス内のみ）
)
