package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/brbranch/charcache/internal/model"
)

const (
	// DefaultMaintenanceIntervalSeconds は埋め込み補完の既定周期（5分）
	DefaultMaintenanceIntervalSeconds = 300
	// DefaultCheckpointEvery はチェックポイント保存の既定間隔
	DefaultCheckpointEvery = 10
)

// Manager は設定の読み書きを管理する
// Settings を実装し、機能フラグはロック下でポーリングされる
type Manager struct {
	mu         sync.RWMutex
	config     *model.Config
	configPath string
}

var _ Settings = (*Manager)(nil)

// NewManager は新しいManagerを作成する
// configPathが空文字の場合、デフォルトパス（~/.charcache/config.json）を使用
func NewManager(configPath string) (*Manager, error) {
	if configPath == "" {
		defaultPath, err := GetDefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get default config path: %w", err)
		}
		configPath = defaultPath
	}

	dataDir, err := GetDefaultDataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get default data dir: %w", err)
	}

	return &Manager{
		config:     DefaultConfig(configPath, dataDir),
		configPath: configPath,
	}, nil
}

// NewManagerWithConfig は指定した設定でManagerを作成する（テスト用）
func NewManagerWithConfig(cfg *model.Config) *Manager {
	return &Manager{
		config:     cfg,
		configPath: cfg.Paths.ConfigPath,
	}
}

// Load は設定ファイルを読み込む
// ファイルが存在しない場合はデフォルト設定を使用（エラーなし）
// 読み込み後に環境変数の上書きを適用する
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) {
		ApplyEnvOverrides(m.config)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// デフォルト値の上にファイルの内容を重ねる
	config := *m.config
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	config.Paths.ConfigPath = m.configPath
	if config.Paths.DataDir == "" {
		config.Paths.DataDir = m.config.Paths.DataDir
	}

	ApplyEnvOverrides(&config)
	m.config = &config
	return nil
}

// Save は設定ファイルを保存する
func (m *Manager) Save() error {
	if m.configPath == "" {
		return fmt.Errorf("config path is not set")
	}

	m.mu.RLock()
	data, err := json.MarshalIndent(m.config, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := EnsureDir(filepath.Dir(m.configPath)); err != nil {
		return err
	}

	// 一時ファイルに書き込み（atomicな保存のため）
	tmpFile := m.configPath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := os.Rename(tmpFile, m.configPath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// GetConfig は現在の設定のコピーを返す
func (m *Manager) GetConfig() *model.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// GetConfigPath は設定ファイルパスを返す
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// CharacterizationEnabled implements Settings.
func (m *Manager) CharacterizationEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Features.CharacterizationEnabled
}

// LocalEmbeddingsEnabled implements Settings.
func (m *Manager) LocalEmbeddingsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Features.LocalEmbeddingsEnabled
}

// SetFeatureFlags は機能フラグを更新し、更新前の値を返す
func (m *Manager) SetFeatureFlags(flags model.FeatureFlags) model.FeatureFlags {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.config.Features
	m.config.Features = flags
	return prev
}

// UpdateEmbedder はembedder設定のみを更新する
// 空値のフィールドは既存の値を保持する
func (m *Manager) UpdateEmbedder(embedder *model.EmbedderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if embedder.Provider != "" {
		m.config.Embedder.Provider = embedder.Provider
	}
	if embedder.Model != "" {
		m.config.Embedder.Model = embedder.Model
	}
	if embedder.Dim != 0 {
		m.config.Embedder.Dim = embedder.Dim
	}
	if embedder.BaseURL != nil {
		m.config.Embedder.BaseURL = embedder.BaseURL
	}
	if embedder.APIKey != nil {
		m.config.Embedder.APIKey = embedder.APIKey
	}
	if embedder.RequestsPerSecond != 0 {
		m.config.Embedder.RequestsPerSecond = embedder.RequestsPerSecond
	}

	return nil
}

// UpdateDim は埋め込み次元を更新する（初回埋め込み時に使用）
func (m *Manager) UpdateDim(dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config.Embedder.Dim = dim
	return nil
}

// Namespace は現在のembedder設定から生成したnamespaceを返す
func (m *Manager) Namespace() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.config.Embedder
	return GenerateNamespace(e.Provider, e.Model, e.Dim)
}

// DefaultConfig はデフォルト設定を返す
// 外部APIキーなしで動くようにローカルのハッシュ埋め込みを既定とする
func DefaultConfig(configPath, dataDir string) *model.Config {
	return &model.Config{
		TransportDefaults: model.TransportDefaults{
			DefaultTransport: model.TransportStdio,
		},
		Features: model.FeatureFlags{
			CharacterizationEnabled: true,
			LocalEmbeddingsEnabled:  true,
		},
		Embedder: model.EmbedderConfig{
			Provider: model.ProviderLocal,
			Model:    "hashing-v1",
			Dim:      0, // 初回埋め込み時に設定
		},
		Store: model.StoreConfig{
			Type: model.StoreTypeJSON,
		},
		Maintenance: model.MaintenanceConfig{
			IntervalSeconds: DefaultMaintenanceIntervalSeconds,
			CheckpointEvery: DefaultCheckpointEvery,
		},
		Paths: model.PathsConfig{
			ConfigPath: configPath,
			DataDir:    dataDir,
		},
	}
}
