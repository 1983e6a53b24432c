package config

import "sync/atomic"

// Settings は機能フラグを読み取るための読み取り専用インターフェース
// 値はpushされず、埋め込み関連の操作の直前に毎回ポーリングされる
type Settings interface {
	CharacterizationEnabled() bool
	LocalEmbeddingsEnabled() bool
}

// EmbeddingsEnabled は両方のフラグが有効かを返す
func EmbeddingsEnabled(s Settings) bool {
	return s.CharacterizationEnabled() && s.LocalEmbeddingsEnabled()
}

// StaticSettings はメモリ上で保持するSettings実装（テスト・CLI用）
type StaticSettings struct {
	characterization atomic.Bool
	localEmbeddings  atomic.Bool
}

// NewStaticSettings は指定したフラグでStaticSettingsを作成する
func NewStaticSettings(characterization, localEmbeddings bool) *StaticSettings {
	s := &StaticSettings{}
	s.Set(characterization, localEmbeddings)
	return s
}

// Set はフラグを更新する
func (s *StaticSettings) Set(characterization, localEmbeddings bool) {
	s.characterization.Store(characterization)
	s.localEmbeddings.Store(localEmbeddings)
}

// CharacterizationEnabled implements Settings.
func (s *StaticSettings) CharacterizationEnabled() bool { return s.characterization.Load() }

// LocalEmbeddingsEnabled implements Settings.
func (s *StaticSettings) LocalEmbeddingsEnabled() bool { return s.localEmbeddings.Load() }
