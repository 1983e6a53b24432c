package model

import (
	"errors"
	"time"
)

// CharacterizationRecord はメディアアイテムの特徴記述と埋め込みベクトルを表す
//
// Embeddings の状態:
//   - nil: 未計算
//   - 長さ0（非nil）: 計算を試みて失敗した
//   - 長さD: 計算済み
type CharacterizationRecord struct {
	ID              string    `json:"id"`              // 呼び出し側が指定する安定ID
	Title           string    `json:"title"`           // 表示用
	Artist          string    `json:"artist"`          // 表示用
	ContentHash     string    `json:"contentHash"`     // artist+titleのハッシュ（バックアップ照合用）
	Characteristics string    `json:"characteristics"` // 埋め込み入力兼dedupキー
	LastVerified    time.Time `json:"lastVerified"`
	NeedsReview     bool      `json:"needsReview"`
	Embeddings      []float32 `json:"embeddings"` // nullは未計算、[]は失敗
}

var (
	// ErrIDRequired はIDが空の場合のエラー
	ErrIDRequired = errors.New("id is required")
	// ErrDimensionMismatch は埋め込みの次元がキャッシュ内の次元Dと異なる場合のエラー
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Validate はレコードのバリデーションを実行する
func (r *CharacterizationRecord) Validate() error {
	if r.ID == "" {
		return ErrIDRequired
	}
	return nil
}

// HasEmbedding は計算済みの（空でない）埋め込みを持つかを返す
func (r *CharacterizationRecord) HasEmbedding() bool {
	return len(r.Embeddings) > 0
}

// EmbeddingAbsent は埋め込みが未計算かを返す
func (r *CharacterizationRecord) EmbeddingAbsent() bool {
	return r.Embeddings == nil
}

// EmbeddingFailed は埋め込み計算が失敗済みとして記録されているかを返す
func (r *CharacterizationRecord) EmbeddingFailed() bool {
	return r.Embeddings != nil && len(r.Embeddings) == 0
}

// Clone はディープコピーを返す（nilと空スライスの区別を保持する）
func (r *CharacterizationRecord) Clone() *CharacterizationRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Embeddings = CloneVector(r.Embeddings)
	return &c
}

// FailedEmbedding は「失敗」を表す空の埋め込みを返す
func FailedEmbedding() []float32 {
	return []float32{}
}

// CloneVector はベクトルをコピーする。nilはnilのまま返す
func CloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
