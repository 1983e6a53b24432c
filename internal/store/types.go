package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/brbranch/charcache/internal/model"
)

// エラー定義
var (
	ErrNotFound = errors.New("record not found")
	// ErrSerialization はスナップショットを直列化できない場合のエラー（リトライしない）
	ErrSerialization = errors.New("failed to serialize snapshot")
	// ErrEmbeddingsDisabled は埋め込みの書き込みが無効化されている場合のエラー
	ErrEmbeddingsDisabled = errors.New("embedding writes are disabled")
)

// DeserializationError は永続化ファイルを解釈できない場合のエラー
type DeserializationError struct {
	Location string
	Err      error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize %s: %v", e.Location, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// Snapshot は永続化の単位（ある時点の全レコード）
type Snapshot struct {
	// Namespace は埋め込みを生成したモデルの識別子 "{provider}:{model}:{dim}"
	Namespace string
	Records   map[string]*model.CharacterizationRecord
}

// Persister はスナップショットの保存先の抽象インターフェース
type Persister interface {
	// Load は保存済みのスナップショットを返す。保存先が存在しない場合は空のスナップショット
	Load(ctx context.Context) (*Snapshot, error)
	// Save はスナップショット全体で保存先を置き換える。途中で失敗しても以前の内容は読める状態を保つ
	Save(ctx context.Context, snap *Snapshot) error
	// Location はログ用の保存先表記
	Location() string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Records: make(map[string]*model.CharacterizationRecord)}
}
