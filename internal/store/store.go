// Package store provides the concurrent record store and its persistence.
package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/brbranch/charcache/internal/model"
)

// Store はIDをキーとするレコードの並行マップ
//
// 読み取りはロックを取らない。値は不変の *CharacterizationRecord で、
// 埋め込みの書き換えはコピーを作ってCompareAndSwapで差し替える。
// 読み取り側は常に整合したレコードを見る。
type Store struct {
	records sync.Map // id -> *model.CharacterizationRecord
	count   atomic.Int64
	dim     atomic.Int64

	// embedMu は埋め込みの書き込み(RLock)と一括消去(Lock)を分ける。
	// 消去の後に、消去前に始まった計算の結果が書き込まれることはない
	embedMu sync.RWMutex
	gate    func() bool
}

// Option はStoreの設定
type Option func(*Store)

// WithEmbeddingGate は計算済み埋め込みの書き込みを許可するかを返す関数を設定する
//
// falseの間、Putされる計算済み埋め込みは「失敗」（空）に置き換わり、
// SetEmbeddingFor はエラーを返す。
func WithEmbeddingGate(fn func() bool) Option {
	return func(s *Store) { s.gate = fn }
}

// New は空のStoreを作成する
func New(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get はIDでレコードを取得する。返り値はコピー
func (s *Store) Get(id string) (*model.CharacterizationRecord, bool) {
	v, ok := s.records.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*model.CharacterizationRecord).Clone(), true
}

// Put はレコードをそのまま置き換える（後勝ち）
//
// 計算済み埋め込みの次元がDと異なる場合は ErrDimensionMismatch を返して何もしない。
// Dが未確定なら、このベクトルの次元がDになる（判定と確定は不可分）。
func (s *Store) Put(record *model.CharacterizationRecord) error {
	rec := record.Clone()

	s.embedMu.RLock()
	defer s.embedMu.RUnlock()

	if rec.HasEmbedding() {
		if !s.embeddingsAllowed() {
			rec.Embeddings = model.FailedEmbedding()
		} else if err := s.claimDimension(rec.Embeddings); err != nil {
			return err
		}
	}
	s.put(rec)
	return nil
}

func (s *Store) put(rec *model.CharacterizationRecord) {
	if _, loaded := s.records.Swap(rec.ID, rec); !loaded {
		s.count.Add(1)
	}
}

func (s *Store) embeddingsAllowed() bool {
	return s.gate == nil || s.gate()
}

// Len はレコード件数を返す
func (s *Store) Len() int {
	return int(s.count.Load())
}

// All は全レコードのコピーをID順で返す
func (s *Store) All() []*model.CharacterizationRecord {
	out := make([]*model.CharacterizationRecord, 0, s.Len())
	s.records.Range(func(_, v any) bool {
		out = append(out, v.(*model.CharacterizationRecord).Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Range は各レコードについてfnを呼ぶ。fnがfalseを返すと中断する
// 渡されるレコードはストア内部の値なので変更してはならない
func (s *Store) Range(fn func(rec *model.CharacterizationRecord) bool) {
	s.records.Range(func(_, v any) bool {
		return fn(v.(*model.CharacterizationRecord))
	})
}

// FindEmbedding は同じ特徴記述を持つレコードの計算済み埋め込みを返す（なければnil）
func (s *Store) FindEmbedding(characteristics string) []float32 {
	var found []float32
	s.Range(func(rec *model.CharacterizationRecord) bool {
		if rec.Characteristics == characteristics && rec.HasEmbedding() {
			found = model.CloneVector(rec.Embeddings)
			return false
		}
		return true
	})
	return found
}

// SetEmbeddingFor は特徴記述が一致する全レコードの埋め込みをvecに置き換え、更新件数を返す
//
// 書き込みが無効化されていれば ErrEmbeddingsDisabled、次元がDと異なれば
// ErrDimensionMismatch を返し、どのレコードも変更しない。
func (s *Store) SetEmbeddingFor(characteristics string, vec []float32) (int, error) {
	s.embedMu.RLock()
	defer s.embedMu.RUnlock()

	if len(vec) > 0 {
		if !s.embeddingsAllowed() {
			return 0, ErrEmbeddingsDisabled
		}
		if err := s.claimDimension(vec); err != nil {
			return 0, err
		}
	}

	updated := 0
	s.records.Range(func(key, _ any) bool {
		if s.swapEmbedding(key, vec, func(rec *model.CharacterizationRecord) bool {
			return rec.Characteristics == characteristics
		}) {
			updated++
		}
		return true
	})
	return updated, nil
}

// MarkFailed は特徴記述が一致し埋め込みが未計算のレコードを「失敗」にし、更新件数を返す
func (s *Store) MarkFailed(characteristics string) int {
	marked := 0
	s.records.Range(func(key, _ any) bool {
		if s.swapEmbedding(key, model.FailedEmbedding(), func(rec *model.CharacterizationRecord) bool {
			return rec.Characteristics == characteristics && rec.EmbeddingAbsent()
		}) {
			marked++
		}
		return true
	})
	return marked
}

// PendingCharacteristics は埋め込みが未計算または失敗のレコードを持つ特徴記述を重複なしで返す
func (s *Store) PendingCharacteristics() []string {
	pending := make(map[string]struct{})
	s.Range(func(rec *model.CharacterizationRecord) bool {
		if rec.Characteristics != "" && !rec.HasEmbedding() {
			pending[rec.Characteristics] = struct{}{}
		}
		return true
	})
	return sortedKeys(pending)
}

// MissingCharacteristics はどのレコードにも計算済みの埋め込みがない特徴記述を返す
func (s *Store) MissingCharacteristics() []string {
	computed := make(map[string]bool)
	s.Range(func(rec *model.CharacterizationRecord) bool {
		if rec.Characteristics != "" {
			computed[rec.Characteristics] = computed[rec.Characteristics] || rec.HasEmbedding()
		}
		return true
	})

	missing := make(map[string]struct{})
	for text, ok := range computed {
		if !ok {
			missing[text] = struct{}{}
		}
	}
	return sortedKeys(missing)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DistinctCharacteristics は空でない特徴記述の種類数を返す
func (s *Store) DistinctCharacteristics() int {
	seen := make(map[string]struct{})
	s.Range(func(rec *model.CharacterizationRecord) bool {
		if rec.Characteristics != "" {
			seen[rec.Characteristics] = struct{}{}
		}
		return true
	})
	return len(seen)
}

// ClearEmbeddings は計算済みの埋め込みをすべて「失敗」（空）に置き換え、更新件数を返す
// 計算済みの埋め込みがなくなるので次元Dもリセットする
func (s *Store) ClearEmbeddings() int {
	s.embedMu.Lock()
	defer s.embedMu.Unlock()

	cleared := 0
	s.records.Range(func(key, _ any) bool {
		if s.swapEmbedding(key, model.FailedEmbedding(), func(rec *model.CharacterizationRecord) bool {
			return rec.HasEmbedding()
		}) {
			cleared++
		}
		return true
	})
	s.dim.Store(0)
	return cleared
}

// ResetEmbeddings は全ての埋め込みを未計算（nil）に戻し、更新件数を返す
func (s *Store) ResetEmbeddings() int {
	s.embedMu.Lock()
	defer s.embedMu.Unlock()

	reset := 0
	s.records.Range(func(key, _ any) bool {
		if s.swapEmbedding(key, nil, func(rec *model.CharacterizationRecord) bool {
			return rec.Embeddings != nil
		}) {
			reset++
		}
		return true
	})
	s.dim.Store(0)
	return reset
}

// swapEmbedding はmatchを満たす間、コピーオンライトで埋め込みを差し替える
// 他の書き込みと競合した場合は最新の値で再判定する
func (s *Store) swapEmbedding(key any, vec []float32, match func(*model.CharacterizationRecord) bool) bool {
	for {
		v, ok := s.records.Load(key)
		if !ok {
			return false
		}
		old := v.(*model.CharacterizationRecord)
		if !match(old) {
			return false
		}
		next := *old
		next.Embeddings = model.CloneVector(vec)
		if s.records.CompareAndSwap(key, old, &next) {
			return true
		}
	}
}

// Dimension は計算済み埋め込みの次元Dを返す（未確定なら0）
func (s *Store) Dimension() int {
	return int(s.dim.Load())
}

// claimDimension はDが未確定ならvecの次元で確定し、確定済みなら一致を検証する
func (s *Store) claimDimension(vec []float32) error {
	n := int64(len(vec))
	if n == 0 || s.dim.CompareAndSwap(0, n) {
		return nil
	}
	if d := s.dim.Load(); d != n {
		return fmt.Errorf("%w: expected %d, got %d", model.ErrDimensionMismatch, d, n)
	}
	return nil
}

// replaceAll はロード時にストアの中身を置き換える
// 次元Dと一致しない埋め込みは未計算に戻し、その件数を返す
func (s *Store) replaceAll(records map[string]*model.CharacterizationRecord) int {
	s.embedMu.Lock()
	defer s.embedMu.Unlock()

	s.records.Clear()
	s.count.Store(0)
	s.dim.Store(0)

	// ID順に処理して、次元Dの決定を決定的にする
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reset := 0
	for _, id := range ids {
		rec := records[id].Clone()
		if err := s.claimDimension(rec.Embeddings); err != nil {
			rec.Embeddings = nil
			reset++
		}
		s.put(rec)
	}
	return reset
}
