package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const (
	// DefaultLocalDimension はローカル埋め込みの既定次元
	DefaultLocalDimension = 256
	// DefaultLocalModel はローカル埋め込みのモデル名
	DefaultLocalModel = "hashing-v1"
)

// LocalEmbedder は外部サービスに依存しない特徴ハッシュ埋め込み
//
// 手順:
//  1. 小文字化し英数字以外で分割
//  2. 各トークンをFNVハッシュで次元に割り当て（符号もハッシュから決定）
//  3. 1+log(tf) で重み付け
//  4. L2正規化（コサイン類似度向け）
//
// 語彙の一致しか捉えないが、同じテキストには常に同じベクトルを返す
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder は新しいLocalEmbedderを作成。dim<=0なら既定値
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = DefaultLocalDimension
	}
	return &LocalEmbedder{dim: dim}
}

// Embed はテキストを埋め込みベクトルに変換
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, ErrEmptyEmbedding
	}

	termFreq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		termFreq[tok]++
	}

	vec := make([]float64, e.dim)
	for term, tf := range termFreq {
		h := fnv.New64a()
		h.Write([]byte(term))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dim))
		sign := 1.0
		if (sum>>63)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign * (1 + math.Log(float64(tf)))
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		// 全トークンが打ち消し合った場合
		return nil, ErrEmptyEmbedding
	}

	out := make([]float32, e.dim)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

// GetDimension は次元を返す
func (e *LocalEmbedder) GetDimension() int {
	return e.dim
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
