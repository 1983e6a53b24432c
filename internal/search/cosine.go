// Package search provides similarity search over cached characterization embeddings.
package search

import (
	"errors"
	"fmt"
	"math"

	"github.com/brbranch/charcache/internal/model"
)

// ErrZeroVector はノルムが0のベクトルとの比較を表すエラー
var ErrZeroVector = errors.New("zero-magnitude vector")

// CosineSimilarity は dot(a,b) / (|a||b|) を返す（-1〜1、1が同一方向）
// 次元が異なる場合やどちらかがゼロベクトルの場合はエラー
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", model.ErrDimensionMismatch, len(a), len(b))
	}

	var dotProduct, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dotProduct += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0, ErrZeroVector
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
