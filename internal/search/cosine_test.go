package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brbranch/charcache/internal/model"
)

func TestCosineSimilarity_Self(t *testing.T) {
	for _, v := range [][]float32{
		{1, 0, 0},
		{0.3, -0.7, 2.5},
		{1e-3, 1e-3},
	} {
		sim, err := CosineSimilarity(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-9)
	}
}

func TestCosineSimilarity_Symmetric(t *testing.T) {
	a := []float32{0.2, 0.4, -0.1, 0.9}
	b := []float32{-0.5, 0.1, 0.3, 0.7}

	ab, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	ba, err := CosineSimilarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestCosineSimilarity_KnownValues(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-12)

	sim, err = CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-12)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1/math.Sqrt2, sim, 1e-7)
}

func TestCosineSimilarity_Errors(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.ErrorIs(t, err, model.ErrDimensionMismatch)

	_, err = CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrZeroVector)
}
