package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenreToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Classical, calm, strings", "classical"},
		{`["Pop Rock", "upbeat"]`, "pop rock"},
		{"\n ,  Film Score\nepic", "film score"},
		{"  ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GenreToken(tt.in), "input %q", tt.in)
	}
}

func TestGenreWeight(t *testing.T) {
	tests := []struct {
		characteristics string
		want            float64
	}{
		{"classical, calm", 0.7},
		{"Opera, dramatic", 0.7},
		{"neo-baroque", 0.7},
		{"film score, epic", 0.8},
		{"easy listening", 0.8},
		{"country, twang", 0.85},
		{"rock, energetic", 1.2},
		{"pop rock, upbeat", 1.2},
		{"folk rock, acoustic", 0.85 * 1.2},
		{"jazz, smooth", 1.0},
		// ジャンル判定は先頭トークンだけを見る
		{"ambient, classical influences", 1.0},
		{"", 1.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, GenreWeight(tt.characteristics), 1e-12, "input %q", tt.characteristics)
	}
}
