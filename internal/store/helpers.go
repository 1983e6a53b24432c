package store

import (
	"encoding/binary"
	"math"
)

// encodeEmbedding はfloat32配列をリトルエンディアンのバイト配列に変換する
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding はバイト配列をfloat32配列に変換する
// present=falseならnil（未計算）、present=trueで空なら失敗を表す空スライスを返す
func decodeEmbedding(data []byte, present bool) []float32 {
	if !present {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding
}
