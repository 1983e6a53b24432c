package search

import "strings"

// genreWeight は特徴記述の先頭トークンに含まれるジャンルと倍率
type genreWeight struct {
	genre  string
	factor float64
}

// softGenrePenalties は順序付き。最初に一致したものだけを適用する
var softGenrePenalties = []genreWeight{
	{"classical", 0.7},
	{"opera", 0.7},
	{"baroque", 0.7},
	{"film score", 0.8},
	{"easy listening", 0.8},
	{"folk", 0.85},
	{"country", 0.85},
}

const rockBoost = 1.2

// GenreToken は特徴記述の最初の区切り（, [ ] " 改行）までを小文字・トリムして返す
func GenreToken(characteristics string) string {
	segments := strings.FieldsFunc(characteristics, func(r rune) bool {
		switch r {
		case '[', ']', '"', '\n', ',':
			return true
		}
		return false
	})
	for _, s := range segments {
		if token := strings.ToLower(strings.TrimSpace(s)); token != "" {
			return token
		}
	}
	return ""
}

// GenreWeight は候補自身のジャンルトークンから類似度の倍率を求める
//
// ペナルティ表は最初の一致のみ適用し、rock系のブーストはそれとは別に掛ける
// （"folk rock" は 0.85 × 1.2）。
func GenreWeight(characteristics string) float64 {
	token := GenreToken(characteristics)
	weight := 1.0
	for _, p := range softGenrePenalties {
		if strings.Contains(token, p.genre) {
			weight *= p.factor
			break
		}
	}
	// "pop rock" は "rock" に含まれる
	if strings.Contains(token, "rock") {
		weight *= rockBoost
	}
	return weight
}
