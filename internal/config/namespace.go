package config

import (
	"fmt"
	"strconv"
	"strings"
)

// GenerateNamespace はembedder設定からnamespaceを生成する
// 形式: "{provider}:{model}:{dim}"
// 永続化ファイルに埋め込みモデルの識別子として記録される
func GenerateNamespace(provider, model string, dim int) string {
	return fmt.Sprintf("%s:%s:%d", provider, model, dim)
}

// ParseNamespace はnamespaceをprovider, model, dimに分解する
// modelには ":" が含まれ得る（例: "nomic-embed-text:latest"）ため、
// providerは最初の ":" まで、dimは最後の ":" 以降として扱う
func ParseNamespace(namespace string) (provider, model string, dim int, err error) {
	first := strings.Index(namespace, ":")
	last := strings.LastIndex(namespace, ":")
	if first < 0 || first == last {
		return "", "", 0, fmt.Errorf("invalid namespace format: expected 'provider:model:dim', got %q", namespace)
	}

	provider = namespace[:first]
	model = namespace[first+1 : last]

	dim, err = strconv.Atoi(namespace[last+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid dim in namespace %q: %w", namespace, err)
	}
	if dim < 0 {
		return "", "", 0, fmt.Errorf("invalid dim in namespace %q: dim must be non-negative, got %d", namespace, dim)
	}

	return provider, model, dim, nil
}

// SameModel は2つのnamespaceが同じprovider/modelを指すかを返す
// dimは初回埋め込みまで0のことがあるので比較しない
// どちらかが空または不正な場合はtrue（比較不能なので既存データを尊重する）
func SameModel(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	pa, ma, _, errA := ParseNamespace(a)
	pb, mb, _, errB := ParseNamespace(b)
	if errA != nil || errB != nil {
		return true
	}
	return pa == pb && ma == mb
}

// PinnedNamespace はprovider/modelを呼び出し時点の値に固定したnamespace関数を返す
// dimは実際に使っている埋め込みバックエンドから都度読む。
// 実行中に設定ファイルのmodelが変わっても、保存される識別子は計算に使ったモデルのまま
func PinnedNamespace(provider, model string, dim func() int) func() string {
	return func() string {
		d := 0
		if dim != nil {
			d = dim()
		}
		return GenerateNamespace(provider, model, d)
	}
}
