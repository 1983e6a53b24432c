package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// defaultHTTPTimeout はプロバイダ呼び出し1回あたりの上限
const defaultHTTPTimeout = 30 * time.Second

// maxResponseBytes は埋め込みレスポンスとして読み込む最大サイズ
const maxResponseBytes = 32 << 20

func newDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// postJSON はinをJSONでPOSTし、200応答のボディをoutへデコードする。
// 非200は *APIError、デコード失敗は ErrInvalidResponse を返す。
// ctxが終了していた場合は ctx.Err() をそのまま返す。
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrInvalidResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIRequestFailed, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrAPIRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: read response: %v", ErrAPIRequestFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// dimTracker はプロバイダが返すベクトル次元を記録する。
// 最初に観測した次元で確定し、以降の異なる次元は不正応答として扱う。
type dimTracker struct {
	value   atomic.Int64
	once    sync.Once
	updater DimUpdater
}

func (d *dimTracker) get() int {
	return int(d.value.Load())
}

func (d *dimTracker) seed(dim int) {
	if dim > 0 {
		d.value.Store(int64(dim))
	}
}

// observe はベクトル長nを検証し、未確定なら記録してupdaterへ通知する
func (d *dimTracker) observe(n int) error {
	if known := d.get(); known != 0 {
		if known != n {
			return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidResponse, known, n)
		}
		return nil
	}

	d.once.Do(func() {
		d.value.Store(int64(n))
		if d.updater == nil {
			return
		}
		if err := d.updater.UpdateDim(n); err != nil {
			slog.Warn("failed to persist embedding dimension", "dim", n, "error", err)
		}
	})

	// onceの競合で別の長さが先に確定した場合
	if known := d.get(); known != n {
		return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidResponse, known, n)
	}
	return nil
}
