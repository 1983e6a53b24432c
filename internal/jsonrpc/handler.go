// Package jsonrpc implements JSON-RPC 2.0 handlers for charcache.
package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/brbranch/charcache/internal/embedder"
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/service"
)

// Handler はJSON-RPCリクエストを処理する
type Handler struct {
	charService   service.CharacterizationService
	configService service.ConfigService
	version       string
}

// Option はHandlerのオプション
type Option func(*Handler)

// WithServerVersion は initialize で返すサーバーのバージョンを設定
func WithServerVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// New は新しいHandlerを生成
func New(
	charService service.CharacterizationService,
	configService service.ConfigService,
	opts ...Option,
) *Handler {
	h := &Handler{
		charService:   charService,
		configService: configService,
		version:       DefaultServerVersion,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle はJSON-RPCリクエストをパースしてディスパッチ
// 戻り値は *model.Response または *model.ErrorResponse のJSON bytes
// 通知（idなしの notifications/*）にはnilを返す
func (h *Handler) Handle(ctx context.Context, requestBytes []byte) []byte {
	// 1. パース
	var req model.Request
	if err := json.Unmarshal(requestBytes, &req); err != nil {
		return h.encodeError(model.NewParseError(err.Error()))
	}

	// 2. バージョン確認
	if req.JSONRPC != model.JSONRPCVersion {
		return h.encodeError(model.NewInvalidRequest(req.ID, "jsonrpc must be 2.0"))
	}

	// 3. method確認
	if req.Method == "" {
		return h.encodeError(model.NewInvalidRequest(req.ID, "method is required"))
	}

	// 4. 通知には応答しない
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}

	// 5. ディスパッチ
	result, err := h.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		return h.encodeError(h.mapError(req.ID, err))
	}

	// 6. 成功レスポンス
	return h.encodeResponse(model.NewResponse(req.ID, result))
}

// dispatch はメソッドに応じて適切なハンドラーを呼び出す
func (h *Handler) dispatch(ctx context.Context, method string, params any) (any, error) {
	switch method {
	case "initialize":
		return h.handleInitialize(ctx, params)
	case "tools/list":
		return h.handleToolsList(ctx)
	case "tools/call":
		return h.handleToolsCall(ctx, params)
	case "characterization.upsert":
		return h.handleUpsert(ctx, params)
	case "characterization.get":
		return h.handleGet(ctx, params)
	case "characterization.list":
		return h.handleList(ctx, params)
	case "characterization.search":
		return h.handleSearch(ctx, params)
	case "characterization.search_vector":
		return h.handleSearchVector(ctx, params)
	case "characterization.regenerate":
		return h.handleRegenerate(ctx)
	case "characterization.missing":
		return h.handleMissing(ctx)
	case "characterization.disable_embeddings":
		return h.handleDisableEmbeddings(ctx)
	case "characterization.get_flags":
		return h.handleGetFlags(ctx)
	case "characterization.set_flags":
		return h.handleSetFlags(ctx, params)
	case "characterization.save":
		return h.handleSave(ctx)
	case "config.get":
		return h.handleGetConfig(ctx)
	case "config.set":
		return h.handleSetConfig(ctx, params)
	default:
		return nil, &methodNotFoundError{method: method}
	}
}

// mapError はサービスエラーをJSON-RPCエラーに変換
func (h *Handler) mapError(id any, err error) *model.ErrorResponse {
	// method not found
	var mnfErr *methodNotFoundError
	if errors.As(err, &mnfErr) {
		return model.NewMethodNotFound(id, mnfErr.method)
	}

	// invalid params
	var ipErr *invalidParamsError
	if errors.As(err, &ipErr) ||
		errors.Is(err, model.ErrIDRequired) ||
		errors.Is(err, service.ErrRecordRequired) ||
		errors.Is(err, service.ErrTextRequired) ||
		errors.Is(err, service.ErrVectorRequired) {
		return model.NewInvalidParams(id, err.Error())
	}

	switch {
	case errors.Is(err, service.ErrRecordNotFound):
		return model.NewErrorResponse(id, model.ErrCodeNotFound, "Characterization not found", nil)
	case errors.Is(err, model.ErrDimensionMismatch):
		return model.NewErrorResponse(id, model.ErrCodeDimensionMismatch, err.Error(), nil)
	case errors.Is(err, embedder.ErrEmbeddingUnavailable):
		return model.NewErrorResponse(id, model.ErrCodeEmbeddingUnavailable, err.Error(), nil)
	case errors.Is(err, embedder.ErrAPIKeyRequired):
		return model.NewErrorResponse(id, model.ErrCodeAPIKeyMissing, err.Error(), nil)
	case errors.Is(err, embedder.ErrBackendFailure):
		return model.NewErrorResponse(id, model.ErrCodeProviderError, err.Error(), nil)
	}

	// internal error
	return model.NewInternalError(id, err.Error())
}

func (h *Handler) encodeResponse(resp *model.Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		return h.encodeError(model.NewInternalError(resp.ID, err.Error()))
	}
	return b
}

func (h *Handler) encodeError(resp *model.ErrorResponse) []byte {
	b, _ := json.Marshal(resp)
	return b
}

// methodNotFoundError はメソッド未検出エラー
type methodNotFoundError struct {
	method string
}

func (e *methodNotFoundError) Error() string {
	return "method not found: " + e.method
}

// invalidParamsError はparamsを構造体にマッピングできない場合のエラー
type invalidParamsError struct {
	err error
}

func (e *invalidParamsError) Error() string {
	return "invalid params: " + e.err.Error()
}

func (e *invalidParamsError) Unwrap() error { return e.err }
