package jsonrpc

import (
	"context"
	"encoding/json"

	"github.com/brbranch/charcache/internal/search"
)

// handleUpsert は characterization.upsert を処理
func (h *Handler) handleUpsert(ctx context.Context, params any) (any, error) {
	var p UpsertParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	rec, err := h.charService.Upsert(ctx, p.Record)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"record": rec,
	}, nil
}

// handleGet は characterization.get を処理
func (h *Handler) handleGet(ctx context.Context, params any) (any, error) {
	var p GetParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	rec, err := h.charService.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"record": rec,
	}, nil
}

// handleList は characterization.list を処理（ID順）
func (h *Handler) handleList(ctx context.Context, params any) (any, error) {
	var p ListParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	all := h.charService.All(ctx)
	start, end := p.window(len(all))
	return map[string]any{
		"total":   len(all),
		"records": all[start:end],
	}, nil
}

// handleSearch は characterization.search を処理
func (h *Handler) handleSearch(ctx context.Context, params any) (any, error) {
	var p SearchParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	matches, err := h.charService.FindSimilar(ctx, p.Text, p.Limit)
	if err != nil {
		return nil, err
	}
	return matchesResult(matches), nil
}

// handleSearchVector は characterization.search_vector を処理
func (h *Handler) handleSearchVector(ctx context.Context, params any) (any, error) {
	var p SearchVectorParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	matches, err := h.charService.FindSimilarFromVector(ctx, p.Vector)
	if err != nil {
		return nil, err
	}
	return matchesResult(matches), nil
}

func matchesResult(matches []search.Match) map[string]any {
	if matches == nil {
		matches = []search.Match{}
	}
	return map[string]any{
		"matches": matches,
	}
}

// handleRegenerate は characterization.regenerate を処理
func (h *Handler) handleRegenerate(ctx context.Context) (any, error) {
	report, err := h.charService.RegenerateAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// handleMissing は characterization.missing を処理
func (h *Handler) handleMissing(ctx context.Context) (any, error) {
	report := h.charService.CheckMissing(ctx)
	return map[string]any{
		"total":         report.Total,
		"missing":       report.Missing,
		"sampleMissing": report.SampleMissing,
	}, nil
}

// handleDisableEmbeddings は characterization.disable_embeddings を処理
func (h *Handler) handleDisableEmbeddings(ctx context.Context) (any, error) {
	return map[string]any{
		"cleared": h.charService.DisableEmbeddingsAndClear(ctx),
	}, nil
}

// handleGetFlags は characterization.get_flags を処理
func (h *Handler) handleGetFlags(ctx context.Context) (any, error) {
	return h.charService.GetFeatureFlags(ctx), nil
}

// handleSetFlags は characterization.set_flags を処理
func (h *Handler) handleSetFlags(ctx context.Context, params any) (any, error) {
	var p SetFlagsParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	resp, err := h.charService.SetFeatureFlags(ctx, p.Merge(h.charService.GetFeatureFlags(ctx)))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"previous":        resp.Previous,
		"current":         resp.Current,
		"cleared":         resp.Cleared,
		"backfillStarted": resp.BackfillStarted,
	}, nil
}

// handleSave は characterization.save を処理
func (h *Handler) handleSave(ctx context.Context) (any, error) {
	if err := h.charService.SaveIfDirty(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"ok": true,
	}, nil
}

// handleGetConfig は config.get を処理
func (h *Handler) handleGetConfig(ctx context.Context) (any, error) {
	resp, err := h.configService.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"transportDefaults": map[string]any{
			"defaultTransport": resp.TransportDefaults.DefaultTransport,
		},
		"features": resp.Features,
		"embedder": map[string]any{
			"provider":          resp.Embedder.Provider,
			"model":             resp.Embedder.Model,
			"dim":               resp.Embedder.Dim,
			"baseUrl":           resp.Embedder.BaseURL,
			"requestsPerSecond": resp.Embedder.RequestsPerSecond,
		},
		"store": map[string]any{
			"type": resp.Store.Type,
			"path": resp.Store.Path,
		},
		"maintenance": map[string]any{
			"intervalSeconds": resp.Maintenance.IntervalSeconds,
			"checkpointEvery": resp.Maintenance.CheckpointEvery,
		},
		"paths": map[string]any{
			"configPath":  resp.Paths.ConfigPath,
			"dataDir":     resp.Paths.DataDir,
			"libraryPath": resp.Paths.LibraryPath,
		},
		"namespace": resp.Namespace,
	}, nil
}

// handleSetConfig は config.set を処理
func (h *Handler) handleSetConfig(ctx context.Context, params any) (any, error) {
	var p SetConfigParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}

	resp, err := h.configService.SetConfig(ctx, p.ToRequest())
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"ok":                 resp.OK,
		"effectiveNamespace": resp.EffectiveNamespace,
		"restartRequired":    resp.RestartRequired,
	}, nil
}

// mapParams はanyをターゲット構造体にマッピング
func mapParams(params any, target any) error {
	if params == nil {
		return nil
	}

	// anyをJSONに変換してから構造体にアンマーシャル
	b, err := json.Marshal(params)
	if err != nil {
		return &invalidParamsError{err: err}
	}
	if err := json.Unmarshal(b, target); err != nil {
		return &invalidParamsError{err: err}
	}
	return nil
}
