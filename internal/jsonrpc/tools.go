package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brbranch/charcache/internal/model"
)

// ProtocolVersion は initialize で返すMCPプロトコルのバージョン
const ProtocolVersion = "2024-11-05"

// DefaultServerVersion は WithServerVersion を指定しない場合の serverInfo.version
const DefaultServerVersion = "dev"

// tool はJSON-RPCメソッドをMCPツールとして公開するための定義
type tool struct {
	method      string
	description string
	schema      model.JSONSchema
}

func object(required []string, props map[string]model.JSONSchema) model.JSONSchema {
	return model.JSONSchema{Type: "object", Properties: props, Required: required}
}

var vectorSchema = model.JSONSchema{Type: "array", Items: &model.JSONSchema{Type: "number"}}

var recordSchema = object([]string{"id"}, map[string]model.JSONSchema{
	"id":              {Type: "string"},
	"title":           {Type: "string"},
	"artist":          {Type: "string"},
	"contentHash":     {Type: "string"},
	"characteristics": {Type: "string", Description: "comma separated descriptors; the embedding input"},
	"needsReview":     {Type: "boolean"},
	"embeddings": {
		Type:        "array",
		Description: "omit to compute; [] marks a failed embedding",
		Items:       &model.JSONSchema{Type: "number"},
	},
})

var tools = []tool{
	{"characterization.upsert", "Insert or replace a characterization record, computing its embedding when enabled",
		object([]string{"record"}, map[string]model.JSONSchema{"record": recordSchema})},
	{"characterization.get", "Get a characterization record by id",
		object([]string{"id"}, map[string]model.JSONSchema{"id": {Type: "string"}})},
	{"characterization.list", "List characterization records ordered by id",
		object(nil, map[string]model.JSONSchema{"limit": {Type: "integer"}, "offset": {Type: "integer"}})},
	{"characterization.search", "Find records whose characteristics are similar to the given text",
		object([]string{"text"}, map[string]model.JSONSchema{"text": {Type: "string"}, "limit": {Type: "integer"}})},
	{"characterization.search_vector", "Find records similar to a query vector with genre re-weighting",
		object([]string{"vector"}, map[string]model.JSONSchema{"vector": vectorSchema})},
	{"characterization.regenerate", "Compute embeddings for every characteristics string that has none",
		object(nil, nil)},
	{"characterization.missing", "Report characteristics strings without a computed embedding",
		object(nil, nil)},
	{"characterization.disable_embeddings", "Clear every computed embedding",
		object(nil, nil)},
	{"characterization.get_flags", "Get the feature flags",
		object(nil, nil)},
	{"characterization.set_flags", "Change the feature flags; omitted flags keep their value",
		object(nil, map[string]model.JSONSchema{
			"characterizationEnabled": {Type: "boolean"},
			"localEmbeddingsEnabled":  {Type: "boolean"},
		})},
	{"characterization.save", "Persist pending changes now",
		object(nil, nil)},
	{"config.get", "Get the configuration (the API key is never returned)",
		object(nil, nil)},
	{"config.set", "Change the embedder configuration; provider and model apply at next start",
		object(nil, map[string]model.JSONSchema{
			"embedder": object(nil, map[string]model.JSONSchema{
				"provider": {Type: "string"},
				"model":    {Type: "string"},
				"baseUrl":  {Type: "string"},
				"apiKey":   {Type: "string"},
			}),
		})},
}

// toolName はメソッド名をツール名に変換する（"." は多くのクライアントで使えない）
func toolName(method string) string {
	return strings.ReplaceAll(method, ".", "_")
}

func toolMethod(name string) (string, bool) {
	for _, t := range tools {
		if toolName(t.method) == name {
			return t.method, true
		}
	}
	return "", false
}

func (h *Handler) handleInitialize(ctx context.Context, params any) (any, error) {
	var p model.InitializeParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}
	return &model.InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      model.ServerInfo{Name: "charcache", Version: h.version},
		Capabilities:    model.Capabilities{Tools: &model.ToolsCapability{}},
	}, nil
}

func (h *Handler) handleToolsList(ctx context.Context) (any, error) {
	out := make([]model.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, model.Tool{
			Name:        toolName(t.method),
			Description: t.description,
			InputSchema: t.schema,
		})
	}
	return &model.ToolsListResult{Tools: out}, nil
}

// handleToolsCall はツールに対応するメソッドを呼び、結果をJSONテキストで返す
// メソッドのエラーは IsError の結果として返す
func (h *Handler) handleToolsCall(ctx context.Context, params any) (any, error) {
	var p model.ToolsCallParams
	if err := mapParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return toolError("tool name is required"), nil
	}

	method, ok := toolMethod(p.Name)
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}

	var args any
	if p.Arguments != nil {
		args = p.Arguments
	}
	result, err := h.dispatch(ctx, method, args)
	if err != nil {
		return toolError(err.Error()), nil
	}

	b, err := json.Marshal(result)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &model.ToolsCallResult{Content: []model.ContentItem{model.NewTextContent(string(b))}}, nil
}

func toolError(msg string) *model.ToolsCallResult {
	return &model.ToolsCallResult{
		Content: []model.ContentItem{model.NewTextContent("Error: " + msg)},
		IsError: true,
	}
}
