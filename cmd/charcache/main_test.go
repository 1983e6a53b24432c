package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brbranch/charcache/internal/model"
)

// testConfig はライブラリパスを一時ディレクトリに向けた設定ファイルを作成する
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"features": {"characterizationEnabled": true, "localEmbeddingsEnabled": true},
		"embedder": {"provider": "local", "model": "hashing-v1"},
		"store": {"type": "json"},
		"paths": {"libraryPath": "` + filepath.ToSlash(filepath.Join(dir, "library")) + `"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute はルートコマンドを実行して標準出力を返す
func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", configPath, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := []string{}
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "add", "get", "list", "search", "search-vector", "regenerate", "missing", "flags", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.Flags().Lookup("transport"), "root runs serve and accepts its flags")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, testConfig(t), "version")
	require.NoError(t, err)
	assert.Equal(t, "charcache version dev\n", out)
}

func TestAddGetList(t *testing.T) {
	cfg := testConfig(t)

	out, err := execute(t, cfg, "add", "--id", "track-1", "--title", "So What", "--artist", "Miles Davis", "jazz, modal, cool")
	require.NoError(t, err)
	assert.Contains(t, out, "track-1\tembedded(")

	out, err = execute(t, cfg, "get", "track-1")
	require.NoError(t, err)
	var rec model.CharacterizationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "So What", rec.Title)
	assert.True(t, rec.HasEmbedding())

	out, err = execute(t, cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "track-1")
	assert.Contains(t, out, "jazz, modal, cool")
}

func TestAdd_GeneratesID(t *testing.T) {
	opts := &addOptions{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := opts.record("ambient", now)
	assert.Len(t, rec.ID, 36)
	assert.Equal(t, now, rec.LastVerified)
	assert.True(t, rec.EmbeddingAbsent())

	opts.ID = "fixed"
	assert.Equal(t, "fixed", opts.record("ambient", now).ID)
}

func TestGet_NotFound(t *testing.T) {
	_, err := execute(t, testConfig(t), "get", "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestSearchCmd(t *testing.T) {
	cfg := testConfig(t)
	_, err := execute(t, cfg, "add", "--id", "a", "--title", "Calm", "calm ambient piano")
	require.NoError(t, err)
	_, err = execute(t, cfg, "add", "--id", "b", "--title", "Loud", "aggressive distorted guitar")
	require.NoError(t, err)

	out, err := execute(t, cfg, "search", "-k", "1", "-f", "json", "calm", "piano")
	require.NoError(t, err)

	var result JSONOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Results, 1)
	assert.Equal(t, "a", result.Results[0].ID)
}

func TestSearchCmd_Validation(t *testing.T) {
	cfg := testConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no query", []string{"search"}, "query is required"},
		{"bad limit", []string{"search", "-k", "0", "x"}, "limit must be greater than 0"},
		{"bad format", []string{"search", "-f", "xml", "x"}, "invalid format"},
		{"bad vector", []string{"search-vector", "1,a"}, "invalid vector component"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, cfg, tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseVector(t *testing.T) {
	vec, err := parseVector("0.5, 1,  -2")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1, -2}, vec)

	vec, err = parseVector("[0.25, 0.75]")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.75}, vec)

	_, err = parseVector(" , ")
	assert.Error(t, err)
}

func TestFlagsCmd(t *testing.T) {
	cfg := testConfig(t)
	_, err := execute(t, cfg, "add", "--id", "a", "calm ambient piano")
	require.NoError(t, err)

	out, err := execute(t, cfg, "flags", "--local-embeddings", "off")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared 1 embeddings")
	assert.Contains(t, out, "local embeddings: off")

	// 設定ファイルに保存され、次回起動時も無効のまま
	out, err = execute(t, cfg, "flags")
	require.NoError(t, err)
	assert.Contains(t, out, "local embeddings: off")

	out, err = execute(t, cfg, "get", "a")
	require.NoError(t, err)
	assert.Contains(t, out, `"embeddings": []`)

	_, err = execute(t, cfg, "flags", "--characterization", "maybe")
	assert.ErrorContains(t, err, "must be on or off")
}

func TestMissingAndRegenerate(t *testing.T) {
	cfg := testConfig(t)
	_, err := execute(t, cfg, "flags", "--local-embeddings", "off")
	require.NoError(t, err)
	_, err = execute(t, cfg, "add", "--id", "a", "calm ambient piano")
	require.NoError(t, err)

	out, err := execute(t, cfg, "missing")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1 characteristics missing embeddings")

	_, err = execute(t, cfg, "regenerate", "-q")
	assert.ErrorContains(t, err, "disabled")

	_, err = execute(t, cfg, "flags", "--local-embeddings", "on")
	require.NoError(t, err)
	// 有効化時のバックグラウンド補完が先に終わっている場合もある
	out, err = execute(t, cfg, "regenerate", "-q")
	require.NoError(t, err)
	assert.Contains(t, out, "processed")

	out, err = execute(t, cfg, "missing", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"missing": 0`)
}

func TestServeOptions_Validate(t *testing.T) {
	assert.NoError(t, (&serveOptions{Transport: "stdio", Port: 8765}).validate())
	assert.ErrorContains(t, (&serveOptions{Transport: "grpc", Port: 8765}).validate(), "invalid transport")
	assert.ErrorContains(t, (&serveOptions{Transport: "http", Port: 0}).validate(), "invalid port")
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "abc ...", truncateText("abcdef", 3))
	assert.Equal(t, "日本 ...", truncateText("日本語", 2))
}
