package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/service"
)

func writeConfig(t *testing.T, dir, storeType string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.json")
	content := `{
		"features": {"characterizationEnabled": true, "localEmbeddingsEnabled": true},
		"embedder": {"provider": "local", "model": "hashing-v1"},
		"store": {"type": "` + storeType + `"},
		"paths": {"libraryPath": "` + filepath.ToSlash(filepath.Join(dir, "library")) + `"}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath
}

func TestInitialize_StoreTypes(t *testing.T) {
	for _, storeType := range []string{model.StoreTypeJSON, model.StoreTypeSQLite} {
		t.Run(storeType, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			services, cleanup, err := Initialize(ctx, writeConfig(t, dir, storeType), nil)
			require.NoError(t, err)

			assert.Equal(t, filepath.Join(dir, "library", ".charcache"), filepath.Dir(services.StorePath))
			assert.True(t, strings.HasPrefix(services.Namespace, "local:hashing-v1:"))

			rec, err := services.CharacterizationService.Upsert(ctx, &model.CharacterizationRecord{
				ID:              "track-1",
				Characteristics: "ambient, calm, piano",
			})
			require.NoError(t, err)
			assert.True(t, rec.HasEmbedding())
			cleanup()

			// 再初期化で保存済みレコードが読み込まれる
			reopened, cleanup2, err := Initialize(ctx, writeConfig(t, dir, storeType), nil)
			require.NoError(t, err)
			defer cleanup2()

			got, err := reopened.CharacterizationService.Get(ctx, "track-1")
			require.NoError(t, err)
			assert.Equal(t, rec.Embeddings, got.Embeddings)
		})
	}
}

func TestInitialize_MemoryStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	services, cleanup, err := Initialize(ctx, writeConfig(t, dir, model.StoreTypeMemory), nil)
	require.NoError(t, err)
	defer cleanup()

	_, err = services.CharacterizationService.Upsert(ctx, &model.CharacterizationRecord{ID: "a", Characteristics: "calm"})
	require.NoError(t, err)
	require.NoError(t, services.CharacterizationService.SaveIfDirty(ctx))
	assert.NoFileExists(t, services.StorePath)
}

func TestInitialize_UnknownStoreType(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Initialize(context.Background(), writeConfig(t, dir, "redis"), nil)
	assert.ErrorIs(t, err, ErrUnknownStoreType)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"service":"charcache"`)

	buf.Reset()
	NewLogger(&buf, "debug", "text").Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

// TestInitialize_ModelChangeRecomputesAfterRestart は実行中にmodelを変更すると、
// 再起動後に旧モデルの埋め込みが未計算に戻ることをテスト
func TestInitialize_ModelChangeRecomputesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	configPath := writeConfig(t, dir, model.StoreTypeJSON)

	services, cleanup, err := Initialize(ctx, configPath, nil)
	require.NoError(t, err)

	rec, err := services.CharacterizationService.Upsert(ctx, &model.CharacterizationRecord{
		ID:              "track-1",
		Characteristics: "ambient, calm, piano",
	})
	require.NoError(t, err)
	require.True(t, rec.HasEmbedding())

	newModel := "hashing-v2"
	resp, err := services.ConfigService.SetConfig(ctx, &service.SetConfigRequest{
		Embedder: &service.EmbedderPatch{Model: &newModel},
	})
	require.NoError(t, err)
	assert.True(t, resp.RestartRequired)
	cleanup()

	reopened, cleanup2, err := Initialize(ctx, configPath, nil)
	require.NoError(t, err)
	defer cleanup2()
	assert.True(t, strings.HasPrefix(reopened.Namespace, "local:hashing-v2:"))

	got, err := reopened.CharacterizationService.Get(ctx, "track-1")
	require.NoError(t, err)
	assert.True(t, got.EmbeddingAbsent())
}
