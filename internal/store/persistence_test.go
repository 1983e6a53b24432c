package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/model"
)

// flakyPersister は指定回数だけ失敗するPersister
type flakyPersister struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    atomic.Int32
	saved    *Snapshot
	load     *Snapshot
	loadErr  error
	delay    time.Duration
}

func (f *flakyPersister) Load(ctx context.Context) (*Snapshot, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.load == nil {
		return emptySnapshot(), nil
	}
	return f.load, nil
}

func (f *flakyPersister) Save(ctx context.Context, snap *Snapshot) error {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.saved = snap
	return nil
}

func (f *flakyPersister) Location() string { return "memory" }

func (f *flakyPersister) lastSaved() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved
}

func TestPersistence_SaveSkipsWhenClean(t *testing.T) {
	fp := &flakyPersister{}
	p := NewPersistence(New(), fp)

	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, int32(0), fp.calls.Load())
}

func TestPersistence_SaveClearsDirty(t *testing.T) {
	s := New()
	s.Put(newTestRecord("a", "x", []float32{1}))
	fp := &flakyPersister{}
	p := NewPersistence(s, fp, WithNamespace(func() string { return "local:hashing-v1:1" }))

	p.MarkDirty()
	require.NoError(t, p.Save(context.Background()))

	assert.False(t, p.IsDirty())
	saved := fp.lastSaved()
	require.NotNil(t, saved)
	assert.Equal(t, "local:hashing-v1:1", saved.Namespace)
	assert.Contains(t, saved.Records, "a")
}

func TestPersistence_SaveRetriesTransientErrors(t *testing.T) {
	fp := &flakyPersister{failures: 2, err: errors.New("resource busy")}
	p := NewPersistence(New(), fp, WithRetry(3, time.Millisecond))

	p.MarkDirty()
	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, int32(3), fp.calls.Load())
	assert.False(t, p.IsDirty())
}

// TestPersistence_SaveExhaustedKeepsDirty は3回失敗するとdirtyが残り以前のファイルが読めることをテスト
func TestPersistence_SaveExhaustedKeepsDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "characterizations.json")
	jp := NewJSONFilePersister(path)
	require.NoError(t, jp.Save(context.Background(), newTestSnapshot()))

	var renames atomic.Int32
	jp.rename = func(string, string) error {
		renames.Add(1)
		return errors.New("rename failed")
	}

	s := New()
	s.Put(newTestRecord("new", "x", nil))
	p := NewPersistence(s, jp, WithRetry(3, time.Millisecond))
	p.MarkDirty()

	err := p.Save(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), renames.Load())
	assert.True(t, p.IsDirty())

	loaded, err := NewJSONFilePersister(path).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 3)
	assert.NotContains(t, loaded.Records, "new")
}

func TestPersistence_SerializationErrorNotRetried(t *testing.T) {
	fp := &flakyPersister{failures: 5, err: fmt.Errorf("%w: NaN", ErrSerialization)}
	p := NewPersistence(New(), fp, WithRetry(3, time.Millisecond))

	p.MarkDirty()
	assert.ErrorIs(t, p.Save(context.Background()), ErrSerialization)
	assert.Equal(t, int32(1), fp.calls.Load())
	assert.True(t, p.IsDirty())
}

func TestPersistence_SaveContextCanceled(t *testing.T) {
	fp := &flakyPersister{failures: 5, err: errors.New("busy")}
	p := NewPersistence(New(), fp, WithRetry(3, time.Second))
	p.MarkDirty()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Save(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, p.IsDirty())
}

// TestPersistence_ConcurrentSavesSerialized は同時の保存が1つずつ実行されることをテスト
func TestPersistence_ConcurrentSavesSerialized(t *testing.T) {
	fp := &flakyPersister{delay: 20 * time.Millisecond}
	p := NewPersistence(New(), fp)
	p.MarkDirty()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Save(context.Background()))
		}()
	}
	wg.Wait()

	// dirtyは1回分なので保存も1回
	assert.Equal(t, int32(1), fp.calls.Load())
}

func TestPersistence_FlushAsyncPersistsFinalState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characterizations.json")
	s := New()
	p := NewPersistence(s, NewJSONFilePersister(path))

	for i := 0; i < 50; i++ {
		s.Put(newTestRecord(fmt.Sprintf("id-%02d", i), "x", nil))
		p.MarkDirty()
		p.FlushAsync()
	}
	p.Wait()
	require.NoError(t, p.Save(context.Background()))

	loaded, err := NewJSONFilePersister(path).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 50)
	assert.False(t, p.IsDirty())
}

func TestPersistence_LoadCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characterizations.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	s := New()
	s.Put(newTestRecord("stale", "x", nil))
	p := NewPersistence(s, NewJSONFilePersister(path))

	assert.Equal(t, 0, p.Load(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestPersistence_LoadResetsEmbeddingsOnModelChange(t *testing.T) {
	fp := &flakyPersister{load: &Snapshot{
		Namespace: "openai:text-embedding-3-small:2",
		Records: map[string]*model.CharacterizationRecord{
			"a": newTestRecord("a", "x", []float32{1, 0}),
			"b": newTestRecord("b", "y", model.FailedEmbedding()),
		},
	}}
	s := New()
	p := NewPersistence(s, fp, WithNamespace(func() string { return "local:hashing-v1:256" }))

	assert.Equal(t, 2, p.Load(context.Background()))
	for _, rec := range s.All() {
		assert.True(t, rec.EmbeddingAbsent(), "record %s", rec.ID)
	}
	assert.True(t, p.IsDirty())
}

func TestPersistence_LoadKeepsEmbeddingsForSameModel(t *testing.T) {
	fp := &flakyPersister{load: &Snapshot{
		Namespace: "local:hashing-v1:0",
		Records: map[string]*model.CharacterizationRecord{
			"a": newTestRecord("a", "x", []float32{1, 0}),
		},
	}}
	s := New()
	p := NewPersistence(s, fp, WithNamespace(func() string { return "local:hashing-v1:2" }))

	p.Load(context.Background())
	a, _ := s.Get("a")
	assert.Equal(t, []float32{1, 0}, a.Embeddings)
	assert.False(t, p.IsDirty())
}

// TestPersistence_ConfigChangeAtRuntimeKeepsComputingModel は実行中に設定のmodelだけが
// 変わっても、保存されるnamespaceは計算に使ったモデルのもので、再起動時に埋め込みが破棄されることをテスト
func TestPersistence_ConfigChangeAtRuntimeKeepsComputingModel(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "characterizations.json")
	mgr := config.NewManagerWithConfig(&model.Config{
		Embedder: model.EmbedderConfig{Provider: model.ProviderOpenAI, Model: "text-embedding-ada-002", Dim: 2},
	})

	running := mgr.GetConfig().Embedder
	s := New()
	p := NewPersistence(s, NewJSONFilePersister(path),
		WithNamespace(config.PinnedNamespace(running.Provider, running.Model, s.Dimension)))
	p.Load(ctx)

	require.NoError(t, s.Put(newTestRecord("a", "x", []float32{1, 0})))
	p.MarkDirty()

	// config.set 相当：実行中のembedderはそのまま
	require.NoError(t, mgr.UpdateEmbedder(&model.EmbedderConfig{Model: "text-embedding-3-small"}))
	require.NoError(t, mgr.UpdateDim(0))
	require.NoError(t, p.Save(ctx))

	saved, err := NewJSONFilePersister(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "openai:text-embedding-ada-002:2", saved.Namespace)

	// 再起動：新しい設定のmodelで開く
	next := mgr.GetConfig().Embedder
	s2 := New()
	p2 := NewPersistence(s2, NewJSONFilePersister(path),
		WithNamespace(config.PinnedNamespace(next.Provider, next.Model, s2.Dimension)))
	require.Equal(t, 1, p2.Load(ctx))

	a, _ := s2.Get("a")
	assert.True(t, a.EmbeddingAbsent(), "vector from the previous model must be recomputed")
}
