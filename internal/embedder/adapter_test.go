package embedder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

		"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brbranch/charcache/internal/config"
	"github.com/brbranch/charcache/internal/metrics"
)

// fakeEmbedder はテスト用のEmbedder
type fakeEmbedder struct {
	calls   atomic.Int32
	delay   time.Duration
	vec     []float32
	err     error
	release chan struct{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) GetDimension() int {
	return len(f.vec)
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestAdapter_Compute_Success(t *testing.T) {
	m := metrics.New()
	fake := &fakeEmbedder{vec: []float32{1, 0, 0}}
	a := NewAdapter(fake, config.NewStaticSettings(true, true), WithMetrics(m))

	vec, err := a.Compute(context.Background(), "rock, loud")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, 3, a.Dimension())
	assert.Equal(t, 1.0, counterValue(t, m, "charcache_embedding_computed_total"))

	// 返されたスライスを変更しても元に影響しない
	vec[0] = 42
	assert.Equal(t, float32(1), fake.vec[0])
}

func TestAdapter_Compute_Unavailable(t *testing.T) {
	tests := []struct {
		name             string
		characterization bool
		local            bool
	}{
		{"characterization off", false, true},
		{"local off", true, false},
		{"both off", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEmbedder{vec: []float32{1}}
			a := NewAdapter(fake, config.NewStaticSettings(tt.characterization, tt.local))

			assert.False(t, a.Available())
			_, err := a.Compute(context.Background(), "text")
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
			assert.Equal(t, int32(0), fake.calls.Load())
		})
	}
}

// TestAdapter_Compute_PollsSettings はフラグ変更が次の呼び出しに反映されることをテスト
func TestAdapter_Compute_PollsSettings(t *testing.T) {
	settings := config.NewStaticSettings(true, true)
	a := NewAdapter(&fakeEmbedder{vec: []float32{1}}, settings)

	_, err := a.Compute(context.Background(), "text")
	require.NoError(t, err)

	settings.Set(true, false)
	_, err = a.Compute(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestAdapter_Compute_BackendFailure(t *testing.T) {
	m := metrics.New()
	cause := errors.New("connection refused")
	a := NewAdapter(&fakeEmbedder{err: cause}, config.NewStaticSettings(true, true), WithMetrics(m))

	_, err := a.Compute(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendFailure)
	assert.ErrorIs(t, err, cause)

	var backendErr *BackendError
	assert.ErrorAs(t, err, &backendErr)
	assert.Equal(t, 1.0, counterValue(t, m, "charcache_embedding_failures_total"))
}

func TestAdapter_Compute_EmptyVectorIsFailure(t *testing.T) {
	a := NewAdapter(&fakeEmbedder{vec: []float32{}}, config.NewStaticSettings(true, true))

	_, err := a.Compute(context.Background(), "text")
	assert.ErrorIs(t, err, ErrBackendFailure)
	assert.ErrorIs(t, err, ErrEmptyEmbedding)
}

func TestAdapter_Compute_ContextCanceled(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1}, release: make(chan struct{})}
	a := NewAdapter(fake, config.NewStaticSettings(true, true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Compute(ctx, "text")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrBackendFailure)
}

// TestAdapter_Compute_CollapsesConcurrentCalls は同一テキストの同時呼び出しが1回にまとまることをテスト
func TestAdapter_Compute_CollapsesConcurrentCalls(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{0.5, 0.5}, release: make(chan struct{})}
	a := NewAdapter(fake, config.NewStaticSettings(true, true))

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]float32, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Compute(context.Background(), "same text")
		}(i)
	}

	require.Eventually(t, func() bool { return fake.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fake.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []float32{0.5, 0.5}, results[i])
	}
	assert.LessOrEqual(t, fake.calls.Load(), int32(callers))
}

func TestAdapter_Compute_RateLimited(t *testing.T) {
	fake := &fakeEmbedder{vec: []float32{1}}
	a := NewAdapter(fake, config.NewStaticSettings(true, true), WithRateLimit(20))

	start := time.Now()
	for _, text := range []string{"a", "b", "c"} {
		_, err := a.Compute(context.Background(), text)
		require.NoError(t, err)
	}
	// バースト1・毎秒20回なので2回目以降は約50msずつ待つ
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
