package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brbranch/charcache/internal/model"
)

// mockHandler はメソッド名に応じて固定の結果を返すハンドラー
type mockHandler struct {
	mu        sync.Mutex
	responses map[string]any
	seen      []string
}

func newMockHandler() *mockHandler {
	return &mockHandler{responses: make(map[string]any)}
}

func (h *mockHandler) Handle(ctx context.Context, requestBytes []byte) []byte {
	var req model.Request
	if err := json.Unmarshal(requestBytes, &req); err != nil {
		b, _ := json.Marshal(model.NewParseError(err.Error()))
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, req.Method)
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	if response, ok := h.responses[req.Method]; ok {
		b, _ := json.Marshal(model.NewResponse(req.ID, response))
		return b
	}
	b, _ := json.Marshal(model.NewMethodNotFound(req.ID, req.Method))
	return b
}

func readLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestServer_Run_RespondsInOrder(t *testing.T) {
	handler := newMockHandler()
	handler.responses["characterization.get_flags"] = map[string]any{"characterizationEnabled": true}
	handler.responses["characterization.missing"] = map[string]any{"missing": 0}

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"characterization.get_flags"}`,
		``,
		`   `,
		`{"jsonrpc":"2.0","id":2,"method":"characterization.missing"}`,
		`not json`,
	}, "\n") + "\n"

	var out bytes.Buffer
	server := New(handler, WithReader(strings.NewReader(input)), WithWriter(&out))
	require.NoError(t, server.Run(context.Background()))

	lines := readLines(t, &out)
	require.Len(t, lines, 3)
	assert.EqualValues(t, 1, lines[0]["id"])
	assert.EqualValues(t, 2, lines[1]["id"])
	assert.EqualValues(t, model.ErrCodeParseError, lines[2]["error"].(map[string]any)["code"])
	assert.Equal(t, []string{"characterization.get_flags", "characterization.missing"}, handler.seen)
}

func TestServer_Run_LargeRequest(t *testing.T) {
	handler := newMockHandler()
	handler.responses["characterization.search_vector"] = map[string]any{"matches": []any{}}

	vec := make([]float32, 200_000)
	for i := range vec {
		vec[i] = 0.123456
	}
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "characterization.search_vector",
		"params": map[string]any{"vector": vec},
	})
	require.NoError(t, err)
	require.Greater(t, len(req), 1024*1024)

	var out bytes.Buffer
	server := New(handler, WithReader(bytes.NewReader(append(req, '\n'))), WithWriter(&out))
	require.NoError(t, server.Run(context.Background()))

	lines := readLines(t, &out)
	require.Len(t, lines, 1)
	assert.Nil(t, lines[0]["error"])
}

func TestServer_Run_ContextCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	server := New(newMockHandler(), WithReader(pr), WithWriter(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestServer_Run_WriteError(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"characterization.get_flags"}` + "\n"
	server := New(newMockHandler(), WithReader(strings.NewReader(input)), WithWriter(failingWriter{}))

	assert.Error(t, server.Run(context.Background()))
}

func TestServer_Run_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	server := New(newMockHandler(), WithReader(strings.NewReader("")), WithWriter(&out))

	require.NoError(t, server.Run(context.Background()))
	assert.Zero(t, out.Len())
}

func TestServer_Run_NotificationsAreNotAnswered(t *testing.T) {
	handler := newMockHandler()
	handler.responses["tools/list"] = map[string]any{"tools": []any{}}

	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","id":7,"method":"tools/list"}` + "\n"

	var out bytes.Buffer
	server := New(handler, WithReader(strings.NewReader(input)), WithWriter(&out))
	require.NoError(t, server.Run(context.Background()))

	lines := readLines(t, &out)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(7), lines[0]["id"])
	assert.Equal(t, []string{"notifications/initialized", "tools/list"}, handler.seen)
}
