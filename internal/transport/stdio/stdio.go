// Package stdio implements the line-delimited JSON-RPC transport for charcache.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
)

// MaxBufferSize は1リクエスト行の最大サイズ（埋め込みベクトルを含むため16MB）
const MaxBufferSize = 16 * 1024 * 1024

// Handler はJSON-RPCリクエストを処理するインターフェース
type Handler interface {
	Handle(ctx context.Context, requestBytes []byte) []byte
}

// Server はstdio JSON-RPCサーバー
type Server struct {
	handler Handler
	reader  io.Reader
	writer  io.Writer
	logger  *slog.Logger
}

// Option はサーバーオプション
type Option func(*Server)

// WithReader はreaderを設定（テスト用）
func WithReader(r io.Reader) Option {
	return func(s *Server) {
		s.reader = r
	}
}

// WithWriter はwriterを設定（テスト用）
func WithWriter(w io.Writer) Option {
	return func(s *Server) {
		s.writer = w
	}
}

// WithLogger はロガーを設定
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New は新しいServerを生成
func New(handler Handler, opts ...Option) *Server {
	s := &Server{
		handler: handler,
		reader:  os.Stdin,
		writer:  os.Stdout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run はEOFまたはcontextキャンセルまでリクエストを1行ずつ処理する
// リクエストは受信順に逐次処理され、レスポンスも同じ順で1行ずつ書き出される
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.reader)
		scanner.Buffer(make([]byte, 64*1024), MaxBufferSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	w := bufio.NewWriter(s.writer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						s.logger.Error("stdin read failed", "error", err)
					}
					return err
				default:
					return ctx.Err()
				}
			}
			if err := s.respond(ctx, w, line); err != nil {
				return err
			}
		}
	}
}

func (s *Server) respond(ctx context.Context, w *bufio.Writer, request []byte) error {
	response := s.handler.Handle(ctx, request)
	if len(response) == 0 {
		return nil
	}
	if _, err := w.Write(response); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
