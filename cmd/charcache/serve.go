package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brbranch/charcache/internal/bootstrap"
	"github.com/brbranch/charcache/internal/jsonrpc"
	"github.com/brbranch/charcache/internal/model"
	"github.com/brbranch/charcache/internal/transport/http"
	"github.com/brbranch/charcache/internal/transport/stdio"
)

// serveOptions は serve コマンドのフラグ
type serveOptions struct {
	Transport   string
	Host        string
	Port        int
	CORSOrigins []string
}

func (o *serveOptions) validate() error {
	if o.Transport != model.TransportStdio && o.Transport != model.TransportHTTP {
		return fmt.Errorf("invalid transport: %s (must be stdio or http)", o.Transport)
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", o.Port)
	}
	return nil
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON-RPC server (stdio or HTTP)",
		Example: `  charcache serve
  charcache serve -t http -p 8080 --cors-origin http://localhost:3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				return runServe(ctx, opts, services)
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Transport, "transport", "t", defaultTransport, "Transport type: stdio, http")
	cmd.Flags().StringVar(&opts.Host, "host", "127.0.0.1", "HTTP host")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 8765, "HTTP port")
	cmd.Flags().StringSliceVar(&opts.CORSOrigins, "cors-origin", nil, "Allowed CORS origins for the HTTP transport")
	return cmd
}

// runServe は定期メンテナンスを開始してからtransportを起動する
func runServe(ctx context.Context, opts *serveOptions, services *bootstrap.Services) error {
	services.CharacterizationService.Start(ctx)

	handler := jsonrpc.New(services.CharacterizationService, services.ConfigService,
		jsonrpc.WithServerVersion(version))
	services.Logger.Info("charcache serving",
		"transport", opts.Transport,
		"store", services.StorePath,
		"namespace", services.Namespace)

	switch opts.Transport {
	case model.TransportStdio:
		err := stdio.New(handler, stdio.WithLogger(services.Logger)).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case model.TransportHTTP:
		server := http.New(handler, http.Config{
			Addr:           fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			CORSOrigins:    opts.CORSOrigins,
			MetricsHandler: services.Metrics.Handler(),
			Logger:         services.Logger,
		})
		return server.Run(ctx)
	default:
		return fmt.Errorf("unknown transport: %s", opts.Transport)
	}
}
