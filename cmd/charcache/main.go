// Command charcache runs and queries the characterization embedding cache.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brbranch/charcache/internal/bootstrap"
)

// ビルド時変数（-ldflags で変更可能）
var (
	defaultTransport = "stdio"
	version          = "dev"
)

// globalOptions は全コマンド共通のフラグ
type globalOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd はサブコマンドを登録したルートコマンドを作成する
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "charcache",
		Short: "Persistent embedding cache for media characterizations",
		Long: `charcache stores characterization records for media items, computes
their embeddings in the background and answers similarity queries.

Running without a subcommand starts the JSON-RPC server (same as "serve").`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file path (default ~/.charcache/config.json)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "Log format: text, json")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newAddCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newSearchCmd(opts),
		newSearchVectorCmd(opts),
		newRegenerateCmd(opts),
		newMissingCmd(opts),
		newFlagsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// withServices はサービスを初期化してfnを実行し、終了時に最終保存する
func withServices(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, services *bootstrap.Services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := bootstrap.NewLogger(cmd.ErrOrStderr(), opts.LogLevel, opts.LogFormat)
	services, cleanup, err := bootstrap.Initialize(ctx, opts.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()

	return fn(ctx, services)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "charcache version %s\n", version)
}
