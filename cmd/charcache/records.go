package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/brbranch/charcache/internal/bootstrap"
	"github.com/brbranch/charcache/internal/model"
)

// addOptions は add コマンドのフラグ
type addOptions struct {
	ID          string
	Title       string
	Artist      string
	ContentHash string
	NeedsReview bool
	JSON        bool
}

// record はCLIの入力から保存するレコードを組み立てる
// IDを省略した場合はUUIDを採番する
func (o *addOptions) record(characteristics string, now time.Time) *model.CharacterizationRecord {
	id := o.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &model.CharacterizationRecord{
		ID:              id,
		Title:           o.Title,
		Artist:          o.Artist,
		ContentHash:     o.ContentHash,
		Characteristics: characteristics,
		LastVerified:    now.UTC(),
		NeedsReview:     o.NeedsReview,
	}
}

func newAddCmd(global *globalOptions) *cobra.Command {
	opts := &addOptions{}

	cmd := &cobra.Command{
		Use:   "add <characteristics>",
		Short: "Add or replace a characterization record",
		Example: `  charcache add --id track-42 --title "So What" --artist "Miles Davis" "jazz, modal, cool"
  charcache add "ambient, calm, piano"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				rec, err := services.CharacterizationService.Upsert(ctx, opts.record(args[0], time.Now()))
				if err != nil {
					return err
				}
				if opts.JSON {
					return writeJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rec.ID, embeddingState(rec))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "Record ID (generated when omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Display title")
	cmd.Flags().StringVar(&opts.Artist, "artist", "", "Display artist")
	cmd.Flags().StringVar(&opts.ContentHash, "content-hash", "", "Hash of artist+title for backup matching")
	cmd.Flags().BoolVar(&opts.NeedsReview, "needs-review", false, "Flag the record for manual review")
	cmd.Flags().BoolVarP(&opts.JSON, "json", "j", false, "Output as JSON")
	return cmd
}

func newGetCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a single record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				rec, err := services.CharacterizationService.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	return cmd
}

func newListCmd(global *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all records ordered by ID",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				records := services.CharacterizationService.All(ctx)
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), records)
				}
				formatRecordList(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

// formatRecordList はレコードを1行ずつ出力する
func formatRecordList(w io.Writer, records []*model.CharacterizationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, embeddingState(rec), truncateText(rec.Characteristics, 60))
	}
}

// embeddingState は埋め込みの状態を表示用の文字列にする
func embeddingState(rec *model.CharacterizationRecord) string {
	switch {
	case rec.HasEmbedding():
		return fmt.Sprintf("embedded(%d)", len(rec.Embeddings))
	case rec.EmbeddingFailed():
		return "failed"
	default:
		return "pending"
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
