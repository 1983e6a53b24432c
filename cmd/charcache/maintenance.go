package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brbranch/charcache/internal/bootstrap"
	"github.com/brbranch/charcache/internal/model"
)

func newRegenerateCmd(global *globalOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Compute embeddings for every characteristics string that lacks one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				errOut := cmd.ErrOrStderr()
				progress := func(current, total int) {
					if !quiet {
						fmt.Fprintf(errOut, "\r%d/%d", current, total)
					}
				}
				report, err := services.CharacterizationService.RegenerateAll(ctx, progress)
				if !quiet && report.Processed > 0 {
					fmt.Fprintln(errOut)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d of %d, failed %d, updated %d records\n",
					report.Processed, report.Candidates, report.Failed, report.Propagated)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	return cmd
}

func newMissingCmd(global *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "missing",
		Short: "Report characteristics strings without a computed embedding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				report := services.CharacterizationService.CheckMissing(ctx)
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"total":         report.Total,
						"missing":       report.Missing,
						"sampleMissing": report.SampleMissing,
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d of %d characteristics missing embeddings\n", report.Missing, report.Total)
				for _, s := range report.SampleMissing {
					fmt.Fprintf(out, "  %s\n", truncateText(s, 60))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

// flagsOptions は flags コマンドのフラグ
type flagsOptions struct {
	Characterization string
	LocalEmbeddings  string
}

// apply は "on"/"off" 指定を現在のフラグに適用する。空は変更なし
func (o *flagsOptions) apply(current model.FeatureFlags) (model.FeatureFlags, bool, error) {
	changed := false
	for _, f := range []struct {
		value  string
		target *bool
		name   string
	}{
		{o.Characterization, &current.CharacterizationEnabled, "characterization"},
		{o.LocalEmbeddings, &current.LocalEmbeddingsEnabled, "local-embeddings"},
	} {
		switch f.value {
		case "":
		case "on", "true":
			*f.target = true
			changed = true
		case "off", "false":
			*f.target = false
			changed = true
		default:
			return current, false, fmt.Errorf("invalid value for --%s: %s (must be on or off)", f.name, f.value)
		}
	}
	return current, changed, nil
}

func newFlagsCmd(global *globalOptions) *cobra.Command {
	opts := &flagsOptions{}

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Show or change the feature flags",
		Example: `  charcache flags
  charcache flags --local-embeddings off`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				svc := services.CharacterizationService
				flags, changed, err := opts.apply(svc.GetFeatureFlags(ctx))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if changed {
					resp, err := svc.SetFeatureFlags(ctx, flags)
					if err != nil {
						return err
					}
					if resp.Cleared > 0 {
						fmt.Fprintf(out, "cleared %d embeddings\n", resp.Cleared)
					}
				}
				fmt.Fprintf(out, "characterization: %s\nlocal embeddings: %s\n",
					onOff(flags.CharacterizationEnabled), onOff(flags.LocalEmbeddingsEnabled))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Characterization, "characterization", "", "on or off")
	cmd.Flags().StringVar(&opts.LocalEmbeddings, "local-embeddings", "", "on or off")
	return cmd
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
