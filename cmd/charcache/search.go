package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brbranch/charcache/internal/bootstrap"
	"github.com/brbranch/charcache/internal/search"
)

// SearchOptions holds parsed search command options
type SearchOptions struct {
	Limit    int
	Format   string
	UseStdin bool
	Query    string
}

// JSONOutput represents the JSON output format
type JSONOutput struct {
	Results []JSONResult `json:"results"`
}

// JSONResult represents a single result in JSON output
type JSONResult struct {
	ID              string  `json:"id"`
	Title           string  `json:"title,omitempty"`
	Artist          string  `json:"artist,omitempty"`
	Characteristics string  `json:"characteristics"`
	Similarity      float64 `json:"similarity"`
}

func (o *SearchOptions) validate() error {
	if o.Limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	if o.Format != "text" && o.Format != "json" {
		return fmt.Errorf("invalid format: %s (must be text or json)", o.Format)
	}
	return nil
}

func newSearchCmd(global *globalOptions) *cobra.Command {
	opts := &SearchOptions{}

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find records whose characteristics resemble the query",
		Example: `  charcache search "calm piano"
  charcache search -k 3 -f json "energetic rock"
  echo "calm piano" | charcache search --stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Query = strings.Join(args, " ")
			if opts.UseStdin {
				query, err := readQuery(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read query from stdin: %w", err)
				}
				opts.Query = query
			}
			if opts.Query == "" {
				return fmt.Errorf("query is required (or use --stdin)")
			}
			if err := opts.validate(); err != nil {
				return err
			}

			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				matches, err := services.CharacterizationService.FindSimilar(ctx, opts.Query, opts.Limit)
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				return writeMatches(cmd.OutOrStdout(), opts.Format, matches)
			})
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "k", search.DefaultLimit, "Number of results")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&opts.UseStdin, "stdin", false, "Read query from stdin")
	return cmd
}

func newSearchVectorCmd(global *globalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "search-vector <v1,v2,...>",
		Short: "Find records close to a raw embedding vector (genre re-weighted)",
		Example: `  charcache search-vector 0.12,0.88,0.45
  charcache search-vector -f json "[0.12, 0.88, 0.45]"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseVector(args[0])
			if err != nil {
				return err
			}
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format: %s (must be text or json)", format)
			}

			return withServices(cmd, global, func(ctx context.Context, services *bootstrap.Services) error {
				matches, err := services.CharacterizationService.FindSimilarFromVector(ctx, vec)
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				return writeMatches(cmd.OutOrStdout(), format, matches)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

// parseVector はカンマ区切りまたはJSON配列のベクトルを解釈する
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil {
			return nil, fmt.Errorf("invalid vector: %w", err)
		}
		return vec, nil
	}

	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("vector is empty")
	}
	return vec, nil
}

// readQuery reads a single line query
func readQuery(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}

func writeMatches(w io.Writer, format string, matches []search.Match) error {
	if format == "json" {
		return formatJSONOutput(w, matches)
	}
	formatTextOutput(w, matches)
	return nil
}

// formatTextOutput outputs results in human-readable text format
func formatTextOutput(w io.Writer, matches []search.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	for i, m := range matches {
		title := "(no title)"
		if m.Record.Title != "" {
			title = m.Record.Title
		}
		if m.Record.Artist != "" {
			title += " / " + m.Record.Artist
		}

		fmt.Fprintf(w, "[%d] %s (similarity: %.3f)\n", i+1, title, m.Similarity)
		fmt.Fprintf(w, "    id: %s\n", m.Record.ID)
		fmt.Fprintf(w, "    %s\n", truncateText(m.Record.Characteristics, 60))
		fmt.Fprintln(w)
	}
}

// formatJSONOutput outputs results in JSON format
func formatJSONOutput(w io.Writer, matches []search.Match) error {
	output := JSONOutput{
		Results: make([]JSONResult, 0, len(matches)),
	}
	for _, m := range matches {
		output.Results = append(output.Results, JSONResult{
			ID:              m.Record.ID,
			Title:           m.Record.Title,
			Artist:          m.Record.Artist,
			Characteristics: m.Record.Characteristics,
			Similarity:      m.Similarity,
		})
	}
	return writeJSON(w, output)
}

// truncateText truncates text to maxLen runes and adds "..." if truncated
func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + " ..."
}
