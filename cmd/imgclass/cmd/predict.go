package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/imgclass/internal/batch"
	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/spf13/cobra"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// predictResult is the per-image output of the predict command.
type predictResult struct {
	File        string                       `json:"file"`
	Classes     []string                     `json:"classes,omitempty"`
	Predictions []classify.LabeledPrediction `json:"predictions,omitempty"`
	TotalMs     float64                      `json:"total_ms,omitempty"`
	Error       string                       `json:"error,omitempty"`
}

// predictCmd classifies local image files.
var predictCmd = &cobra.Command{
	Use:   "predict <image|dir> [image|dir...]",
	Short: "Classify image files",
	Long: `Classify local image files and print the top-N classes for each.
Directories are expanded to the image files they contain.

Supported formats: PNG, JPEG, GIF, BMP, TIFF, WebP.

Examples:
  imgclass predict cat.jpg
  imgclass predict *.png --top 3 --format json
  imgclass predict photos/ --recursive --exclude "*_thumb.*" --workers 4`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		format, _ := cmd.Flags().GetString("format")
		if format != formatText && format != formatJSON {
			return fmt.Errorf("unsupported format %q (use %s or %s)", format, formatText, formatJSON)
		}
		top, _ := cmd.Flags().GetInt("top")
		if top < 0 {
			return fmt.Errorf("invalid --top %d", top)
		}
		if cmd.Flags().Changed("softmax") {
			cfg.Classify.Softmax, _ = cmd.Flags().GetBool("softmax")
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		recursive, _ := cmd.Flags().GetBool("recursive")
		include, _ := cmd.Flags().GetStringSlice("include")
		exclude, _ := cmd.Flags().GetStringSlice("exclude")
		paths, err := batch.Discover(args, batch.DiscoverOptions{
			Recursive: recursive,
			Include:   include,
			Exclude:   exclude,
		})
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return errors.New("no image files found")
		}
		slog.Debug("Classifying images", "count", len(paths))

		classifier, err := buildClassifier(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize classifier: %w", err)
		}
		defer func() { _ = classifier.Engine().Close() }()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		workers, _ := cmd.Flags().GetInt("workers")
		if workers <= 0 {
			workers = cfg.Model.PoolSize
		}
		results := batch.Run(ctx, paths, workers, func(ctx context.Context, path string) predictResult {
			return classifyFile(ctx, classifier, path, top)
		})

		if err := writePredictResults(cmd.OutOrStdout(), format, results); err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(paths))
		}
		return nil
	},
}

func classifyFile(ctx context.Context, c *classify.Classifier, path string, top int) predictResult {
	out := predictResult{File: path}

	data, err := os.ReadFile(path) //nolint:gosec // user-supplied input path
	if err != nil {
		out.Error = err.Error()
		return out
	}

	res, err := c.Classify(ctx, data, top)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	out.Classes = res.Classes
	out.Predictions = res.Predictions
	out.TotalMs = float64(res.Timing.Total().Microseconds()) / 1000
	return out
}

// writePredictResults renders results in the requested format.
func writePredictResults(w io.Writer, format string, results []predictResult) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, r := range results {
		if r.Error != "" {
			if _, err := fmt.Fprintf(w, "%s: error: %s\n", r.File, r.Error); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s:\n", r.File); err != nil {
			return err
		}
		for i, p := range r.Predictions {
			if _, err := fmt.Fprintf(w, "  %d. %-30s %.4f  (class %d)\n", i+1, p.Label, p.Score, p.Index); err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(predictCmd)
	predictCmd.Flags().IntP("top", "n", 0, "number of classes to report (0 uses classify.top_n)")
	predictCmd.Flags().StringP("format", "f", formatText, "output format: text or json")
	predictCmd.Flags().Bool("softmax", false, "convert scores to probabilities")
	predictCmd.Flags().BoolP("recursive", "r", false, "descend into subdirectories")
	predictCmd.Flags().StringSlice("include", nil, "glob patterns for files to pick up from directories")
	predictCmd.Flags().StringSlice("exclude", nil, "glob patterns for files to skip")
	predictCmd.Flags().IntP("workers", "w", 0, "parallel classifications (0 uses model.pool_size)")
}
