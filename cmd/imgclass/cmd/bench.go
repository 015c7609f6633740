package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/imgclass/internal/benchmark"
	"github.com/MeKo-Tech/imgclass/internal/classify"
	"github.com/MeKo-Tech/imgclass/internal/mempool"
	"github.com/spf13/cobra"
)

// benchCmd measures classification latency on local images.
var benchCmd = &cobra.Command{
	Use:   "bench <image> [image...]",
	Short: "Benchmark classification latency",
	Long: `Run the configured model repeatedly on each image and report the average
wall time together with the preprocessing, inference and selection stages.

Examples:
  imgclass bench cat.jpg
  imgclass bench cat.jpg dog.png --iterations 50 --warmup 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		iterations, _ := cmd.Flags().GetInt("iterations")
		warmup, _ := cmd.Flags().GetInt("warmup")
		if iterations < 1 {
			return fmt.Errorf("invalid --iterations %d", iterations)
		}
		if warmup < 0 {
			return fmt.Errorf("invalid --warmup %d", warmup)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		classifier, err := buildClassifier(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize classifier: %w", err)
		}
		defer func() { _ = classifier.Engine().Close() }()

		suite, err := newBenchSuite(classifier, args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		results := suite.RunAll(ctx, warmup, iterations)

		out := cmd.OutOrStdout()
		if err := benchmark.WriteTable(out, results); err != nil {
			return err
		}
		pool := mempool.ReadStats()
		_, _ = fmt.Fprintf(out, "\ntensor buffers: %d gets, %d puts, %d allocations\n", pool.Gets, pool.Puts, pool.Misses)

		for _, r := range results {
			if r.Error != nil {
				return errors.New("one or more benchmarks failed")
			}
		}
		return nil
	},
}

// newBenchSuite reads every image up front so file I/O stays out of the timings.
func newBenchSuite(c *classify.Classifier, paths []string) (*benchmark.Suite, error) {
	suite := benchmark.NewSuite()
	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // user-supplied input path
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		suite.Add(filepath.Base(path), func(ctx context.Context) (classify.Timing, error) {
			res, err := c.Classify(ctx, data, 0)
			if err != nil {
				return classify.Timing{}, err
			}
			return res.Timing, nil
		})
	}
	return suite, nil
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().IntP("iterations", "i", 10, "timed iterations per image")
	benchCmd.Flags().Int("warmup", 1, "untimed iterations per image before measuring")
}
