package cmd

import (
	"fmt"
	"io"

	"github.com/MeKo-Tech/imgclass/internal/config"
	"github.com/MeKo-Tech/imgclass/internal/models"
	"github.com/MeKo-Tech/imgclass/internal/onnx"
	"github.com/spf13/cobra"
)

// checkCmd verifies the runtime and model setup.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check ONNX Runtime setup and model loading",
	Long: `Check that the ONNX Runtime shared library can be found and initialized,
that the configured model loads and accepts the configured input geometry,
and that the class table can be read.

Examples:
  imgclass check
  imgclass check --list
  imgclass check --model mobilenetv2.onnx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		out := cmd.OutOrStdout()

		if list, _ := cmd.Flags().GetBool("list"); list {
			return listModels(out, models.GetModelsDir(cfg.ModelsDir))
		}

		return runChecks(out, cfg)
	},
}

func runChecks(out io.Writer, cfg *config.Config) error {
	_, _ = fmt.Fprintln(out, "Checking ONNX Runtime setup...")

	lib, err := onnx.ResolveLibraryPath(cfg.Model.LibraryPath, cfg.Model.GPU.Enabled)
	if err != nil {
		_, _ = fmt.Fprintf(out, "  runtime library: FAILED (%v)\n", err)
		_, _ = fmt.Fprintln(out, "  Set model.library_path or IMGCLASS_MODEL_LIBRARY_PATH.")
		return err
	}
	_, _ = fmt.Fprintf(out, "  runtime library: %s\n", lib)

	modelPath := cfg.ModelPath()
	if err := models.ValidateModelExists(modelPath); err != nil {
		_, _ = fmt.Fprintf(out, "  model: FAILED (%v)\n", err)
		return err
	}

	classifier, err := buildClassifier(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(out, "  model: FAILED (%v)\n", err)
		return err
	}
	defer func() { _ = classifier.Engine().Close() }()

	info := classifier.Engine().Info()
	_, _ = fmt.Fprintf(out, "  model: %s\n", info.Path)
	_, _ = fmt.Fprintf(out, "    input  %s %v\n", info.Input.Name, info.Input.Shape)
	_, _ = fmt.Fprintf(out, "    output %s %v\n", info.Output.Name, info.Output.Shape)

	if table := classifier.Table(); table != nil {
		_, _ = fmt.Fprintf(out, "  class table: %s (%d classes)\n", table.Source(), table.Len())
	} else {
		_, _ = fmt.Fprintln(out, "  class table: none (names will be Unknown(<index>))")
	}

	_, _ = fmt.Fprintln(out, "All checks passed.")
	return nil
}

func listModels(out io.Writer, dir string) error {
	files, err := models.ListAvailableModels(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		_, _ = fmt.Fprintf(out, "No models found in %s\n", dir)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Models in %s:\n", dir)
	for _, f := range files {
		_, _ = fmt.Fprintf(out, "  %-40s %10d bytes  %s\n", f.Name, f.Size, f.Path)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Bool("list", false, "list .onnx models in the models directory and exit")
}
