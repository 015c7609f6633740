package cmd

import (
	"fmt"
	"io"

	"github.com/MeKo-Tech/imgclass/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd prints the resolved configuration or writes a default file.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Print the configuration after merging defaults, config file,
environment variables (IMGCLASS_*) and flags.

Examples:
  imgclass config
  imgclass config --write imgclass.yaml
  imgclass config --info`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if path, _ := cmd.Flags().GetString("write"); path != "" {
			if err := config.GenerateDefaultConfigFile(path); err != nil {
				return fmt.Errorf("write default config: %w", err)
			}
			_, _ = fmt.Fprintf(out, "Default configuration written to %s\n", path)
			return nil
		}

		if info, _ := cmd.Flags().GetBool("info"); info {
			GetConfigLoader().PrintConfigInfo(out)
			return nil
		}

		return printConfig(out, GetConfig())
	},
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().String("write", "", "write a default configuration file to this path and exit")
	configCmd.Flags().Bool("info", false, "show config file and search paths")
}
