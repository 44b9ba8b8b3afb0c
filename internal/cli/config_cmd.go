package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"panocap/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Show the effective configuration or where it is loaded from",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "json":
				enc := json.NewEncoder(root.out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			case "yaml":
				enc := yaml.NewEncoder(root.out)
				enc.SetIndent(2)
				if err := enc.Encode(root.cfg); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q (json|yaml)", format)
			}
		},
	}
	showCmd.Flags().StringVar(&format, "format", "json", "output format (json|yaml)")

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("%s\n", config.Path())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for unusable values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate(root.cfg); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	cmd.AddCommand(showCmd, pathCmd, validateCmd)
	return cmd
}

func validate(cfg *config.Config) error {
	switch {
	case cfg.Capture.FrameCount < 1:
		return fmt.Errorf("capture.frame_count must be at least 1, got %d", cfg.Capture.FrameCount)
	case cfg.Capture.DurationMS <= 0:
		return fmt.Errorf("capture.duration_ms must be positive, got %d", cfg.Capture.DurationMS)
	case cfg.Capture.CountdownSec < 0:
		return fmt.Errorf("capture.countdown_seconds must not be negative, got %d", cfg.Capture.CountdownSec)
	case cfg.Capture.Source != "camera" && cfg.Capture.Source != "dir":
		return fmt.Errorf("capture.source must be camera or dir, got %q", cfg.Capture.Source)
	case cfg.Stitch.WorkMegapixels <= 0:
		return fmt.Errorf("stitch.work_megapixels must be positive")
	case cfg.Processing.ParallelJobs < 1:
		return fmt.Errorf("processing.parallel_jobs must be at least 1")
	}
	return nil
}
