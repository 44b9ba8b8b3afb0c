package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"panocap/internal/config"
	"panocap/internal/pano"
	"panocap/internal/pipeline"
	"panocap/internal/storage"
)

// Version is reported by the version command.
var Version = "0.3.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panocap",
		Short: "Capture a sweep of frames and stitch them into a panorama",
		Long: `panocap records a timed sequence of frames from a camera or a watched
directory and stitches them into a single panorama, falling back to a
plain side-by-side composite when feature matching fails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newCaptureCmd(root))
	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newShowCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStitchCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "stitch <frames_directory> [output_path]",
		Short: "Stitch a directory of frames into a panorama",
		Long: `Stitch every image in a directory, in natural filename order, into one
panorama. Without an output path the result is written to the configured
output directory as <panorama-id>.png.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if len(args) > 1 {
				output = args[1]
			}
			info, err := os.Stat(input)
			if err != nil {
				return fmt.Errorf("input: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("input %s is not a directory", input)
			}

			job := pipeline.Job{
				ID:        newID("stitch"),
				Type:      pipeline.JobStitch,
				InputPath: input,
				Output:    output,
			}
			root.printf("Stitching %s\n", input)
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return describeFailure(err, res)
			}
			root.printResult(res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output PNG path")
	return cmd
}

func newCaptureCmd(root *Root) *cobra.Command {
	var (
		frames    int
		duration  time.Duration
		countdown int
		source    string
		framesDir string
		stitch    bool
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a timed sequence of frames",
		Long: `Capture frames at evenly spaced instants over the configured duration,
after an optional countdown. Frames are saved as frame_NNN.png; with
--stitch they are stitched straight away.

Examples:
  panocap capture --frames 12 --duration 8s
  panocap capture --source dir --countdown 0 --stitch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"stitch": stitch}
			if frames > 0 {
				opts["frames"] = frames
			}
			if duration > 0 {
				opts["durationMs"] = int(duration / time.Millisecond)
			}
			if cmd.Flags().Changed("countdown") {
				opts["countdown"] = countdown
			}
			if source != "" {
				opts["source"] = source
			}

			job := pipeline.Job{
				ID:        newID("capture"),
				Type:      pipeline.JobCapture,
				InputPath: framesDir,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return describeFailure(err, res)
			}
			root.printf("Captured %v of %v frames into %v\n", res.Meta["captured"], res.Meta["requested"], res.Meta["frames_dir"])
			if stitch {
				root.printResult(res)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&frames, "frames", "n", 0, "number of frames (default from config)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "capture window, e.g. 12s (default from config)")
	cmd.Flags().IntVar(&countdown, "countdown", 0, "seconds to count down before capturing (default from config)")
	cmd.Flags().StringVar(&source, "source", "", "frame source: camera or dir (default from config)")
	cmd.Flags().StringVar(&framesDir, "frames-dir", "", "where to save frames (default <frames_dir>/<job-id>)")
	cmd.Flags().BoolVar(&stitch, "stitch", false, "stitch the captured frames")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job history unavailable: no database")
			}
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				root.printf("No jobs recorded\n")
				return nil
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%-32s %-8s %-10s %s", j.ID, j.JobType, j.Status, humanize.Time(j.CreatedAt))
				if j.StartedAt != nil && j.CompletedAt != nil {
					line += fmt.Sprintf("  took %s", j.CompletedAt.Sub(*j.StartedAt).Round(time.Millisecond))
				}
				if j.Error != "" {
					line += "  " + j.Error
				}
				root.printf("%s\n", line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to list")
	return cmd
}

func newShowCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <panorama_id>",
		Short: "Show a stored panorama and its frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("panorama lookup unavailable: no database")
			}
			rec, err := root.store.GetPanorama(args[0])
			if err != nil {
				return err
			}

			root.printf("Panorama %s\n", rec.ID)
			root.printf("  job:        %s\n", rec.JobID)
			root.printf("  size:       %dx%d (%s pixels)\n", rec.Width, rec.Height, humanize.Comma(int64(rec.Width)*int64(rec.Height)))
			root.printf("  stitcher:   %s\n", rec.Stitcher)
			root.printf("  projection: %s\n", rec.Projection)
			root.printf("  created:    %s\n", humanize.Time(rec.CreatedAt))
			if info, err := os.Stat(rec.Path); err == nil {
				root.printf("  file:       %s (%s)\n", rec.Path, humanize.Bytes(uint64(info.Size())))
			} else {
				root.printf("  file:       %s (missing)\n", rec.Path)
			}
			root.printf("  frames:     %d\n", rec.FrameCount)
			for _, f := range rec.Frames {
				root.printf("    %s  %dx%d  %s\n", humanize.Ordinal(f.Slot+1), f.Width, f.Height, f.Path)
			}

			if output != "" {
				n, err := copyFile(rec.Path, output)
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				root.printf("Exported %s to %s\n", humanize.Bytes(uint64(n)), output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "copy the panorama PNG to this path")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC stitching service",
		Long: `Serve the REST API with websocket progress streaming and the gRPC
Stitcher service. Pass an empty address to disable either one.

Examples:
  panocap serve --http :8080 --grpc :9090
  panocap serve --grpc ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting servers", "http", httpAddr, "grpc", grpcAddr)
			return root.serveFn(cmd.Context(), root, httpAddr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", root.cfg.Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("panocap %s (%s)\n", Version, runtime.Version())
			for _, c := range root.caps {
				state := "unavailable"
				if c.Available {
					state = "available"
				}
				root.printf("  %-9s %s\n", c.Name, state)
			}
		},
	}
}

// describeFailure adds the frame counts a failed job reported to its error.
func describeFailure(err error, res pipeline.Result) error {
	if pano.KindOf(err) == 0 {
		return err
	}
	var details []string
	for _, key := range []string{"captured", "requested", "frames"} {
		if v, ok := res.Meta[key]; ok {
			details = append(details, fmt.Sprintf("%s=%v", key, v))
		}
	}
	if len(details) == 0 {
		return err
	}
	return fmt.Errorf("%w (%s)", err, strings.Join(details, " "))
}

func (r *Root) printResult(res pipeline.Result) {
	out, _ := res.Meta["output"].(string)
	r.printf("Panorama %v: %vx%v from %v frames (%v, %v)\n",
		res.Meta["panorama"], res.Meta["width"], res.Meta["height"],
		res.Meta["frames"], res.Meta["stitcher"], res.Meta["projection"])
	if out == "" {
		return
	}
	if info, err := os.Stat(out); err == nil {
		r.printf("Wrote %s (%s)\n", out, humanize.Bytes(uint64(info.Size())))
	}
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
