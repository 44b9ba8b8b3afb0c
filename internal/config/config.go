package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/panocap/config.json"
	defaultParallel   = 1
)

// Config holds user-editable settings for capture and stitching.
type Config struct {
	Capture    Capture    `json:"capture" yaml:"capture"`
	Stitch     Stitch     `json:"stitch" yaml:"stitch"`
	Projection Projection `json:"projection" yaml:"projection"`
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Server     Server     `json:"server" yaml:"server"`
}

// Capture holds the session defaults.
type Capture struct {
	DurationMS   int    `json:"duration_ms" yaml:"duration_ms"`
	FrameCount   int    `json:"frame_count" yaml:"frame_count"`
	CountdownSec int    `json:"countdown_seconds" yaml:"countdown_seconds"`
	Source       string `json:"source" yaml:"source"` // camera, dir
	Device       int    `json:"device" yaml:"device"`
	Width        int    `json:"width" yaml:"width"`
	Height       int    `json:"height" yaml:"height"`
	WatchDir     string `json:"watch_dir" yaml:"watch_dir"`
}

// Stitch tunes registration and blending.
type Stitch struct {
	UseOpenCV        bool    `json:"use_opencv" yaml:"use_opencv"`
	WorkMegapixels   float64 `json:"work_megapixels" yaml:"work_megapixels"`
	WarpMode         string  `json:"warp_mode" yaml:"warp_mode"` // cylindrical, planar
	FOVDegrees       float64 `json:"fov_degrees" yaml:"fov_degrees"`
	MaxFeatures      int     `json:"max_features" yaml:"max_features"`
	PyramidLevels    int     `json:"pyramid_levels" yaml:"pyramid_levels"`
	ScaleFactor      float64 `json:"scale_factor" yaml:"scale_factor"`
	MatchRatio       float64 `json:"match_ratio" yaml:"match_ratio"`
	RANSACIterations int     `json:"ransac_iterations" yaml:"ransac_iterations"`
	RANSACThreshold  float64 `json:"ransac_threshold" yaml:"ransac_threshold"`
	MinInliers       int     `json:"min_inliers" yaml:"min_inliers"`
	Seed             int64   `json:"seed" yaml:"seed"`
	Blending         string  `json:"blending" yaml:"blending"` // multiband, feather
	Bands            int     `json:"bands" yaml:"bands"`
	MaxCanvasPixels  int64   `json:"max_canvas_pixels" yaml:"max_canvas_pixels"`
	Workers          int     `json:"workers" yaml:"workers"`
}

// Projection controls the equirectangular conversion.
type Projection struct {
	Mode        string  `json:"mode" yaml:"mode"` // auto, resize, remap
	MaxPixels   int64   `json:"max_pixels" yaml:"max_pixels"`
	MemoryShare float64 `json:"memory_share" yaml:"memory_share"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int `json:"queue_size" yaml:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json, console
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	FramesDir    string `json:"frames_dir" yaml:"frames_dir"`
	OutputDir    string `json:"output_dir" yaml:"output_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Path returns the config file location: $PANOCAP_CONFIG or the default.
func Path() string {
	if p := os.Getenv("PANOCAP_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads one config file. JSON is the default; .yaml and .yml files
// are decoded as YAML. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	for _, p := range []*string{&cfg.Paths.FramesDir, &cfg.Paths.OutputDir, &cfg.Paths.DatabasePath, &cfg.Logging.LogDir, &cfg.Capture.WatchDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Capture: Capture{
			DurationMS:   12000,
			FrameCount:   18,
			CountdownSec: 3,
			Source:       "camera",
		},
		Stitch: Stitch{
			UseOpenCV:        true,
			WorkMegapixels:   0.3,
			WarpMode:         "cylindrical",
			FOVDegrees:       65,
			MaxFeatures:      800,
			PyramidLevels:    3,
			ScaleFactor:      1.3,
			MatchRatio:       0.8,
			RANSACIterations: 2000,
			RANSACThreshold:  3,
			MinInliers:       12,
			Seed:             42,
			Blending:         "multiband",
			Bands:            5,
			MaxCanvasPixels:  60_000_000,
		},
		Projection: Projection{
			Mode:        "auto",
			MemoryShare: 0.25,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    8,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			FramesDir:    "./frames",
			OutputDir:    "./output",
			DatabasePath: filepath.Join(os.TempDir(), "panocap.db"),
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
