package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panocap/internal/config"
	"panocap/internal/pano"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo, "text"))
	logger.With("job", "abc").Info("stitch complete", "width", 640)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[INFO] stitch complete [job=abc width=640]")
	assert.NotContains(t, out, "hidden")
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo, "json"))
	LogStageProgress(logger, "job-1", pano.ProgressEvent{Stage: pano.StageWarping, Percent: 55, Message: "warping"})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "warping", rec["stage"])
	assert.EqualValues(t, 55, rec["percent"])
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelWarn, "console"))
	logger.Info("quiet")
	logger.Warn("stitcher failed", "stitcher", "feature")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "stitcher failed")
	assert.Contains(t, out, "feature")
}

func TestConsoleHandlerQualifiesGroupedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelInfo))
	logger.With("job", "abc").WithGroup("engine").With("stitcher", "feature").
		WithGroup("").WithGroup("ransac").Info("estimated", "inliers", 42)

	out := buf.String()
	assert.Contains(t, out, "job=")
	assert.Contains(t, out, "engine.stitcher=")
	assert.Contains(t, out, "engine.ransac.inliers=")
	assert.NotContains(t, out, "engine.job=")
	assert.NotContains(t, out, "ransac.stitcher=")
}

func TestSetupWritesDatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	logger, err := Setup(cfg)
	require.NoError(t, err)
	logger.Info("hello from test")

	name := filepath.Join(cfg.Logging.LogDir, "panocap-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello from test"))
}
