package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"panocap/internal/config"
	"panocap/internal/pano"
	"panocap/internal/pipeline"
	"panocap/internal/projection"
	"panocap/internal/stitch"
	"panocap/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.RGBA) *pano.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return pano.Wrap(img)
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	pipe  *pipeline.Pipeline
	store *storage.Store
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "panocap.db"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(dir, "out")
	cfg.Paths.FramesDir = filepath.Join(dir, "frames")

	conv := projection.NewConverter(projection.Options{Mode: projection.ModeResize, MaxPixels: 1 << 24}, logger)
	router := pipeline.NewRouter(cfg, logger, store,
		pipeline.WithEngineFactory(func() *stitch.Engine { return stitch.NewEngine(logger, conv) }))

	ctx, cancel := context.WithCancel(context.Background())
	pipe := pipeline.New(ctx, 1, 8, logger, store, router)

	caps := []stitch.Capability{{Name: "feature", Available: true}, {Name: "fallback", Available: true}}
	srv := NewServer("", store, pipe, caps, logger)
	srv.Run(ctx)
	hs := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		hs.Close()
		cancel()
		pipe.Stop()
		store.Close()
	})
	return &fixture{srv: srv, http: hs, pipe: pipe, store: store, cfg: cfg}
}

func (f *fixture) awaitResult(t *testing.T, results <-chan pipeline.Result, id string) pipeline.Result {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case res := <-results:
			if res.Job.ID == id {
				return res
			}
		case <-timeout:
			t.Fatalf("timed out waiting for job %s", id)
		}
	}
}

func decodeID(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["id"])
	return body["id"]
}

func TestHealthAndCapabilities(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(f.http.URL + "/api/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()
	var caps []stitch.Capability
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	require.Len(t, caps, 2)
	assert.Equal(t, "feature", caps[0].Name)
}

func TestStitchDirectoryEndToEnd(t *testing.T) {
	f := newFixture(t)
	in := t.TempDir()
	require.NoError(t, pano.WritePNG(filepath.Join(in, "a_1.png"), solid(10, 8, color.RGBA{R: 255, A: 255})))
	require.NoError(t, pano.WritePNG(filepath.Join(in, "a_2.png"), solid(14, 8, color.RGBA{G: 255, A: 255})))

	results, unsub := f.pipe.Subscribe()
	defer unsub()

	resp, err := http.Post(f.http.URL+"/api/stitch", "application/json", strings.NewReader(`{"input":"`+in+`"}`))
	require.NoError(t, err)
	id := decodeID(t, resp)

	res := f.awaitResult(t, results, id)
	require.NoError(t, res.Error)
	panoID := res.Meta["panorama"].(string)

	resp, err = http.Get(f.http.URL + "/api/panoramas/" + panoID)
	require.NoError(t, err)
	var rec storage.PanoramaRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, 24, rec.Width)
	assert.Equal(t, 12, rec.Height)
	assert.Len(t, rec.Frames, 2)

	resp, err = http.Get(f.http.URL + "/api/panoramas/" + panoID + "/image")
	require.NoError(t, err)
	img, err := pano.Decode(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 24, img.Width())

	resp, err = http.Get(f.http.URL + "/api/jobs")
	require.NoError(t, err)
	var jobs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "completed", jobs[0].Status)

	resp, err = http.Get(f.http.URL + "/api/panoramas")
	require.NoError(t, err)
	var list []storage.PanoramaRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list, 1)
}

func TestStitchMultipartUpload(t *testing.T) {
	f := newFixture(t)
	results, unsub := f.pipe.Subscribe()
	defer unsub()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, c := range []color.RGBA{{R: 200, A: 255}, {B: 200, A: 255}} {
		part, err := mw.CreateFormFile("frames", "frame"+string(rune('0'+i))+".png")
		require.NoError(t, err)
		require.NoError(t, pano.EncodePNG(part, solid(6, 4, c)))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.http.URL+"/api/stitch", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	id := decodeID(t, resp)

	res := f.awaitResult(t, results, id)
	require.NoError(t, res.Error)
	assert.Equal(t, 12, res.Meta["width"])
	assert.Equal(t, 6, res.Meta["height"])
}

func TestStitchRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/stitch", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(f.http.URL+"/api/stitch", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/api/panoramas/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStitchUploadRejectsBadFrames(t *testing.T) {
	f := newFixture(t)

	png := func(c color.RGBA) []byte {
		var b bytes.Buffer
		require.NoError(t, pano.EncodePNG(&b, solid(4, 4, c)))
		return b.Bytes()
	}

	tests := []struct {
		name   string
		frames [][]byte
		msg    string
	}{
		{name: "no frames", frames: nil, msg: "InsufficientFrames"},
		{name: "single frame", frames: [][]byte{png(color.RGBA{R: 1, A: 255})}, msg: "received 1 frames"},
		{name: "undecodable frame", frames: [][]byte{png(color.RGBA{G: 1, A: 255}), []byte("not an image")}, msg: "frame 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			require.NoError(t, mw.WriteField("output", filepath.Join(t.TempDir(), "pano.png")))
			for i, data := range tt.frames {
				part, err := mw.CreateFormFile("frames", "frame"+string(rune('0'+i))+".png")
				require.NoError(t, err)
				_, err = part.Write(data)
				require.NoError(t, err)
			}
			require.NoError(t, mw.Close())

			resp, err := http.Post(f.http.URL+"/api/stitch", mw.FormDataContentType(), &buf)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body["error"], tt.msg)
		})
	}

	jobs, err := f.store.RecentJobs(10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected uploads never reach the queue")
}

func TestWebSocketStreamsProgress(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	seq := pano.NewSequence(solid(6, 4, color.RGBA{R: 1, A: 255}), solid(6, 4, color.RGBA{G: 1, A: 255}))
	require.NoError(t, f.pipe.Submit(pipeline.Job{ID: "ws-job", Type: pipeline.JobStitch, Frames: seq}))

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var sawProgress bool
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "progress" {
			require.NotNil(t, msg.Update)
			assert.Equal(t, "ws-job", msg.Update.JobID)
			sawProgress = true
		}
		if msg.Type == "result" {
			require.NotNil(t, msg.Result)
			assert.Equal(t, "ws-job", msg.Result.JobID)
			assert.Equal(t, "completed", msg.Result.Status)
			break
		}
	}
	assert.True(t, sawProgress)
}
