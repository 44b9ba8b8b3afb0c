package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"panocap/internal/pano"
	"panocap/internal/pipeline"
	"panocap/internal/stitch"
	"panocap/internal/storage"
)

const maxUploadBytes = 256 << 20

// Server exposes the job pipeline over HTTP and websockets.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	caps     []stitch.Capability
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// NewServer wires the routes; caps is what GET /api/capabilities reports.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, caps []stitch.Capability, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		caps:     caps,
		hub:      NewHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the router. Background forwarding is started by Run or Start.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Run starts the hub and pipeline forwarding until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)
	if s.pipeline != nil {
		go s.hub.Forward(ctx, s.pipeline)
	}
}

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.Run(ctx)
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws/progress", s.handleWebSocket).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	api.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	api.HandleFunc("/stitch", s.handleStitch).Methods("POST")
	api.HandleFunc("/capture", s.handleCapture).Methods("POST")
	api.HandleFunc("/panoramas", s.handlePanoramas).Methods("GET")
	api.HandleFunc("/panoramas/{id}", s.handlePanorama).Methods("GET")
	api.HandleFunc("/panoramas/{id}/image", s.handlePanoramaImage).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func limitParam(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.caps)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type stitchRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// handleStitch accepts either a JSON body naming a frame directory or a
// multipart upload whose "frames" parts are images in capture order.
func (s *Server) handleStitch(w http.ResponseWriter, r *http.Request) {
	job := pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobStitch}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
			return
		}
		for i, fh := range r.MultipartForm.File["frames"] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			img, err := pano.Decode(f)
			f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("frame %d (%s): %w", i, fh.Filename, err))
				return
			}
			job.Frames.Append(pano.Frame{Slot: i, Image: img, CapturedAt: time.Now()})
		}
		job.Output = r.FormValue("output")
		if n := job.Frames.Len(); n < 2 {
			writeError(w, http.StatusBadRequest, pano.Errorf(pano.KindInsufficientFrames, "upload", "received %d frames, need at least 2", n))
			return
		}
	} else {
		var req stitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if req.Input == "" {
			writeError(w, http.StatusBadRequest, errors.New("input is required"))
			return
		}
		job.InputPath, job.Output = req.Input, req.Output
	}

	s.submit(w, job)
}

type captureRequest struct {
	Source     string `json:"source"`
	Frames     int    `json:"frames"`
	DurationMS int    `json:"duration_ms"`
	Countdown  *int   `json:"countdown"`
	Stitch     bool   `json:"stitch"`
	FramesDir  string `json:"frames_dir"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	opts := map[string]any{"stitch": req.Stitch}
	if req.Source != "" {
		opts["source"] = req.Source
	}
	if req.Frames > 0 {
		opts["frames"] = req.Frames
	}
	if req.DurationMS > 0 {
		opts["durationMs"] = req.DurationMS
	}
	if req.Countdown != nil {
		opts["countdown"] = *req.Countdown
	}
	s.submit(w, pipeline.Job{ID: uuid.NewString(), Type: pipeline.JobCapture, InputPath: req.FramesDir, Options: opts})
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	s.log.Info("job accepted", "id", job.ID, "type", string(job.Type))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handlePanoramas(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListPanoramas(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.PanoramaRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*storage.PanoramaRecord, bool) {
	rec, err := s.store.GetPanorama(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) handlePanorama(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handlePanoramaImage(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.lookup(w, r); ok {
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, rec.Path)
	}
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(summarize(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !s.hub.add(conn) {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
