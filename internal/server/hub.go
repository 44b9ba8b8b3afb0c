package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"panocap/internal/pipeline"
)

const writeWait = 5 * time.Second

// Message is the envelope pushed to websocket clients.
type Message struct {
	Type   string           `json:"type"` // progress, result
	Update *pipeline.Update `json:"update,omitempty"`
	Result *ResultSummary   `json:"result,omitempty"`
}

// ResultSummary is the wire form of a finished job.
type ResultSummary struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"job_type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func summarize(res pipeline.Result) *ResultSummary {
	s := &ResultSummary{
		JobID:  res.Job.ID,
		Type:   string(res.Job.Type),
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		s.Status = "failed"
		s.Error = res.Error.Error()
	}
	return s
}

// Hub fans progress messages out to every connected websocket client.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	count      atomic.Int32
	log        *slog.Logger
}

// NewHub creates an idle hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger,
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Publish queues msg for every client. It never blocks the caller.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("failed to encode hub message", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("hub broadcast queue full, dropping message", "type", msg.Type)
	}
}

// add registers conn; it reports false once the hub has stopped.
func (h *Hub) add(conn *websocket.Conn) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.count.Store(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
					h.count.Store(int32(len(h.clients)))
				}
			}
		}
	}
}

// Forward relays pipeline progress and results into the hub until ctx is done.
func (h *Hub) Forward(ctx context.Context, pipe *pipeline.Pipeline) {
	progress, unsubProgress := pipe.SubscribeProgress()
	defer unsubProgress()
	results, unsubResults := pipe.Subscribe()
	defer unsubResults()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-progress:
			if !ok {
				return
			}
			h.Publish(Message{Type: "progress", Update: &u})
		case res, ok := <-results:
			if !ok {
				return
			}
			// progress for a job is published before its result
			if !h.drain(progress) {
				return
			}
			h.Publish(Message{Type: "result", Result: summarize(res)})
		}
	}
}

func (h *Hub) drain(progress <-chan pipeline.Update) bool {
	for {
		select {
		case u, ok := <-progress:
			if !ok {
				return false
			}
			h.Publish(Message{Type: "progress", Update: &u})
		default:
			return true
		}
	}
}
