// Package api translates the wire protocol into service calls: the legacy
// single-endpoint dispatch plus JSON side surfaces for health and history.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/VerifyServer/internal/history"
	"github.com/tkratochvila/VerifyServer/internal/logging"
	"github.com/tkratochvila/VerifyServer/internal/metrics"
	"github.com/tkratochvila/VerifyServer/internal/service"
	"github.com/tkratochvila/VerifyServer/internal/websocket"
)

// Router handles HTTP routing.
type Router struct {
	mux     *http.ServeMux
	svc     *service.Service
	hub     *websocket.Hub
	metrics *metrics.Metrics
	started time.Time
}

// NewRouter creates a router over the service. hub and m may be nil.
func NewRouter(svc *service.Service, hub *websocket.Hub, m *metrics.Metrics) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		svc:     svc,
		hub:     hub,
		metrics: m,
		started: time.Now(),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	// The legacy protocol multiplexes everything over POST / with a type
	// header.
	r.mux.HandleFunc("/", r.handleDispatch)

	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/history", r.handleHistory)
	if r.hub != nil {
		r.mux.HandleFunc("/ws", r.hub.HandleWebSocket)
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	r.mux.ServeHTTP(w, req.WithContext(ctx))
	log.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.started).Seconds(),
		"address":   r.svc.Address(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	events, err := r.svc.RecentEvents(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read history")
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []history.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"events": events})
}
