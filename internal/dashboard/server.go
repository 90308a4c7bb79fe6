// Package dashboard serves a live view of the fleet. It polls the fleet API
// and pushes snapshots to browsers over websockets.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Source is the subset of the fleet API the dashboard reads.
type Source interface {
	Health(ctx context.Context) error
	Clusters(ctx context.Context) ([]fleet.ClusterStatus, error)
	Analytics(ctx context.Context) (service.Analytics, error)
	Emergencies(ctx context.Context) ([]domain.EmergencyEvent, error)
	ResolveEmergency(ctx context.Context, id int64) (domain.EmergencyEvent, error)
}

type Snapshot struct {
	Timestamp   int64                   `json:"timestamp"`
	APIStatus   string                  `json:"api_status"`
	Clusters    []fleet.ClusterStatus   `json:"clusters"`
	Analytics   *service.Analytics      `json:"analytics,omitempty"`
	Emergencies []domain.EmergencyEvent `json:"emergencies"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	mux     *http.ServeMux
	src     Source
	hub     *Hub
	refresh time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func New(src Source, refresh time.Duration, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "dashboard").Logger()
	s := &Server{
		mux:     http.NewServeMux(),
		src:     src,
		hub:     NewHub(logger),
		refresh: refresh,
		log:     logger,
		now:     time.Now,
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/emergencies/{id}/resolve", s.handleResolve)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run pushes a fresh snapshot every refresh interval until ctx ends, then
// disconnects all clients.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.refresh)
	defer t.Stop()
	defer s.hub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.publish(ctx)
		}
	}
}

func (s *Server) publish(ctx context.Context) {
	if s.hub.Len() == 0 {
		return
	}
	s.hub.Broadcast(Message{Type: "update", Data: s.snapshot(ctx)})
}

// snapshot never fails; sections the API could not serve are left empty.
func (s *Server) snapshot(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snap := Snapshot{
		Timestamp:   s.now().Unix(),
		APIStatus:   s.status(ctx),
		Clusters:    []fleet.ClusterStatus{},
		Emergencies: []domain.EmergencyEvent{},
	}
	if snap.APIStatus != "online" {
		return snap
	}
	if clusters, err := s.src.Clusters(ctx); err == nil {
		snap.Clusters = clusters
	} else {
		s.log.Warn().Err(err).Msg("fetch clusters")
	}
	if a, err := s.src.Analytics(ctx); err == nil {
		snap.Analytics = &a
	} else {
		s.log.Warn().Err(err).Msg("fetch analytics")
	}
	if events, err := s.src.Emergencies(ctx); err == nil {
		snap.Emergencies = events
	} else {
		s.log.Warn().Err(err).Msg("fetch emergencies")
	}
	return snap
}

func (s *Server) status(ctx context.Context) string {
	if err := s.src.Health(ctx); err != nil {
		return "offline"
	}
	return "online"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": s.status(ctx)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot(r.Context()))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	first := Message{Type: "init", Data: s.snapshot(r.Context())}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	s.hub.Serve(conn, first)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event id"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	event, err := s.src.ResolveEmergency(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Int64("event_id", id).Msg("resolve emergency")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.hub.Broadcast(Message{Type: "resolved", Data: event})
	writeJSON(w, http.StatusOK, event)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
