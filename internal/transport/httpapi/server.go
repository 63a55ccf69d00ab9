// Package httpapi exposes the server's HTTP surface: health, a
// Prometheus-format metrics endpoint, loopback-only admin inspection
// of live rooms, and the WebSocket upgrade route.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"parlor.gg/internal/registry"
	"parlor.gg/internal/room"
)

type Server struct {
	reg   *registry.Registry
	log   *log.Logger
	ws    http.Handler
	watch http.Handler
}

func NewServer(reg *registry.Registry, wsHandler, watchHandler http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{reg: reg, log: logger, ws: wsHandler, watch: watchHandler}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin/v1").Subrouter()
	admin.Use(loopbackOnly)
	admin.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	admin.HandleFunc("/rooms/{type}/{instance}", s.handleRoom).Methods(http.MethodGet)
	if s.watch != nil {
		admin.Handle("/watch", s.watch)
	}

	if s.ws != nil {
		r.Handle("/v1/ws", s.ws)
	}
	return r
}

func (s *Server) handleHealthz(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (s *Server) handleMetrics(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	rooms := s.reg.Rooms()
	metrics := make([]room.Metrics, 0, len(rooms))
	for _, r := range rooms {
		metrics = append(metrics, r.Metrics())
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP parlor_rooms Live room instances.\n")
	fmt.Fprintf(rw, "# TYPE parlor_rooms gauge\n")
	fmt.Fprintf(rw, "parlor_rooms %d\n", len(rooms))

	gauge := func(name, help string, value func(m room.Metrics) string) {
		fmt.Fprintf(rw, "# HELP parlor_room_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE parlor_room_%s gauge\n", name)
		for _, m := range metrics {
			fmt.Fprintf(rw, "parlor_room_%s{room_type=%q,instance=%q} %s\n", name, m.RoomType, m.InstanceID, value(m))
		}
	}
	counter := func(name, help string, value func(m room.Metrics) uint64) {
		fmt.Fprintf(rw, "# HELP parlor_room_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE parlor_room_%s counter\n", name)
		for _, m := range metrics {
			fmt.Fprintf(rw, "parlor_room_%s{room_type=%q,instance=%q} %d\n", name, m.RoomType, m.InstanceID, value(m))
		}
	}

	gauge("participants", "Current participants in the room.", func(m room.Metrics) string {
		return fmt.Sprintf("%d", m.Participants)
	})
	gauge("tick", "Current room tick.", func(m room.Metrics) string {
		return fmt.Sprintf("%d", m.Tick)
	})
	gauge("pending_events", "Events queued for the next flush.", func(m room.Metrics) string {
		return fmt.Sprintf("%d", m.PendingEvents)
	})
	gauge("state_instances", "Materialized state tree instances.", func(m room.Metrics) string {
		return fmt.Sprintf("%d", m.StateInstances)
	})
	counter("rounds", "Delivered sync rounds.", func(m room.Metrics) uint64 { return m.Rounds })
	counter("patches", "Patches shipped across all receivers.", func(m room.Metrics) uint64 { return m.Patches })
	counter("events_flushed", "Events delivered to receivers.", func(m room.Metrics) uint64 { return m.EventsFlushed })
	counter("events_dropped", "Events dropped by overflow or epoch mismatch.", func(m room.Metrics) uint64 { return m.EventsDropped })
	gauge("tick_ms", "Last tick handler duration in milliseconds.", func(m room.Metrics) string {
		return fmt.Sprintf("%.3f", m.TickMS)
	})
	gauge("sync_ms", "Last sync flush duration in milliseconds.", func(m room.Metrics) string {
		return fmt.Sprintf("%.3f", m.SyncMS)
	})

	fmt.Fprintf(rw, "# HELP parlor_room_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE parlor_room_queue_depth gauge\n")
	for _, m := range metrics {
		for _, q := range []struct {
			name  string
			depth int
		}{
			{"join", m.QueueDepths.Join},
			{"leave", m.QueueDepths.Leave},
			{"action", m.QueueDepths.Action},
			{"event", m.QueueDepths.Event},
		} {
			fmt.Fprintf(rw, "parlor_room_queue_depth{room_type=%q,instance=%q,queue=%q} %d\n", m.RoomType, m.InstanceID, q.name, q.depth)
		}
	}
}

func (s *Server) handleRooms(rw http.ResponseWriter, _ *http.Request) {
	rooms := s.reg.Rooms()
	out := make([]room.Metrics, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Metrics())
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(struct {
		Rooms []room.Metrics `json:"rooms"`
	}{Rooms: out})
}

func (s *Server) handleRoom(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rm, ok := s.reg.Room(vars["type"], vars["instance"])
	if !ok {
		http.Error(rw, "room not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	state, err := rm.CurrentState(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(struct {
		Metrics room.Metrics   `json:"metrics"`
		State   map[string]any `json:"state"`
	}{Metrics: rm.Metrics(), State: state})
}

// loopbackOnly rejects non-local callers; admin inspection never
// leaves the host.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
