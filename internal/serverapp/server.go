// Package serverapp wires the tunnel registry, subdomain allocator, request
// forwarder, and control/public ingress handlers into the relayd HTTP
// server.
package serverapp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/registry"
	"github.com/duskrelay/duskrelay/internal/subdomain"
	"github.com/duskrelay/duskrelay/internal/telemetry"
)

// Server is the composition root for relayd's HTTP surface: the control
// endpoint (C5), the request forwarder (C6), and the public HTTP/WS ingress
// (C7 server side).
type Server struct {
	cfg       *config.ServerConfig
	registry  *registry.Registry
	allocator *subdomain.Allocator
	forwarder *Forwarder
	admission *admissionLimiter
	tel       telemetry.Sink
	startedAt time.Time
}

// NewServer builds a Server from cfg. tel may be nil, in which case metrics
// are discarded.
func NewServer(cfg *config.ServerConfig, tel telemetry.Sink) *Server {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	reg := registry.New()
	return &Server{
		cfg:       cfg,
		registry:  reg,
		allocator: subdomain.New(reg, cfg.AllocatorRetries),
		forwarder: NewForwarder(reg, tel),
		admission: newAdmissionLimiter(cfg.AdmissionBurst, cfg.AdmissionRefill),
		tel:       tel,
		startedAt: time.Now(),
	}
}

// Router builds the mux.Router serving both the control endpoint and the
// public ingress. The caller is expected to run this under its own
// http.Server so it controls listen address and shutdown timing.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/ws", s.handleControl).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handlePublic)

	return r
}

// RunAdmissionSweeper periodically evicts idle rate limiters; callers run
// this in its own goroutine and cancel via done.
func (s *Server) RunAdmissionSweeper(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.admission.sweep()
		case <-done:
			return
		}
	}
}

// Shutdown tears down every live tunnel with a going-away indication.
func (s *Server) Shutdown() {
	s.registry.Shutdown()
}

type healthResponse struct {
	Healthy       bool    `json:"healthy"`
	TunnelCount   int     `json:"tunnelCount"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Healthy:       true,
		TunnelCount:   s.registry.Size(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("health: encoding response failed", "error", err)
	}
}

// handleMetrics exposes the telemetry registry's counters and timers, part
// of the health endpoint family named in SPEC_FULL.md §4.13. When tel is a
// Noop sink (metrics disabled) it reports an empty snapshot rather than
// erroring.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.tel.(*telemetry.Registry)
	var snap telemetry.Snapshot
	if ok {
		snap = reg.Snapshot()
	} else {
		snap = telemetry.Snapshot{Counters: map[string]int64{}, Timers: map[string]telemetry.TimerSummary{}}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		slog.Error("metrics: encoding response failed", "error", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
