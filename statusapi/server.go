// Package statusapi exposes a read-only JSON view of pool occupancy and
// liveness over HTTP, adapted from the teacher's internal/api server —
// stripped to status/health/metrics endpoints only, since tenant
// CRUD and the HTML dashboard belong to a proxy frontend this module
// does not implement.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkantaria/sqlcore/metrics"
	"github.com/jkantaria/sqlcore/pool"
)

// PoolStats reports a named pool's kind alongside its occupancy snapshot.
type PoolStats struct {
	Name  string     `json:"name"`
	Kind  string     `json:"kind"`
	Stats pool.Stats `json:"stats"`
}

// Registry is the subset of a pool manager statusapi needs: enough to
// list every pool by name and fetch its stats and kind on demand.
type Registry interface {
	Pools() map[string]*pool.Pool
}

// Server is the read-only status/metrics HTTP server (spec's external
// interfaces do not mandate this, but operators running several pools
// need somewhere to observe them — see SPEC_FULL.md's DOMAIN STACK).
type Server struct {
	registry   Registry
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer constructs a Server. metrics may be nil to disable /metrics.
func NewServer(registry Registry, m *metrics.Collector) *Server {
	return &Server{
		registry:  registry,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on bind:port in a background goroutine.
func (s *Server) Start(bind string, port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/pools", s.listPoolsHandler).Methods("GET")
	r.HandleFunc("/pools/{name}", s.getPoolHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("status api listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status api server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the status server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listPoolsHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.Pools()
	result := make([]PoolStats, 0, len(pools))
	for name, p := range pools {
		result = append(result, PoolStats{Name: name, Kind: p.Kind().String(), Stats: p.Stats()})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getPoolHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	pools := s.registry.Pools()
	p, ok := pools[name]
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, PoolStats{Name: name, Kind: p.Kind().String(), Stats: p.Stats()})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.Pools()
	allHealthy := true
	statuses := make(map[string]string, len(pools))
	for name, p := range pools {
		stats := p.Stats()
		healthy := stats.Ready+stats.Busy+stats.Reserved > 0 || stats.PoolSize == 0
		if !healthy {
			allHealthy = false
		}
		statuses[name] = boolToStatus(healthy)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"pools":  statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.Pools()
	if len(pools) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	for _, p := range pools {
		stats := p.Stats()
		if stats.Ready+stats.Busy+stats.Reserved > 0 {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(s.registry.Pools()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
