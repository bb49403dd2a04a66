// Package admin exposes a small HTTP surface for operational visibility
// into a running rpmemd daemon: a liveness probe, a point-in-time
// status snapshot, and (optionally) the Prometheus metrics endpoint.
// It never touches the OOB/data-plane protocol; it exists purely for
// operators and monitoring.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pmem/rpmemd/internal/rpmetrics"
)

// Snapshot is an immutable point-in-time view of the daemon's session
// state, published by whatever owns session lifecycles and read
// lock-free by the status handler.
type Snapshot struct {
	SessionsActive int       `json:"sessions_active"`
	SessionsTotal  int       `json:"sessions_total"`
	PoolsOpen      int       `json:"pools_open"`
	PoolSetDir     string    `json:"pool_set_dir"`
	PersistMode    string    `json:"persist_mode"`
	StartedAt      time.Time `json:"started_at"`
	// Closing mirrors the session controller's closing flag: once set,
	// the session is unwinding and /health starts reporting 503.
	Closing bool `json:"closing"`
}

// Publisher holds the current Snapshot behind an atomic.Value so the
// admin HTTP handlers never block on or race with the goroutine that
// owns session state.
type Publisher struct {
	v atomic.Value // holds Snapshot
}

// NewPublisher creates a Publisher seeded with an initial snapshot.
func NewPublisher(initial Snapshot) *Publisher {
	p := &Publisher{}
	p.v.Store(initial)
	return p
}

// Publish replaces the current snapshot.
func (p *Publisher) Publish(s Snapshot) { p.v.Store(s) }

// Load returns the current snapshot.
func (p *Publisher) Load() Snapshot { return p.v.Load().(Snapshot) }

// Server is the admin/metrics HTTP server.
type Server struct {
	pub        *Publisher
	metrics    *rpmetrics.Collector
	mountMetr  bool
	httpServer *http.Server
	ln         net.Listener
	startTime  time.Time
}

// NewServer creates a new admin Server. metrics may be nil, in which
// case /metrics is not mounted regardless of mountMetrics.
func NewServer(pub *Publisher, metrics *rpmetrics.Collector, mountMetrics bool) *Server {
	return &Server{
		pub:       pub,
		metrics:   metrics,
		mountMetr: mountMetrics && metrics != nil,
		startTime: time.Now(),
	}
}

// Start begins serving on addr in a background goroutine. addr may use
// port 0; call Addr afterward for the OS-assigned address.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	if s.mountMetr {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[admin] listening on %s", ln.Addr())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := s.pub.Load()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"sessions_active": snap.SessionsActive,
		"sessions_total":  snap.SessionsTotal,
		"pools_open":      snap.PoolsOpen,
		"pool_set_dir":    snap.PoolSetDir,
		"persist_mode":    snap.PersistMode,
		"started_at":      snap.StartedAt,
		"closing":         snap.Closing,
	})
}

// healthHandler reports 503 once the published snapshot has Closing
// set, and 200 otherwise (including before the session publishes its
// first state).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.pub.Load()
	if snap.Closing {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Addr returns the address the server is bound to, for tests that pass
// ":0" and need the OS-assigned port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
