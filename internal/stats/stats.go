// Package stats implements the JSON /status endpoint (spec §6's stats
// addition in SPEC_FULL.md §6). Grounded on the teacher's
// buildPoolStatusPayload/startPoolStatusServer (main.go:4536-4675),
// trimmed to one backend pool and no basic-auth gate, matching this
// spec's no-front-end-auth posture.
package stats

import (
	"encoding/json"
	"net/http"
	"time"

	"torpool/internal/backend"
	"torpool/internal/balancer"
	"torpool/internal/logging"
	"torpool/internal/pool"
)

// BackendView is the JSON shape for one backend in the snapshot.
type BackendView struct {
	WorkerID            int       `json:"worker_id"`
	SocksEndpoint       string    `json:"socks_endpoint"`
	Healthy             bool      `json:"healthy"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessCount        uint64    `json:"success_count"`
	FailureCount        uint64    `json:"failure_count"`
}

// Snapshot is the full /status payload (spec §7's aggregate counters plus
// the per-backend detail view).
type Snapshot struct {
	BackendCount     int           `json:"backend_count"`
	WorkersTotal     int           `json:"workers_total"`
	WorkersReady     int           `json:"workers_ready"`
	BackendsEligible int           `json:"backends_eligible"`
	RequestsTotal    uint64        `json:"requests_total"`
	RequestsFailed   uint64        `json:"requests_failed"`
	Backends         []BackendView `json:"backends"`
}

// Build reads the ProxyBackendPool, PoolManager, and Balancer's current
// state into the reporting shape.
func Build(bp *backend.Pool, pm *pool.Manager, bal *balancer.Balancer) Snapshot {
	raw := bp.Snapshot()
	total, failed := bal.RequestStats()
	out := Snapshot{
		BackendCount:     len(raw),
		WorkersTotal:     pm.WorkersTotal(),
		WorkersReady:     pm.WorkersReady(),
		BackendsEligible: bp.EligibleCount(),
		RequestsTotal:    total,
		RequestsFailed:   failed,
		Backends:         make([]BackendView, len(raw)),
	}
	for i, b := range raw {
		out.Backends[i] = BackendView{
			WorkerID:            b.WorkerID,
			SocksEndpoint:       b.SocksEndpoint,
			Healthy:             b.Healthy,
			CooldownUntil:       b.CooldownUntil,
			ConsecutiveFailures: b.ConsecutiveFailures,
			SuccessCount:        b.SuccessCount,
			FailureCount:        b.FailureCount,
		}
	}
	return out
}

// Server serves the /status endpoint on a listener separate from the
// front-end proxy (spec §6: "a separate status listener").
type Server struct {
	addr string
	pool *backend.Pool
	pm   *pool.Manager
	bal  *balancer.Balancer
	log  *logging.Logger
	srv  *http.Server
}

// New builds a status Server bound to addr.
func New(addr string, bp *backend.Pool, pm *pool.Manager, bal *balancer.Balancer, log *logging.Logger) *Server {
	s := &Server{addr: addr, pool: bp, pm: pm, bal: bal, log: log.With("stats")}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(Build(s.pool, s.pm, s.bal))
}

// ListenAndServe blocks serving /status until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.addr).Msg("status endpoint listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections on the status listener.
func (s *Server) Shutdown() error {
	return s.srv.Close()
}
