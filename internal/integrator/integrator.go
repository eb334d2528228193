// Package integrator implements the Integrator: the top-level orchestrator
// that wires Config, PoolManager, HealthMonitor, ProxyBackendPool, and
// HTTPLoadBalancer, runs the startup sequence, installs signal handlers,
// and performs graceful shutdown (spec §4.11). Grounded on the teacher's
// main() wiring and its signal.NotifyContext(os.Interrupt, SIGTERM) idiom
// (main.go:4886-4890).
package integrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"torpool/internal/backend"
	"torpool/internal/balancer"
	"torpool/internal/config"
	"torpool/internal/health"
	"torpool/internal/logging"
	"torpool/internal/pool"
	"torpool/internal/relay"
	"torpool/internal/stats"
	"torpool/internal/torerr"
)

const shutdownGrace = 10 * time.Second

// Integrator owns the full component graph for one process lifetime.
type Integrator struct {
	cfg      *config.Configuration
	log      *logging.Logger
	backend  *backend.Pool
	poolMgr  *pool.Manager
	health   *health.Monitor
	bal      *balancer.Balancer
	statsSrv *stats.Server
}

// New wires every component from cfg without starting anything.
func New(cfg *config.Configuration, log *logging.Logger) *Integrator {
	bp := backend.New(cfg.CooldownDuration, cfg.ProbeAnyOnExhaustion)

	countries := make(map[string]bool, len(cfg.ExitNodeCountries))
	for _, c := range cfg.ExitNodeCountries {
		countries[strings.ToUpper(c)] = true
	}

	poolMgr := pool.New(pool.Config{
		WorkerCount:      cfg.WorkerCount,
		BasePort:         cfg.BasePort,
		MaxPort:          cfg.MaxPort,
		DataDirRoot:      cfg.DataDirRoot,
		WorkerBinaryPath: cfg.WorkerBinaryPath,
		StartupTimeout:   cfg.WorkerStartupTimeout,
		StopGrace:        5 * time.Second,
		StartBatch:       cfg.StartBatch,
		PerWorkerRelays:  cfg.ExitNodesPerWorker,
		DirectoryURL:     cfg.DirectoryURL,
		RelayFilter: relay.Filter{
			Countries: countries,
			MaxRelays: cfg.ExitNodesMax,
		},
		StrictReadinessProbe: cfg.StrictReadinessProbe,
		HealthCheckURL:       cfg.HealthCheckURL,
		HealthProbeTimeout:   cfg.HealthTimeout,
	}, bp, log)

	healthMon := health.New(health.Config{
		Interval: cfg.HealthInterval,
		CheckURL: cfg.HealthCheckURL,
		Timeout:  cfg.HealthTimeout,
		FanOut:   cfg.StartBatch,
	}, poolMgr.Snapshot, poolMgr, log)

	bal := balancer.New(balancer.Config{
		ListenAddr:    cfg.FrontendListen,
		RetryAttempts: cfg.RetryAttempts,
	}, bp, log)

	statsSrv := stats.New(cfg.StatusListen, bp, poolMgr, bal, log)

	return &Integrator{
		cfg:      cfg,
		log:      log.With("integrator"),
		backend:  bp,
		poolMgr:  poolMgr,
		health:   healthMon,
		bal:      bal,
		statsSrv: statsSrv,
	}
}

// Run performs the full startup sequence, serves until ctx is cancelled or
// the front-end listener fails, then shuts down gracefully. It installs
// its own SIGINT/SIGTERM handling on top of ctx (spec §5's shutdown
// sequence) and returns the process exit code from spec §6.
func (in *Integrator) Run(ctx context.Context) int {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready, err := in.poolMgr.Start(sigCtx)
	if err != nil {
		in.log.Error().Err(err).Msg("pool startup failed")
		return torerr.ExitCode(err)
	}
	in.log.Info().Int("ready", ready).Msg("startup complete")

	in.health.Start(sigCtx)

	errCh := make(chan error, 2)
	go func() {
		if err := in.bal.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("front-end listener: %w: %w", err, torerr.ErrListenerBind)
		}
	}()
	go func() {
		if err := in.statsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			in.log.Warn().Err(err).Msg("status listener failed")
		}
	}()

	select {
	case <-sigCtx.Done():
		in.log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		in.log.Error().Err(err).Msg("listener failed")
		in.shutdown()
		return torerr.ExitCode(err)
	}

	in.shutdown()
	return 0
}

// shutdown implements spec §5's ordered sequence: stop accepting new
// front-end connections, let in-flight requests finish up to the grace
// window, stop HealthMonitor, stop every worker concurrently, and remove
// their data directories (the last two steps live in PoolManager.StopAll).
func (in *Integrator) shutdown() {
	if err := in.bal.Shutdown(shutdownGrace); err != nil {
		in.log.Warn().Err(err).Msg("balancer shutdown reported an error")
	}
	_ = in.statsSrv.Shutdown()
	in.health.Stop()
	in.poolMgr.StopAll()
	in.log.Info().Msg("shutdown complete")
}

// Snapshot exposes the backend pool's stats view for callers that want it
// without going through the HTTP endpoint (e.g. tests).
func (in *Integrator) Snapshot() stats.Snapshot {
	return stats.Build(in.backend, in.poolMgr, in.bal)
}
