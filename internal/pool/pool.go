// Package pool implements PoolManager: the canonical worker set, startup
// sequencing, and restart-with-quarantine policy (spec §4.7). Grounded on
// tianxidev-php-cgi-pool's worker array + respawn loop and
// original_source/src/tor_pool_manager.py's create/restart bookkeeping.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"torpool/internal/backend"
	"torpool/internal/exitnode"
	"torpool/internal/health"
	"torpool/internal/logging"
	"torpool/internal/ports"
	"torpool/internal/relay"
	"torpool/internal/runner"
	"torpool/internal/torerr"
	"torpool/internal/worker"
)

const (
	maxRestartBackoff   = 5 * time.Second
	quarantineThreshold = 5
)

// Config configures the pool's startup and restart behavior.
type Config struct {
	WorkerCount      int
	BasePort         int
	MaxPort          int
	DataDirRoot      string
	WorkerBinaryPath string
	StartupTimeout   time.Duration
	StopGrace        time.Duration
	StartBatch       int
	PerWorkerRelays  int
	DirectoryURL     string
	RelayFilter      relay.Filter

	StrictReadinessProbe bool
	HealthCheckURL       string
	HealthProbeTimeout   time.Duration
}

// entry is PoolManager's bookkeeping for one dense-array slot (spec §9:
// fixed-length array indexed by worker id, not a map).
type entry struct {
	w                 *worker.Worker
	consecutiveStartF int
	quarantined       bool
}

// Manager owns the worker array and drives PoolManager's lifecycle.
type Manager struct {
	cfg     Config
	backend *backend.Pool
	log     *logging.Logger

	mu      sync.Mutex
	entries []*entry
}

// New builds a Manager bound to an already-constructed ProxyBackendPool.
// PoolManager is the only writer of backend pool membership (spec §5).
func New(cfg Config, bp *backend.Pool, log *logging.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		backend: bp,
		log:     log.With("pool-manager"),
	}
}

// Start runs the full startup sequence: allocate ports, fetch the relay
// directory, distribute exit nodes, build worker configs, and spawn every
// worker with bounded fan-out (spec §2 item 7's startup chain). It
// returns the number of workers that reached ready. It returns an error
// when port allocation fails (torerr.ErrConfig) or when no worker reached
// ready (torerr.ErrUnexpectedExit, which maps to exit code 2 at the top
// level).
func (m *Manager) Start(ctx context.Context) (int, error) {
	pairs, err := ports.Allocate(m.cfg.WorkerCount, m.cfg.BasePort, m.cfg.MaxPort)
	if err != nil {
		return 0, err
	}

	var relays []relay.Record
	if m.cfg.DirectoryURL != "" {
		client := relay.New(m.cfg.DirectoryURL, m.log)
		fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		relays, err = client.Fetch(fetchCtx, m.cfg.RelayFilter)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Msg("proceeding without exit-node pinning")
			relays = nil
		}
	}
	buckets := exitnode.Distribute(relays, m.cfg.WorkerCount, m.cfg.PerWorkerRelays)

	m.mu.Lock()
	m.entries = make([]*entry, m.cfg.WorkerCount)
	workers := make([]*worker.Worker, m.cfg.WorkerCount)
	for i := 0; i < m.cfg.WorkerCount; i++ {
		w := worker.New(worker.Config{
			ID:                   i,
			SocksPort:            pairs[i].SocksPort,
			ControlPort:          pairs[i].ControlPort,
			DataDir:              fmt.Sprintf("%s/worker-%d", m.cfg.DataDirRoot, i),
			ExitNodes:            buckets[i],
			WorkerBinaryPath:     m.cfg.WorkerBinaryPath,
			StartupTimeout:       m.cfg.StartupTimeout,
			StrictReadinessProbe: m.cfg.StrictReadinessProbe,
			HealthCheckURL:       m.cfg.HealthCheckURL,
			HealthProbeTimeout:   m.cfg.HealthProbeTimeout,
		}, m.log)
		m.entries[i] = &entry{w: w}
		workers[i] = w
	}
	m.mu.Unlock()

	fanOut := m.cfg.StartBatch
	if fanOut <= 0 {
		fanOut = m.cfg.WorkerCount
	}
	outcomes := runner.Run(ctx, workers, fanOut)

	ready := 0
	for _, o := range outcomes {
		if o.Err == nil {
			m.backend.Add(o.Worker.ID(), o.Worker.SocksEndpoint())
			ready++
		} else {
			m.log.Warn().Int("worker_id", o.Worker.ID()).Err(o.Err).Msg("worker failed to start")
			m.recordStartFailureLocked(o.Worker.ID())
		}
	}

	if ready == 0 {
		return 0, fmt.Errorf("no workers reached ready: %w", torerr.ErrUnexpectedExit)
	}
	m.log.Info().Int("ready", ready).Int("total", m.cfg.WorkerCount).Msg("pool startup complete")
	return ready, nil
}

// NotifyUnhealthy implements health.Notifier: HealthMonitor reports a
// worker id that crossed the failure threshold or is no longer alive.
// PoolManager detaches it from the backend pool (ordered first per spec
// §5), stops its process, and schedules a restart. The worker is left in
// state stopped, not failed, until the restart moves it to starting.
func (m *Manager) NotifyUnhealthy(workerID int) {
	m.mu.Lock()
	e := m.entryLocked(workerID)
	m.mu.Unlock()
	if e == nil {
		return
	}

	m.backend.Remove(workerID)
	_ = e.w.Stop(m.stopGrace())

	go m.restart(context.Background(), workerID)
}

// Snapshot returns a read-only view of every worker for HealthMonitor's
// probe cycle (spec §5: HealthMonitor reads Worker state only through a
// snapshot, never mutates it).
func (m *Manager) Snapshot() []health.Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]health.Probe, 0, len(m.entries))
	for _, e := range m.entries {
		if e == nil || e.quarantined {
			continue
		}
		if e.w.State() != worker.StateReady {
			continue
		}
		out = append(out, health.Probe{
			WorkerID:      e.w.ID(),
			SocksEndpoint: e.w.SocksEndpoint(),
			Alive:         e.w.IsAlive(),
		})
	}
	return out
}

// WorkersTotal returns the size of the worker array (spec §7's
// workers_total), including quarantined and not-yet-ready slots.
func (m *Manager) WorkersTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WorkersReady returns the number of workers currently in state ready
// (spec §7's workers_ready).
func (m *Manager) WorkersReady() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e != nil && e.w.State() == worker.StateReady {
			n++
		}
	}
	return n
}

func (m *Manager) entryLocked(workerID int) *entry {
	for _, e := range m.entries {
		if e != nil && e.w.ID() == workerID {
			return e
		}
	}
	return nil
}

func (m *Manager) recordStartFailureLocked(workerID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(workerID)
	if e == nil {
		return
	}
	e.consecutiveStartF++
	if e.consecutiveStartF >= quarantineThreshold {
		e.quarantined = true
		m.log.Warn().Int("worker_id", workerID).Msg("worker quarantined after repeated restart failures")
	}
}

// restart retries Start with linear backoff capped at maxRestartBackoff
// until it succeeds, the worker is quarantined, or ctx is cancelled (spec
// §4.7's "unbounded retries with a linear backoff capped at a small
// constant").
func (m *Manager) restart(ctx context.Context, workerID int) {
	m.mu.Lock()
	e := m.entryLocked(workerID)
	m.mu.Unlock()
	if e == nil {
		return
	}

	for {
		m.mu.Lock()
		quarantined := e.quarantined
		attempt := e.consecutiveStartF
		m.mu.Unlock()
		if quarantined {
			return
		}

		backoff := time.Duration(attempt+1) * time.Second
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		startupTimeout := m.cfg.StartupTimeout
		if startupTimeout <= 0 {
			startupTimeout = 30 * time.Second
		}
		startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err := e.w.Start(startCtx)
		cancel()
		if err == nil {
			m.mu.Lock()
			e.consecutiveStartF = 0
			m.mu.Unlock()
			m.backend.Add(e.w.ID(), e.w.SocksEndpoint())
			m.log.Info().Int("worker_id", workerID).Msg("worker restarted successfully")
			return
		}

		m.log.Warn().Int("worker_id", workerID).Err(err).Msg("restart attempt failed")
		m.recordStartFailureLocked(workerID)
	}
}

func (m *Manager) stopGrace() time.Duration {
	if m.cfg.StopGrace <= 0 {
		return 5 * time.Second
	}
	return m.cfg.StopGrace
}

// StopAll stops every worker concurrently, each bounded by the configured
// stop grace, and removes its data directory (spec §5 shutdown sequence
// steps d/e).
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := make([]*entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e == nil {
			continue
		}
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			_ = e.w.Stop(m.stopGrace())
			_ = e.w.Remove()
		}(e)
	}
	wg.Wait()
}
