// Package backend implements ProxyBackendPool: the in-memory set of
// backend endpoints with per-backend health/cooldown state and a strict
// round-robin pick() (spec §4.9). Generalized from the teacher's
// random-rotation ProxyPool (main.go's ProxyPool.GetNext) to the strict
// round-robin-with-cooldown policy spec.md requires.
package backend

import (
	"sync"
	"time"
)

// Backend is the load balancer's view of one ready worker.
type Backend struct {
	WorkerID            int
	SocksEndpoint       string
	Healthy             bool
	CooldownUntil       time.Time
	ConsecutiveFailures int
	SuccessCount        uint64
	FailureCount        uint64
}

// Pool is the sole mutable cross-component state (spec §5): a single mutex
// guards the ordered backend list and round-robin cursor.
type Pool struct {
	mu                   sync.Mutex
	backends             []*Backend
	cursor               int
	cooldownDuration     time.Duration
	probeAnyOnExhaustion bool
	now                  func() time.Time
}

// New builds an empty pool. cooldownDuration is applied by MarkFailure.
// probeAnyOnExhaustion implements the configurable fallback from spec §9's
// open question: when every backend is in cooldown, return the
// least-recently-failed one instead of none.
func New(cooldownDuration time.Duration, probeAnyOnExhaustion bool) *Pool {
	return &Pool{
		cooldownDuration:     cooldownDuration,
		probeAnyOnExhaustion: probeAnyOnExhaustion,
		now:                  time.Now,
	}
}

// Add appends a backend for workerID if not already present. No-op on
// duplicate workerID (idempotent add, matching spec §4.9).
func (p *Pool) Add(workerID int, socksEndpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.WorkerID == workerID {
			return
		}
	}
	p.backends = append(p.backends, &Backend{
		WorkerID:      workerID,
		SocksEndpoint: socksEndpoint,
		Healthy:       true,
	})
}

// Remove drops the backend for workerID. Any reference already returned by
// a concurrent Pick remains valid for the caller holding it (spec §4.9: the
// in-flight request is allowed to finish); Remove only stops future Picks
// from returning it.
func (p *Pool) Remove(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.backends {
		if b.WorkerID == workerID {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			return
		}
	}
}

// Pick scans forward from the cursor for the first backend that is
// healthy, out of cooldown, and not in exclude. It advances the cursor by
// one past the returned slot and returns (backend, true), or (nil, false)
// if none is eligible.
func (p *Pool) Pick(exclude map[int]bool) (*Backend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.backends)
	if n == 0 {
		return nil, false
	}

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		b := p.backends[idx]
		if exclude != nil && exclude[b.WorkerID] {
			continue
		}
		if b.Healthy && !now.Before(b.CooldownUntil) {
			p.cursor = (idx + 1) % n
			return b, true
		}
	}

	if p.probeAnyOnExhaustion {
		return p.pickLeastRecentlyFailedLocked(exclude)
	}
	return nil, false
}

// pickLeastRecentlyFailedLocked implements the "probe-any" exhaustion
// fallback: the backend with the earliest CooldownUntil among the healthy
// set not excluded. Callers must hold p.mu.
func (p *Pool) pickLeastRecentlyFailedLocked(exclude map[int]bool) (*Backend, bool) {
	var best *Backend
	var bestIdx int
	for i, b := range p.backends {
		if exclude != nil && exclude[b.WorkerID] {
			continue
		}
		if !b.Healthy {
			continue
		}
		if best == nil || b.CooldownUntil.Before(best.CooldownUntil) {
			best = b
			bestIdx = i
		}
	}
	if best == nil {
		return nil, false
	}
	p.cursor = (bestIdx + 1) % len(p.backends)
	return best, true
}

// MarkSuccess resets the consecutive failure counter and increments the
// success counter for b.
func (p *Pool) MarkSuccess(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.ConsecutiveFailures = 0
	b.SuccessCount++
}

// MarkFailure sets b's cooldown window and increments its failure counters.
func (p *Pool) MarkFailure(b *Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.ConsecutiveFailures++
	b.FailureCount++
	b.CooldownUntil = p.now().Add(p.cooldownDuration)
}

// SetHealthy updates the backend's health flag (driven by HealthMonitor).
func (p *Pool) SetHealthy(workerID int, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.WorkerID == workerID {
			b.Healthy = healthy
			return
		}
	}
}

// Snapshot returns a defensive copy of all backends, for stats reporting.
func (p *Pool) Snapshot() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Backend, len(p.backends))
	for i, b := range p.backends {
		out[i] = *b
	}
	return out
}

// Len returns the number of backends currently tracked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

// EligibleCount returns the number of backends currently healthy and out of
// cooldown, i.e. the set Pick can return without falling back (spec §4.9's
// eligibility invariant).
func (p *Pool) EligibleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, b := range p.backends {
		if b.Healthy && !now.Before(b.CooldownUntil) {
			n++
		}
	}
	return n
}
