// Package ports implements PortAllocator: deterministic, disjoint
// (socks_port, control_port) assignment for a worker pool (spec §4.1).
package ports

import (
	"fmt"

	"torpool/internal/torerr"
)

// Pair is the (socks_port, control_port) assignment for one worker.
type Pair struct {
	SocksPort   int
	ControlPort int
}

// Allocate returns workerCount pairs such that socksPort(i) = basePort + i
// and controlPort(i) = basePort + workerCount + i. The two ranges never
// overlap and every pair across the returned slice is disjoint.
func Allocate(workerCount, basePort, maxPort int) ([]Pair, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker_count must be positive: %w", torerr.ErrConfig)
	}
	if basePort+2*workerCount-1 > maxPort {
		return nil, fmt.Errorf(
			"port range [%d,%d] too small for %d workers (need %d ports): %w",
			basePort, maxPort, workerCount, 2*workerCount, torerr.ErrConfig,
		)
	}

	pairs := make([]Pair, workerCount)
	for i := 0; i < workerCount; i++ {
		pairs[i] = Pair{
			SocksPort:   basePort + i,
			ControlPort: basePort + workerCount + i,
		}
	}
	return pairs, nil
}
