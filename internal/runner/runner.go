// Package runner implements ParallelRunner: bounded-fan-out concurrent
// startup of a batch of WorkerProcess instances (spec §4.6). Grounded on
// original_source/src/tor_pool_manager.py's semaphore-bounded
// asyncio.gather over _create_instance_async.
package runner

import (
	"context"
	"sync"

	"torpool/internal/worker"
)

// Outcome is the per-worker startup result.
type Outcome struct {
	Worker *worker.Worker
	Err    error
}

// Run partitions workers into chunks of at most fanOut, launches each
// chunk's Start calls concurrently, and waits for a chunk to finish before
// starting the next. Returns one Outcome per worker, in input order.
func Run(ctx context.Context, workers []*worker.Worker, fanOut int) []Outcome {
	if fanOut <= 0 {
		fanOut = 1
	}

	outcomes := make([]Outcome, len(workers))
	for start := 0; start < len(workers); start += fanOut {
		end := start + fanOut
		if end > len(workers) {
			end = len(workers)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				w := workers[idx]
				err := w.Start(ctx)
				outcomes[idx] = Outcome{Worker: w, Err: err}
			}(i)
		}
		wg.Wait()
	}
	return outcomes
}
