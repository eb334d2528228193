package stats

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"torpool/internal/backend"
	"torpool/internal/balancer"
	"torpool/internal/logging"
	"torpool/internal/pool"
)

func testLogger() *logging.Logger {
	return logging.New("error", io.Discard)
}

func TestBuildReflectsPoolState(t *testing.T) {
	bp := backend.New(time.Minute, false)
	bp.Add(1, "127.0.0.1:1")
	bp.Add(2, "127.0.0.1:2")
	b, _ := bp.Pick(nil)
	bp.MarkFailure(b)

	pm := pool.New(pool.Config{}, bp, testLogger())
	bal := balancer.New(balancer.Config{}, bp, testLogger())

	snap := Build(bp, pm, bal)
	if snap.BackendCount != 2 {
		t.Fatalf("expected 2 backends, got %d", snap.BackendCount)
	}
	if snap.BackendsEligible != 1 {
		t.Fatalf("expected 1 eligible backend after a failure, got %d", snap.BackendsEligible)
	}
	var failedFound bool
	for _, bv := range snap.Backends {
		if bv.WorkerID == b.WorkerID {
			failedFound = true
			if bv.FailureCount != 1 {
				t.Fatalf("expected failure_count 1, got %d", bv.FailureCount)
			}
		}
	}
	if !failedFound {
		t.Fatalf("expected to find the marked-failed backend in the snapshot")
	}
}

func TestStatusEndpointServesJSON(t *testing.T) {
	bp := backend.New(time.Minute, false)
	bp.Add(1, "127.0.0.1:1")

	pm := pool.New(pool.Config{}, bp, testLogger())
	bal := balancer.New(balancer.Config{}, bp, testLogger())
	srv := New("127.0.0.1:0", bp, pm, bal, testLogger())
	ts := httptest.NewServer(http.HandlerFunc(srv.handleStatus))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.BackendCount != 1 {
		t.Fatalf("expected 1 backend in JSON, got %d", snap.BackendCount)
	}
}
