package integrator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"torpool/internal/config"
	"torpool/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New("error", io.Discard)
}

// writeStubWorkerBinary writes a shell+python3 stub that opens a SOCKS5
// no-auth listener on its configured port, relays each CONNECT to its
// target, and stays alive, standing in for the out-of-scope worker binary
// (spec §6's worker contract).
func writeStubWorkerBinary(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available for stub worker binary")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "stub-worker.sh")
	script := `#!/bin/sh
python3 - "$@" <<'PY'
import socket, sys, time, threading

port = None
for i, a in enumerate(sys.argv):
    if a == "-f":
        with open(sys.argv[i+1]) as f:
            for line in f:
                if line.startswith("SocksPort"):
                    port = int(line.strip().split(":")[-1])

def pump(a, b):
    try:
        while True:
            data = a.recv(4096)
            if not data:
                break
            b.sendall(data)
    except Exception:
        pass
    finally:
        a.close()
        b.close()

def handle(conn):
    try:
        greeting = conn.recv(2)
        conn.recv(greeting[1])
        conn.sendall(b"\x05\x00")
        header = conn.recv(4)
        if len(header) < 4:
            return
        atyp = header[3]
        if atyp == 1:
            addr = socket.inet_ntoa(conn.recv(4))
        elif atyp == 3:
            n = conn.recv(1)[0]
            addr = conn.recv(n).decode()
        else:
            return
        portbytes = conn.recv(2)
        target = socket.create_connection((addr, (portbytes[0] << 8) + portbytes[1]))
        conn.sendall(b"\x05\x00\x00\x01\x00\x00\x00\x00\x00\x00")
        threading.Thread(target=pump, args=(target, conn), daemon=True).start()
        pump(conn, target)
    except Exception:
        conn.close()

s = socket.socket(socket.AF_INET, socket.SOCK_STREAM)
s.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1)
s.bind(("127.0.0.1", port))
s.listen(20)
while True:
    conn, _ = s.accept()
    threading.Thread(target=handle, args=(conn,), daemon=True).start()
PY
`
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write stub worker: %v", err)
	}
	return path
}

func baseConfig(t *testing.T, workerCount int) *config.Configuration {
	dir := t.TempDir()
	return &config.Configuration{
		WorkerCount:          workerCount,
		BasePort:             27000,
		MaxPort:              27200,
		StartBatch:           workerCount,
		ExitNodesPerWorker:   0,
		HealthCheckURL:       "http://127.0.0.1:1/unused",
		HealthInterval:       time.Hour,
		HealthTimeout:        time.Second,
		FrontendListen:       "127.0.0.1:0",
		StatusListen:         "127.0.0.1:0",
		RetryAttempts:        3,
		CooldownDuration:     time.Minute,
		WorkerBinaryPath:     writeStubWorkerBinary(t),
		WorkerStartupTimeout: 5 * time.Second,
		DataDirRoot:          dir,
		LogLevel:             "error",
	}
}

// TestStartupReachesReadyAndServesThroughBalancer exercises S1's happy
// path: a small pool starts, the balancer proxies a plain HTTP request
// through one of the ready workers.
func TestStartupReachesReadyAndServesThroughBalancer(t *testing.T) {
	cfg := baseConfig(t, 3)
	// FrontendListen with port 0 can't be dialed before the listener binds
	// to a concrete port, so pick a fixed local port instead.
	cfg.FrontendListen = "127.0.0.1:27301"
	cfg.StatusListen = "127.0.0.1:27302"

	in := New(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	go func() { done <- in.Run(ctx) }()

	// Give ListenAndServe a moment to bind.
	time.Sleep(300 * time.Millisecond)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer upstream.Close()

	client := &http.Client{
		Transport: &http.Transport{
			Proxy: func(*http.Request) (*url.URL, error) { return url.Parse("http://127.0.0.1:27301") },
		},
		Timeout: 5 * time.Second,
	}
	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", resp.StatusCode, body)
	}

	snap := in.Snapshot()
	if snap.BackendCount != 3 {
		t.Fatalf("expected 3 backends in snapshot, got %d", snap.BackendCount)
	}
	if snap.WorkersTotal != 3 || snap.WorkersReady != 3 {
		t.Fatalf("expected workers_total/workers_ready 3/3, got %d/%d", snap.WorkersTotal, snap.WorkersReady)
	}
	if snap.BackendsEligible != 3 {
		t.Fatalf("expected backends_eligible 3, got %d", snap.BackendsEligible)
	}
	if snap.RequestsTotal != 1 {
		t.Fatalf("expected requests_total 1, got %d", snap.RequestsTotal)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected clean exit code 0, got %d", code)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("Run did not exit after cancellation")
	}
}

// TestSingleWorkerCooldownYieldsNoEligibleBackend covers S5: one worker,
// force it into cooldown by marking a failure, then assert the next pick
// finds nothing (probe_any_on_exhaustion is off by default).
func TestSingleWorkerCooldownYieldsNoEligibleBackend(t *testing.T) {
	cfg := baseConfig(t, 1)
	cfg.FrontendListen = "127.0.0.1:27311"
	cfg.StatusListen = "127.0.0.1:27312"
	cfg.CooldownDuration = time.Hour

	in := New(cfg, testLogger())
	ready, err := in.poolMgr.Start(context.Background())
	if err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	if ready != 1 {
		t.Fatalf("expected 1 ready worker, got %d", ready)
	}

	b, ok := in.backend.Pick(nil)
	if !ok {
		t.Fatalf("expected a backend before any failure")
	}
	in.backend.MarkFailure(b)

	if _, ok := in.backend.Pick(nil); ok {
		t.Fatalf("expected no eligible backend once the only worker cools down")
	}

	in.poolMgr.StopAll()
}

// TestDirectoryFailureIsNonFatal covers S6: an unreachable directory URL
// must not prevent the pool from reaching ready.
func TestDirectoryFailureIsNonFatal(t *testing.T) {
	cfg := baseConfig(t, 2)
	cfg.FrontendListen = "127.0.0.1:27321"
	cfg.StatusListen = "127.0.0.1:27322"
	cfg.ExitNodesPerWorker = 3
	cfg.DirectoryURL = "http://127.0.0.1:1/relays"

	in := New(cfg, testLogger())
	in.poolMgr.Start(context.Background())

	snap := in.Snapshot()
	if snap.BackendCount != 2 {
		t.Fatalf("expected pool to still reach ready with 2 backends, got %d", snap.BackendCount)
	}
	in.poolMgr.StopAll()
}
