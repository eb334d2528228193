// Package testdouble provides a minimal SOCKS5 server for exercising
// HealthMonitor and HTTPLoadBalancer in tests, standing in for the
// out-of-scope worker binary. Grounded on the teacher's own use of
// github.com/armon/go-socks5 to terminate SOCKS5
// (fanj1216yxing-dynamic-proxy/main.go's startSOCKS5Server) — kept as a
// test-only dependency since spec.md §9 forbids a full SOCKS5 server
// library in the core's outbound path.
package testdouble

import (
	"net"

	"github.com/armon/go-socks5"
)

// SocksWorker is a no-auth SOCKS5 listener that dials straight through to
// the requested address, simulating a ready worker.
type SocksWorker struct {
	ln net.Listener
}

// StartSocksWorker listens on 127.0.0.1:0 and serves SOCKS5 no-auth until
// Close is called. Returns the worker's listen address.
func StartSocksWorker() (*SocksWorker, error) {
	conf := &socks5.Config{}
	server, err := socks5.New(conf)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	w := &SocksWorker{ln: ln}
	go func() {
		_ = server.Serve(ln)
	}()
	return w, nil
}

// Addr returns the listener's host:port.
func (w *SocksWorker) Addr() string { return w.ln.Addr().String() }

// Close stops the listener.
func (w *SocksWorker) Close() error { return w.ln.Close() }

// DeadSocksWorker binds then immediately closes, yielding an address with
// nothing listening, for failure-path tests.
func DeadSocksWorker() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr, nil
}
