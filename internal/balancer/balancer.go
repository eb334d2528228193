// Package balancer implements HTTPLoadBalancer: the client-facing HTTP
// front end that picks a backend from ProxyBackendPool and either proxies
// a plain HTTP request or tunnels a CONNECT through the backend's SOCKS5
// port (spec §4.10). Grounded on the teacher's
// handleHTTPProxy/handleHTTPSProxy/CustomDialer (main.go:4017-4366),
// generalized from the teacher's upstream-proxy-address dialing to a
// SOCKS5-only backend dial and a bounded per-request retry-with-exclude.
package balancer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"torpool/internal/backend"
	"torpool/internal/logging"
)

// hopByHop lists the headers stripped in both directions (spec §4.10).
var hopByHop = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Proxy-Authorization": true,
	"Keep-Alive":          true,
	"TE":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Config configures one HTTPLoadBalancer instance.
type Config struct {
	ListenAddr      string
	RetryAttempts   int
	DialTimeout     time.Duration
	UpstreamTimeout time.Duration
	TunnelIdle      time.Duration
}

// Balancer is the HTTP front end. It only reads ProxyBackendPool; all
// membership mutation belongs to PoolManager/HealthMonitor (spec §5).
type Balancer struct {
	cfg  Config
	pool *backend.Pool
	log  *logging.Logger
	srv  *http.Server

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// New builds a Balancer bound to an existing ProxyBackendPool.
func New(cfg Config, pool *backend.Pool, log *logging.Logger) *Balancer {
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.TunnelIdle <= 0 {
		cfg.TunnelIdle = 90 * time.Second
	}
	b := &Balancer{cfg: cfg, pool: pool, log: log.With("balancer")}
	b.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: http.HandlerFunc(b.handle),
	}
	return b
}

// ListenAndServe binds cfg.ListenAddr and serves until the server is
// closed. Bind failures map to torerr.ErrListenerBind at the Integrator
// (spec §6 exit code 3); this layer just returns http.Server's error.
func (b *Balancer) ListenAndServe() error {
	b.log.Info().Str("addr", b.cfg.ListenAddr).Msg("load balancer listening")
	return b.srv.ListenAndServe()
}

// Shutdown gracefully stops accepting new connections and waits up to
// the given grace window for in-flight requests (spec §5 step b).
func (b *Balancer) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return b.srv.Shutdown(ctx)
}

// RequestStats returns the cumulative request counters for the stats
// endpoint (spec §7's requests_total/requests_failed).
func (b *Balancer) RequestStats() (total, failed uint64) {
	return b.requestsTotal.Load(), b.requestsFailed.Load()
}

func (b *Balancer) handle(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	b.requestsTotal.Add(1)

	if r.Method == http.MethodConnect {
		b.handleConnect(w, r, reqID)
		return
	}
	b.handlePlain(w, r, reqID)
}

// handlePlain implements spec §4.10(a): absolute-URI proxying with
// retry-with-exclude across alternates until any response byte is
// written.
func (b *Balancer) handlePlain(w http.ResponseWriter, r *http.Request, reqID string) {
	if !r.URL.IsAbs() {
		http.Error(w, "request-target must be an absolute URI", http.StatusBadRequest)
		return
	}

	exclude := map[int]bool{}
	var lastErr error
	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		be, ok := b.pool.Pick(exclude)
		if !ok {
			b.log.Warn().Str("request_id", reqID).Msg("no eligible backend")
			b.requestsFailed.Add(1)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}

		resp, err := b.doThroughBackend(r, be)
		if err != nil {
			lastErr = err
			b.pool.MarkFailure(be)
			exclude[be.WorkerID] = true
			b.log.Warn().Str("request_id", reqID).Int("worker_id", be.WorkerID).Err(err).Msg("backend attempt failed, retrying")
			continue
		}

		b.pool.MarkSuccess(be)
		b.writeResponse(w, resp)
		return
	}

	b.log.Warn().Str("request_id", reqID).Err(lastErr).Msg("all retry attempts exhausted")
	b.requestsFailed.Add(1)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// doThroughBackend dials be's SOCKS5 endpoint, forwards the rewritten
// request, and returns the parsed response. No response byte has reached
// the client yet, so any error here is safely retryable.
func (b *Balancer) doThroughBackend(r *http.Request, be *backend.Backend) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), b.cfg.UpstreamTimeout)
	defer cancel()

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialViaSocks(ctx, be.SocksEndpoint, addr, b.cfg.DialTimeout)
		},
	}
	client := &http.Client{Transport: transport, Timeout: b.cfg.UpstreamTimeout}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	stripHopByHop(outReq.Header)

	resp, err := client.Do(outReq)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *Balancer) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	stripHopByHop(resp.Header)
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleConnect implements spec §4.10(b): CONNECT tunneling. Retries are
// only attempted before the 200 has been sent to the client.
func (b *Balancer) handleConnect(w http.ResponseWriter, r *http.Request, reqID string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	exclude := map[int]bool{}
	var targetConn net.Conn
	var usedBackend *backend.Backend
	var lastErr error

	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		be, ok := b.pool.Pick(exclude)
		if !ok {
			b.log.Warn().Str("request_id", reqID).Msg("no eligible backend for CONNECT")
			b.requestsFailed.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		dialCtx, cancel := context.WithTimeout(r.Context(), b.cfg.DialTimeout)
		conn, err := dialViaSocks(dialCtx, be.SocksEndpoint, r.URL.Host, b.cfg.DialTimeout)
		cancel()
		if err != nil {
			lastErr = err
			b.pool.MarkFailure(be)
			exclude[be.WorkerID] = true
			continue
		}
		targetConn = conn
		usedBackend = be
		break
	}

	if targetConn == nil {
		b.log.Warn().Str("request_id", reqID).Err(lastErr).Msg("CONNECT failed on every retry")
		b.requestsFailed.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer targetConn.Close()

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		b.pool.MarkFailure(usedBackend)
		b.requestsFailed.Add(1)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		b.pool.MarkFailure(usedBackend)
		b.requestsFailed.Add(1)
		return
	}
	b.pool.MarkSuccess(usedBackend)

	b.relay(clientConn, targetConn, reqID)
}

// relay copies both directions of an established tunnel until either side
// closes, bounded by an idle deadline refreshed on every read.
func (b *Balancer) relay(clientConn, targetConn net.Conn, reqID string) {
	done := make(chan struct{}, 2)
	copyDir := func(dst, src net.Conn) {
		buf := make([]byte, 32*1024)
		for {
			_ = src.SetReadDeadline(time.Now().Add(b.cfg.TunnelIdle))
			n, err := src.Read(buf)
			if n > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(b.cfg.TunnelIdle))
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}

	go copyDir(targetConn, clientConn)
	go copyDir(clientConn, targetConn)
	<-done
	<-done
	b.log.Debug().Str("request_id", reqID).Msg("tunnel closed")
}

// dialViaSocks dials target through the SOCKS5 no-auth endpoint at
// socksEndpoint, per spec §4.10's "establishes a SOCKS5 tunnel ... via
// the backend" requirement.
func dialViaSocks(ctx context.Context, socksEndpoint, target string, timeout time.Duration) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", socksEndpoint, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("build socks dialer: %w", err)
	}
	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", target)
	}
	return dialer.Dial("tcp", target)
}

func stripHopByHop(h http.Header) {
	for k := range h {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			h.Del(k)
		}
	}
}
