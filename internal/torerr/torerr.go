// Package torerr defines the typed error taxonomy shared across the core.
//
// Components never leak raw stdlib errors across their boundary; callers use
// errors.Is against the sentinels below to decide retry/restart/fatal
// policy without depending on error string contents.
package torerr

import "errors"

var (
	// ErrConfig marks a fatal configuration problem (bad port range, zero
	// workers, unreachable worker binary). Fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrDirectoryUnavailable marks a network failure fetching the relay
	// directory. Recoverable: the pool proceeds without exit-node pinning.
	ErrDirectoryUnavailable = errors.New("relay directory unavailable")

	// ErrDirectoryMalformed marks a parse failure of the directory response.
	// Recoverable, same as ErrDirectoryUnavailable.
	ErrDirectoryMalformed = errors.New("relay directory malformed")

	// ErrSpawn marks a failure to exec the worker binary.
	ErrSpawn = errors.New("spawn error")

	// ErrStartupTimeout marks a worker that did not become ready in time.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrUnexpectedExit marks a worker process that exited before readiness
	// or while in the ready state.
	ErrUnexpectedExit = errors.New("unexpected exit")

	// ErrProbeFailure marks a single failed health probe.
	ErrProbeFailure = errors.New("probe failure")

	// ErrBackendDial marks a failure to reach a backend's SOCKS endpoint.
	ErrBackendDial = errors.New("backend dial error")

	// ErrSocksNegotiation marks a SOCKS5 handshake failure with a backend.
	ErrSocksNegotiation = errors.New("socks negotiation error")

	// ErrUpstreamTimeout marks a deadline exceeded talking to a backend or
	// the remote target.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrListenerBind marks a fatal failure to bind the front-end listener.
	ErrListenerBind = errors.New("listener bind error")

	// ErrClientProtocol marks a malformed client request line.
	ErrClientProtocol = errors.New("client protocol error")

	// ErrNoBackend marks the absence of any eligible backend for a pick.
	ErrNoBackend = errors.New("no eligible backend")
)

// ExitCode maps a top-level failure to the process exit code from spec §6.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 1
	case errors.Is(err, ErrListenerBind):
		return 3
	default:
		return 2
	}
}
