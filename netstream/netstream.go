// Package netstream provides the blocking transport abstraction the request
// engine runs on: plain TCP streams and TLS-wrapped streams with per-call
// timeouts, plus the server role used by in-process test peers.
package netstream

import (
	"fmt"
	"time"
)

// Stream is one transport connection (or listener, in the server role).
// A stream owns at most one OS socket; Close is idempotent and valid in
// every state.
type Stream interface {
	// Connect resolves host and tries every candidate address in order,
	// applying timeout to each connect attempt. Resolution failure and
	// all-candidates failure both surface as *ConnectError.
	Connect(host string, port uint16, timeout time.Duration) error

	// Send writes p fully. It requires a connected stream; transport
	// failure closes the stream and surfaces as *NetworkError.
	Send(p []byte) (int, error)

	// Receive reads into p, honoring the configured read timeout.
	// 0 bytes with nil error signals the peer closed the connection.
	// Timeout surfaces as *TimeoutError, other failures close the stream
	// and surface as *NetworkError.
	Receive(p []byte) (int, error)

	// SetReadTimeout bounds each subsequent Receive. Zero disables it.
	SetReadTimeout(d time.Duration)
	// SetWriteTimeout bounds each subsequent Send. Zero disables it.
	SetWriteTimeout(d time.Duration)

	// Bind, Listen and Accept make up the server role. Accept returns a
	// connected stream of the same variant.
	Bind(host string, port uint16) error
	Listen(backlog int) error
	Accept() (Stream, error)

	// LocalPort reports the bound port, for listeners bound to port 0.
	LocalPort() uint16

	SetReuseAddr(enable bool)

	IsOpen() bool
	IsConnected() bool
	Close() error
}

// ConnectError reports that name resolution failed or that every candidate
// address refused the connection.
type ConnectError struct {
	Host string
	Port uint16
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s:%d failed: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NetworkError reports a transport-level send/receive failure on an
// established connection.
type NetworkError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports that a single blocking I/O call exceeded its
// configured timeout.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
