// Package pool caches idle keep-alive connections for reuse, keyed by
// destination and transport security parameters.
package pool

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"fetchstack/netstream"

	"github.com/benbjohnson/clock"
)

// Key identifies interchangeable connections. Host must be normalized
// (lowercase) by the caller.
type Key struct {
	Scheme string
	Host   string
	Port   uint16
	// TLSFingerprint distinguishes streams negotiated with different TLS
	// parameters. Empty for plain streams.
	TLSFingerprint string
}

type idleConn struct {
	stream netstream.Stream
	idleAt time.Time
}

// Pool holds idle connections. Checkout transfers exclusive ownership to the
// caller; a connection is never handed to two callers at once. Entries are
// not validated proactively: staleness shows up as a send/receive failure on
// the checked-out stream.
type Pool struct {
	mu   sync.Mutex
	idle map[Key][]idleConn

	idleTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

func New(idleTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Pool{
		idle:        make(map[Key][]idleConn),
		idleTimeout: idleTimeout,
		clock:       clk,
		logger:      logger,
	}
}

// Checkout atomically removes and returns an idle connection for key.
// ok is false when none is available; that is not an error, the caller
// dials a fresh connection instead.
func (p *Pool) Checkout(key Key) (_ netstream.Stream, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[key]
	// Prefer the most recently used connection (it is the least likely to
	// have been dropped by the server).
	for idx := len(conns) - 1; idx >= 0; idx-- {
		entry := conns[idx]
		conns = conns[:idx]

		if p.expired(entry) || !entry.stream.IsConnected() {
			entry.stream.Close()
			p.logger.Debug("dropping stale pooled connection",
				"host", key.Host, "port", key.Port)
			continue
		}

		p.storeLocked(key, conns)
		p.logger.Debug("reusing pooled connection",
			"host", key.Host, "port", key.Port)
		return entry.stream, true
	}

	p.storeLocked(key, conns)
	return nil, false
}

// Checkin returns a connection to the pool. The caller asserts reusability:
// the response was fully consumed, the transfer saw no error, and the server
// did not request the connection be closed.
func (p *Pool) Checkin(key Key, stream netstream.Stream) {
	if !stream.IsConnected() {
		stream.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.idle[key] = append(p.idle[key], idleConn{
		stream: stream,
		idleAt: p.clock.Now(),
	})

	p.logger.Debug("connection checked in",
		"host", key.Host, "port", key.Port, "idle", len(p.idle[key]))
}

// CloseIdle closes every pooled connection.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, conns := range p.idle {
		for _, entry := range conns {
			entry.stream.Close()
		}
		delete(p.idle, key)
	}
}

// Len reports the number of idle connections for key.
func (p *Pool) Len(key Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

func (p *Pool) expired(entry idleConn) bool {
	if p.idleTimeout <= 0 {
		return false
	}
	return p.clock.Since(entry.idleAt) >= p.idleTimeout
}

func (p *Pool) storeLocked(key Key, conns []idleConn) {
	if len(conns) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = conns
}
