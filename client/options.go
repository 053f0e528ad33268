package client

import (
	"log/slog"
	"time"

	"fetchstack/netstream"
)

// Options configure one request. The client copies them by value at request
// start, so mutating Options during an in-flight request has no effect.
type Options struct {
	// Timeout bounds each individual blocking I/O call (connect, send,
	// each receive), not the whole logical request.
	Timeout time.Duration

	// KeepAlive enables connection reuse through the pool.
	KeepAlive bool

	// MaxRedirects bounds how many redirects are followed. When the
	// bound is reached the redirect response itself is returned.
	MaxRedirects uint

	// MaxContentLength bounds the decoded body size. 0 means unlimited.
	MaxContentLength uint

	// MaxHeadersLength bounds the response header section.
	MaxHeadersLength uint

	// BufferSize is the size of a single network read.
	BufferSize uint

	// Verbosity selects log detail: 0 warnings, 1 info, 2 debug.
	Verbosity int

	// Authenticator, when set, answers 401 responses once per request.
	Authenticator Authenticator

	// StrictRedirectMethods keeps the original method on 301/302
	// instead of the conventional switch to GET on POST.
	StrictRedirectMethods bool

	// IdleTimeout bounds how long a pooled connection may sit unused.
	IdleTimeout time.Duration

	TLS netstream.TLSOptions
}

// Defaults mirror what a general-purpose client ships with.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRedirects  = 10
	DefaultHeadersLength = 32 * 1024
	DefaultBufferSize    = 16 * 1024
	DefaultIdleTimeout   = 90 * time.Second
)

func DefaultOptions() Options {
	return Options{
		Timeout:          DefaultTimeout,
		KeepAlive:        true,
		MaxRedirects:     DefaultMaxRedirects,
		MaxHeadersLength: DefaultHeadersLength,
		BufferSize:       DefaultBufferSize,
		IdleTimeout:      DefaultIdleTimeout,
	}
}

// withDefaults fills zero values that would make the engine inoperable.
func (o Options) withDefaults() Options {
	if o.MaxHeadersLength == 0 {
		o.MaxHeadersLength = DefaultHeadersLength
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// LogLevel maps Verbosity onto slog levels.
func (o Options) LogLevel() slog.Level {
	switch {
	case o.Verbosity >= 2:
		return slog.LevelDebug
	case o.Verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}
