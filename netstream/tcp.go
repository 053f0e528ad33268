package netstream

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// TCPStream is the plain transport variant over an OS TCP socket.
type TCPStream struct {
	mu   sync.Mutex
	conn net.Conn
	ln   net.Listener

	readTimeout  time.Duration
	writeTimeout time.Duration
	reuseAddr    bool

	bindHost string
	bindPort uint16

	connected bool
	closed    bool
}

var _ Stream = (*TCPStream)(nil)

func NewTCP() *TCPStream { return &TCPStream{} }

func (s *TCPStream) Connect(host string, port uint16, timeout time.Duration) error {
	addrs, err := resolve(host, timeout)
	if err != nil {
		return &ConnectError{Host: host, Port: port, Err: err}
	}

	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))

		conn, err := net.DialTimeout("tcp", target, timeout)
		if err != nil {
			lastErr = err
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.closed = false
		s.mu.Unlock()
		return nil
	}

	return &ConnectError{
		Host: host, Port: port,
		Err: errors.Wrap(lastErr, "all candidate addresses failed"),
	}
}

// resolve returns every address of host, in resolver order.
func resolve(host string, timeout time.Duration) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", host)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

func (s *TCPStream) Send(p []byte) (int, error) {
	conn, err := s.connectedConn("send")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	timeout := s.writeTimeout
	s.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, &NetworkError{Op: "send", Err: err}
	}

	n, err := conn.Write(p)
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		return n, &TimeoutError{Op: "send", Err: err}
	default:
		s.Close()
		return n, &NetworkError{Op: "send", Err: err}
	}
}

func (s *TCPStream) Receive(p []byte) (int, error) {
	conn, err := s.connectedConn("receive")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	timeout := s.readTimeout
	s.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, &NetworkError{Op: "receive", Err: err}
	}

	n, err := conn.Read(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		// Peer closed.
		return n, nil
	case isTimeout(err):
		return n, &TimeoutError{Op: "receive", Err: err}
	default:
		s.Close()
		return n, &NetworkError{Op: "receive", Err: err}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *TCPStream) connectedConn(op string) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.conn == nil {
		return nil, &NetworkError{Op: op, Err: errors.New("stream is not connected")}
	}
	return s.conn, nil
}

func (s *TCPStream) SetReadTimeout(d time.Duration) {
	s.mu.Lock()
	s.readTimeout = d
	s.mu.Unlock()
}

func (s *TCPStream) SetWriteTimeout(d time.Duration) {
	s.mu.Lock()
	s.writeTimeout = d
	s.mu.Unlock()
}

func (s *TCPStream) SetReuseAddr(enable bool) {
	s.mu.Lock()
	s.reuseAddr = enable
	s.mu.Unlock()
}

func (s *TCPStream) Bind(host string, port uint16) error {
	s.mu.Lock()
	s.bindHost, s.bindPort = host, port
	s.mu.Unlock()
	return nil
}

func (s *TCPStream) Listen(backlog int) error {
	_ = backlog // the Go runtime manages the accept queue

	s.mu.Lock()
	host, port, reuse := s.bindHost, s.bindPort, s.reuseAddr
	s.mu.Unlock()

	lc := net.ListenConfig{}
	if reuse {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(
					int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1,
				)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ln, err := lc.Listen(context.Background(), "tcp", target)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", target)
	}

	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *TCPStream) Accept() (Stream, error) {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return nil, errors.New("stream is not listening")
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "accepting connection")
	}

	return &TCPStream{conn: conn, connected: true}, nil
}

func (s *TCPStream) LocalPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addr net.Addr
	switch {
	case s.ln != nil:
		addr = s.ln.Addr()
	case s.conn != nil:
		addr = s.conn.LocalAddr()
	default:
		return 0
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(tcpAddr.Port)
}

func (s *TCPStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && (s.conn != nil || s.ln != nil)
}

func (s *TCPStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

func (s *TCPStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	if s.ln != nil {
		if lnErr := s.ln.Close(); err == nil {
			err = lnErr
		}
	}
	return err
}
