package netstream

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TLSOptions configure the encrypted stream variant. Certificate validation
// is an explicit opt-in: the zero value performs no peer verification.
type TLSOptions struct {
	// VerifyPeer enables certificate chain and host name validation.
	VerifyPeer bool
	// CAFile optionally points at a PEM bundle of additional roots.
	CAFile string
	// CertFile and KeyFile optionally hold the client certificate.
	CertFile string
	KeyFile  string
	// KeyEncoding is "pem" (default) or "der".
	KeyEncoding string

	// ServerName overrides the SNI/verification name (defaults to the
	// connect host).
	ServerName string
}

// Fingerprint identifies the TLS parameter set for connection-pool keying:
// two streams are interchangeable only if their fingerprints match.
func (o TLSOptions) Fingerprint() string {
	return fmt.Sprintf("verify=%t ca=%s cert=%s key=%s enc=%s sni=%s",
		o.VerifyPeer, o.CAFile, o.CertFile, o.KeyFile, o.KeyEncoding, o.ServerName)
}

var (
	systemRootsOnce sync.Once
	systemRoots     *x509.CertPool
	systemRootsErr  error
)

// loadSystemRoots performs the process-wide TLS initialization exactly once.
func loadSystemRoots() (*x509.CertPool, error) {
	systemRootsOnce.Do(func() {
		systemRoots, systemRootsErr = x509.SystemCertPool()
	})
	return systemRoots, systemRootsErr
}

// TLSStream is the encrypted transport variant: a TCP stream with a TLS
// session negotiated on top of the connected socket.
type TLSStream struct {
	TCPStream

	opts TLSOptions

	// serverCert is set on listeners so Accept can re-wrap new handles.
	serverCert *tls.Certificate
}

var _ Stream = (*TLSStream)(nil)

func NewTLS(opts TLSOptions) *TLSStream {
	return &TLSStream{opts: opts}
}

// NewTLSServer returns a listener-role stream presenting cert on Accept.
func NewTLSServer(opts TLSOptions, cert tls.Certificate) *TLSStream {
	return &TLSStream{opts: opts, serverCert: &cert}
}

func (s *TLSStream) Connect(host string, port uint16, timeout time.Duration) error {
	if err := s.TCPStream.Connect(host, port, timeout); err != nil {
		return err
	}

	cfg, err := s.clientConfig(host)
	if err != nil {
		s.Close()
		return &ConnectError{Host: host, Port: port, Err: err}
	}

	s.mu.Lock()
	raw := s.conn
	s.mu.Unlock()

	tlsConn := tls.Client(raw, cfg)
	if timeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		s.Close()
		return &ConnectError{
			Host: host, Port: port,
			Err: errors.Wrap(err, "TLS handshake"),
		}
	}
	_ = tlsConn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.conn = tlsConn
	s.mu.Unlock()
	return nil
}

func (s *TLSStream) clientConfig(host string) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !s.opts.VerifyPeer, // #nosec G402 -- validation is opt-in by contract
		ServerName:         host,
	}
	if s.opts.ServerName != "" {
		cfg.ServerName = s.opts.ServerName
	}

	if s.opts.VerifyPeer {
		roots, err := loadSystemRoots()
		if err != nil {
			return nil, errors.Wrap(err, "loading system roots")
		}
		if roots != nil {
			roots = roots.Clone()
		} else {
			roots = x509.NewCertPool()
		}

		if s.opts.CAFile != "" {
			raw, err := os.ReadFile(s.opts.CAFile)
			if err != nil {
				return nil, errors.Wrap(err, "reading CA file")
			}
			if !roots.AppendCertsFromPEM(raw) {
				return nil, errors.Errorf("no certificates found in %s", s.opts.CAFile)
			}
		}

		cfg.RootCAs = roots
	}

	if s.opts.CertFile != "" {
		cert, err := loadClientCert(s.opts)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadClientCert(opts TLSOptions) (tls.Certificate, error) {
	if opts.KeyEncoding == "der" {
		certDER, err := os.ReadFile(opts.CertFile)
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "reading cert file")
		}
		keyDER, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "reading key file")
		}

		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
		return tls.X509KeyPair(certPEM, keyPEM)
	}

	return tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
}

// Accept wraps the newly accepted socket with a server-side TLS session.
func (s *TLSStream) Accept() (Stream, error) {
	if s.serverCert == nil {
		return nil, errors.New("accepting without a server certificate")
	}

	inner, err := s.TCPStream.Accept()
	if err != nil {
		return nil, err
	}
	tcp := inner.(*TCPStream)

	cfg := &tls.Config{Certificates: []tls.Certificate{*s.serverCert}}
	tlsConn := tls.Server(tcp.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		tcp.Close()
		return nil, errors.Wrap(err, "TLS accept handshake")
	}

	accepted := &TLSStream{opts: s.opts, serverCert: s.serverCert}
	accepted.conn = tlsConn
	accepted.connected = true
	return accepted, nil
}
