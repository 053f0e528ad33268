package pool

import (
	"sync"
	"testing"
	"time"

	"fetchstack/netstream"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

// fakeStream is a canned netstream.Stream for pool tests.
type fakeStream struct {
	mu        sync.Mutex
	connected bool
	closed    bool
}

var _ netstream.Stream = (*fakeStream)(nil)

func newFakeStream() *fakeStream { return &fakeStream{connected: true} }

func (f *fakeStream) Connect(string, uint16, time.Duration) error { return nil }
func (f *fakeStream) Send(p []byte) (int, error)                  { return len(p), nil }
func (f *fakeStream) Receive(p []byte) (int, error)               { return 0, nil }
func (f *fakeStream) SetReadTimeout(time.Duration)                {}
func (f *fakeStream) SetWriteTimeout(time.Duration)               {}
func (f *fakeStream) Bind(string, uint16) error                   { return nil }
func (f *fakeStream) Listen(int) error                            { return nil }
func (f *fakeStream) Accept() (netstream.Stream, error)           { return nil, nil }
func (f *fakeStream) LocalPort() uint16                           { return 0 }
func (f *fakeStream) SetReuseAddr(bool)                           {}

func (f *fakeStream) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

type PoolTestSuite struct {
	suite.Suite

	clock *clock.Mock
	pool  *Pool
	key   Key
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (s *PoolTestSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.pool = New(time.Minute, s.clock, nil)
	s.key = Key{Scheme: "http", Host: "example.com", Port: 80}
}

func (s *PoolTestSuite) TestCheckoutEmpty() {
	_, ok := s.pool.Checkout(s.key)
	s.False(ok)
}

func (s *PoolTestSuite) TestCheckinCheckout() {
	stream := newFakeStream()
	s.pool.Checkin(s.key, stream)
	s.Equal(1, s.pool.Len(s.key))

	got, ok := s.pool.Checkout(s.key)
	s.Require().True(ok)
	s.Same(stream, got)

	// Exclusive handoff: it's gone from the pool now.
	_, ok = s.pool.Checkout(s.key)
	s.False(ok)
}

func (s *PoolTestSuite) TestKeysDontMix() {
	stream := newFakeStream()
	s.pool.Checkin(s.key, stream)

	other := s.key
	other.Port = 8080
	_, ok := s.pool.Checkout(other)
	s.False(ok)

	tlsKey := s.key
	tlsKey.TLSFingerprint = "verify=true"
	_, ok = s.pool.Checkout(tlsKey)
	s.False(ok)
}

func (s *PoolTestSuite) TestIdleExpiry() {
	stream := newFakeStream()
	s.pool.Checkin(s.key, stream)

	s.clock.Add(2 * time.Minute)

	_, ok := s.pool.Checkout(s.key)
	s.False(ok)
	s.False(stream.IsOpen(), "expired connection must be closed, not leaked")
}

func (s *PoolTestSuite) TestDisconnectedEntryDropped() {
	stream := newFakeStream()
	s.pool.Checkin(s.key, stream)
	stream.connected = false

	_, ok := s.pool.Checkout(s.key)
	s.False(ok)
}

func (s *PoolTestSuite) TestCheckinClosedStreamIgnored() {
	stream := newFakeStream()
	stream.Close()

	s.pool.Checkin(s.key, stream)
	s.Zero(s.pool.Len(s.key))
}

func (s *PoolTestSuite) TestCheckoutExclusivity() {
	// Two concurrent checkouts for the same key must never observe the
	// same connection.
	const workers = 16
	const conns = 8

	for idx := 0; idx < conns; idx++ {
		s.pool.Checkin(s.key, newFakeStream())
	}

	seen := make(chan netstream.Stream, workers)
	var wg sync.WaitGroup
	for idx := 0; idx < workers; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if stream, ok := s.pool.Checkout(s.key); ok {
				seen <- stream
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[netstream.Stream]struct{})
	count := 0
	for stream := range seen {
		unique[stream] = struct{}{}
		count++
	}

	s.Equal(conns, count)
	s.Len(unique, conns)
}

func (s *PoolTestSuite) TestCloseIdle() {
	stream := newFakeStream()
	s.pool.Checkin(s.key, stream)

	s.pool.CloseIdle()

	s.Zero(s.pool.Len(s.key))
	s.False(stream.IsOpen())
}
