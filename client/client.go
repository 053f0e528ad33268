// Package client implements the request engine: it opens or reuses a
// transport connection, writes a request, and incrementally decodes a
// response body that may be chunked, compressed, or both, while enforcing
// size and time limits and following redirects.
package client

import (
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"fetchstack/codec"
	"fetchstack/httpmsg"
	"fetchstack/lib/buffer"
	"fetchstack/netstream"
	"fetchstack/pool"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Request carries the parameters of one logical request.
type Request struct {
	Method string
	URL    *url.URL
	Header *httpmsg.Header
	Body   BodySource
}

func NewRequest(method, rawURL string, body BodySource) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing request URL")
	}

	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: httpmsg.NewHeader(),
		Body:   body,
	}, nil
}

// Client executes requests. It is safe for concurrent use; each request
// runs sequentially on its calling goroutine, connections are shared only
// through the pool.
type Client struct {
	opts   Options
	pool   *pool.Pool
	jar    *cookieJar
	logger *slog.Logger
	clock  clock.Clock
}

func New(logger *slog.Logger, clk clock.Clock, opts Options) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.New()
	}
	opts = opts.withDefaults()

	return &Client{
		opts:   opts,
		pool:   pool.New(opts.IdleTimeout, clk, logger),
		jar:    newCookieJar(),
		logger: logger,
		clock:  clk,
	}
}

// Close tears down idle pooled connections.
func (c *Client) Close() { c.pool.CloseIdle() }

func (c *Client) Get(rawURL string) (*Response, error) {
	req, err := NewRequest("GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) Post(rawURL, contentType string, body BodySource) (*Response, error) {
	req, err := NewRequest("POST", rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes one logical request, following the configured redirect and
// auth-retry policy.
func (c *Client) Do(req *Request) (*Response, error) {
	if req.URL == nil {
		return nil, errors.New("request has no URL")
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Header == nil {
		req.Header = httpmsg.NewHeader()
	}

	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
		ex := newExchange(c, req)
		return ex.run()
	case "ftp":
		return c.doFTP(req)
	default:
		return nil, &RequestError{Reason: "unsupported scheme " + req.URL.Scheme}
	}
}

// engineState names the request state machine's states.
type engineState uint8

const (
	stateConnecting engineState = iota
	stateSending
	stateReceivingHeaders
	stateReceivingBody
	stateComplete
	stateRedirecting
	stateRetryingAuth
)

// transition is the tagged outcome of one state step: continue in next,
// finish with response, or fail with err.
type transition struct {
	next     engineState
	done     bool
	response *Response
	err      error
}

func toState(next engineState) transition  { return transition{next: next} }
func finish(res *Response) transition      { return transition{done: true, response: res} }
func failWith(err error) transition        { return transition{err: err} }
func failRequest(reason string) transition { return failWith(&RequestError{Reason: reason}) }

// exchange is the per-request engine state. It owns the connection between
// connect and completion and is never shared across goroutines.
type exchange struct {
	c    *Client
	opts Options // snapshot, immutable for this request
	req  *Request

	url     *url.URL
	method  string
	history []Visit

	authTried    bool
	retriedStale bool
	bypassPool   bool

	stream netstream.Stream
	pooled bool
	key    pool.Key

	// per-attempt response state
	status    httpmsg.StatusLine
	header    *httpmsg.Header
	pipe      *codec.Pipe
	dechunker *codec.Dechunker
	body      *buffer.Buffer

	noBody        bool
	chunked       bool
	contentLength uint
	hasLength     bool
	rawRead       uint
	flushed       bool
	reuseOK       bool
	connClose     bool
}

func newExchange(c *Client, req *Request) *exchange {
	return &exchange{
		c:      c,
		opts:   c.opts, // copied; later mutation of client opts is invisible here
		req:    req,
		url:    req.URL,
		method: req.Method,
	}
}

func (ex *exchange) run() (*Response, error) {
	state := stateConnecting
	for {
		var t transition
		switch state {
		case stateConnecting:
			t = ex.connect()
		case stateSending:
			t = ex.send()
		case stateReceivingHeaders:
			t = ex.receiveHeaders()
		case stateReceivingBody:
			t = ex.receiveBody()
		case stateComplete:
			t = ex.complete()
		case stateRedirecting:
			t = ex.redirect()
		case stateRetryingAuth:
			t = ex.retryAuth()
		}

		if t.err != nil {
			ex.abort()
			return nil, t.err
		}
		if t.done {
			return t.response, nil
		}
		state = t.next
	}
}

// abort tears down the in-flight connection; it is never returned to the
// pool after an error.
func (ex *exchange) abort() {
	ex.reapPipe()
	if ex.stream != nil {
		ex.stream.Close()
		ex.stream = nil
	}
}

// reapPipe finalizes the decode pipeline so no decoder goroutine outlives
// the request.
func (ex *exchange) reapPipe() {
	if ex.pipe != nil && !ex.flushed {
		ex.flushed = true
		_ = ex.pipe.Flush()
	}
}

func (ex *exchange) host() string { return strings.ToLower(ex.url.Hostname()) }

func (ex *exchange) port() uint16 {
	if raw := ex.url.Port(); raw != "" {
		if port, err := strconv.ParseUint(raw, 10, 16); err == nil {
			return uint16(port)
		}
	}
	return ex.defaultPort()
}

func (ex *exchange) defaultPort() uint16 {
	if strings.EqualFold(ex.url.Scheme, "https") {
		return 443
	}
	return 80
}

func (ex *exchange) connect() transition {
	scheme := strings.ToLower(ex.url.Scheme)
	host, port := ex.host(), ex.port()

	ex.key = pool.Key{Scheme: scheme, Host: host, Port: port}
	if scheme == "https" {
		ex.key.TLSFingerprint = ex.opts.TLS.Fingerprint()
	}

	if ex.opts.KeepAlive && !ex.bypassPool {
		if stream, ok := ex.c.pool.Checkout(ex.key); ok {
			ex.stream = stream
			ex.pooled = true
			ex.applyTimeouts()
			return toState(stateSending)
		}
	}
	ex.pooled = false

	var stream netstream.Stream
	switch scheme {
	case "http":
		stream = netstream.NewTCP()
	case "https":
		stream = netstream.NewTLS(ex.opts.TLS)
	}

	ex.c.logger.Debug("dialing", "host", host, "port", port)
	if err := stream.Connect(host, port, ex.opts.Timeout); err != nil {
		return failWith(err)
	}

	ex.stream = stream
	ex.applyTimeouts()
	return toState(stateSending)
}

func (ex *exchange) applyTimeouts() {
	ex.stream.SetReadTimeout(ex.opts.Timeout)
	ex.stream.SetWriteTimeout(ex.opts.Timeout)
}

// staleRetry reports whether a transport failure should be answered by one
// fresh-connection attempt: the failure hit a pooled connection that died
// while idle, before any response byte arrived.
func (ex *exchange) staleRetry() bool {
	if !ex.pooled || ex.retriedStale {
		return false
	}
	ex.retriedStale = true
	ex.bypassPool = true
	ex.stream.Close()
	ex.stream = nil

	ex.c.logger.Debug("pooled connection was stale, redialing",
		"host", ex.host(), "port", ex.port())
	return true
}

func (ex *exchange) send() transition {
	header, err := ex.buildHeader()
	if err != nil {
		return failWith(err)
	}

	w := &streamWriter{stream: ex.stream}
	if err := httpmsg.WriteRequestHead(w, ex.method, requestTarget(ex.url), header); err != nil {
		if isNetworkFailure(err) && ex.staleRetry() {
			return toState(stateConnecting)
		}
		return failWith(err)
	}

	if ex.req.Body != nil && ex.methodCarriesBody() {
		if err := ex.sendBody(w); err != nil {
			if isNetworkFailure(err) && ex.staleRetry() {
				return toState(stateConnecting)
			}
			return failWith(err)
		}
	}

	ex.c.logger.Info("request sent",
		"method", ex.method, "url", ex.url.String(), "reused", ex.pooled)
	return toState(stateReceivingHeaders)
}

// methodCarriesBody: the body is dropped when a redirect switched the
// method to GET.
func (ex *exchange) methodCarriesBody() bool {
	return ex.method != "GET" && ex.method != "HEAD"
}

func (ex *exchange) buildHeader() (*httpmsg.Header, error) {
	header := ex.req.Header.Clone()

	hostValue := ex.host()
	if port := ex.port(); port != ex.defaultPort() {
		hostValue += ":" + strconv.Itoa(int(port))
	}
	if !header.Has("Host") {
		header.Set("Host", hostValue)
	}
	if !header.Has("User-Agent") {
		header.Set("User-Agent", "fetchstack/1")
	}
	if !header.Has("Accept-Encoding") {
		header.Set("Accept-Encoding", "gzip, deflate")
	}
	if !header.Has("Connection") && !ex.opts.KeepAlive {
		header.Set("Connection", "close")
	}

	if !header.Has("Cookie") {
		if replay := ex.c.jar.replay(ex.host()); replay != "" {
			header.Set("Cookie", replay)
		}
	}

	if ex.authTried && ex.opts.Authenticator != nil {
		header.Set("Authorization", ex.opts.Authenticator.Credential())
	}

	if ex.req.Body != nil && ex.methodCarriesBody() {
		if length, known := ex.req.Body.ContentLength(); known {
			header.Set("Content-Length", strconv.FormatUint(uint64(length), 10))
		} else {
			header.Set("Transfer-Encoding", "chunked")
		}
	} else if ex.methodCarriesBody() {
		header.Set("Content-Length", "0")
	}

	return header, nil
}

func (ex *exchange) sendBody(w *streamWriter) error {
	next, err := ex.req.Body.Chunks()
	if err != nil {
		return &RequestError{Reason: "request body cannot be replayed"}
	}

	_, known := ex.req.Body.ContentLength()

	for {
		chunk, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "producing body chunk")
		}
		if len(chunk) == 0 {
			continue
		}

		if known {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			continue
		}

		// Each produced chunk goes out as one chunked-coding frame.
		head := strconv.FormatUint(uint64(len(chunk)), 16) + "\r\n"
		if _, err := w.Write([]byte(head)); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}

	if !known {
		if _, err := w.Write([]byte("0\r\n\r\n")); err != nil {
			return err
		}
	}
	return nil
}

func (ex *exchange) receiveHeaders() transition {
	buf := make([]byte, ex.opts.BufferSize)
	head := make([]byte, 0, 1024)

	for {
		n, err := ex.stream.Receive(buf)
		if err != nil {
			if isNetworkFailure(err) && len(head) == 0 && ex.staleRetry() {
				return toState(stateConnecting)
			}
			return failWith(err)
		}
		if n == 0 {
			if len(head) == 0 && ex.staleRetry() {
				return toState(stateConnecting)
			}
			return failWith(&netstream.NetworkError{
				Op:  "receive",
				Err: errors.New("connection closed before response header"),
			})
		}

		head = append(head, buf[:n]...)

		end := httpmsg.FindHeaderEnd(head)
		if end < 0 {
			if uint(len(head)) > ex.opts.MaxHeadersLength {
				return failRequest("response header section exceeds " +
					strconv.FormatUint(uint64(ex.opts.MaxHeadersLength), 10) + " bytes")
			}
			continue
		}
		if uint(end) > ex.opts.MaxHeadersLength {
			return failRequest("response header section exceeds " +
				strconv.FormatUint(uint64(ex.opts.MaxHeadersLength), 10) + " bytes")
		}

		return ex.beginBody(head[:end], head[end:])
	}
}

// beginBody parses the head, assembles the decode pipeline and feeds body
// bytes that arrived with the header block.
func (ex *exchange) beginBody(head, prefix []byte) transition {
	status, header, err := httpmsg.ParseResponseHead(head)
	if err != nil {
		return failRequest("malformed response head: " + err.Error())
	}

	ex.status = status
	ex.header = header
	ex.body = buffer.New()
	ex.flushed = false
	ex.rawRead = 0

	if connection, ok := header.Get("Connection"); ok {
		ex.connClose = httpmsg.ValueHasToken(connection, "close")
	} else {
		ex.connClose = false
	}

	ex.noBody = ex.method == "HEAD" ||
		status.Code == 204 || status.Code == 304 ||
		(status.Code >= 100 && status.Code < 200)
	if ex.noBody {
		ex.pipe = nil
		ex.dechunker = nil
		ex.reuseOK = ex.opts.KeepAlive && !ex.connClose
		return toState(stateComplete)
	}

	ex.chunked = false
	if te, ok := header.Get("Transfer-Encoding"); ok {
		ex.chunked = httpmsg.ValueHasToken(te, "chunked")
	}

	ex.hasLength = false
	if !ex.chunked {
		length, ok, err := httpmsg.ContentLength(header)
		if err != nil {
			return failRequest("malformed response head: " + err.Error())
		}
		ex.contentLength, ex.hasLength = length, ok
	}

	pipe := codec.NewPipe()
	ex.dechunker = nil
	if ex.chunked {
		ex.dechunker = codec.NewDechunker()
		if err := pipe.Insert(ex.dechunker); err != nil {
			return failWith(err)
		}
	}

	if encoding, ok := header.Get("Content-Encoding"); ok {
		var coding codec.ContentCoding
		switch strings.ToLower(strings.TrimSpace(encoding)) {
		case "gzip", "x-gzip":
			coding = codec.CodingGzip
		case "deflate":
			coding = codec.CodingDeflate
		case "", "identity":
			// nothing to insert
		default:
			return failRequest("unsupported content encoding " + encoding)
		}

		if coding != "" {
			dec, err := codec.NewDecompressor(coding)
			if err != nil {
				return failWith(&codec.DecodeError{Err: err})
			}
			if err := pipe.Insert(dec); err != nil {
				return failWith(err)
			}
		}
	}
	ex.pipe = pipe

	if t := ex.feedBody(prefix); t.err != nil {
		return t
	}
	return toState(stateReceivingBody)
}

// feedBody pushes one received fragment through the pipeline and enforces
// the decoded-size bound.
func (ex *exchange) feedBody(fragment []byte) transition {
	if len(fragment) == 0 {
		return toState(stateReceivingBody)
	}

	if ex.hasLength {
		remain := ex.contentLength - ex.rawRead
		if uint(len(fragment)) > remain {
			fragment = fragment[:remain]
		}
	}
	ex.rawRead += uint(len(fragment))

	if err := ex.pipe.Put(fragment); err != nil {
		return failWith(err)
	}
	ex.pipe.Drain(ex.body)

	if ex.opts.MaxContentLength > 0 && ex.body.Len() > ex.opts.MaxContentLength {
		return failRequest("decoded body exceeds " +
			strconv.FormatUint(uint64(ex.opts.MaxContentLength), 10) + " bytes")
	}

	return toState(stateReceivingBody)
}

func (ex *exchange) bodyDone() bool {
	switch {
	case ex.chunked:
		return ex.dechunker.Done()
	case ex.hasLength:
		return ex.rawRead >= ex.contentLength
	default:
		return false // delimited by connection close
	}
}

func (ex *exchange) receiveBody() transition {
	buf := make([]byte, ex.opts.BufferSize)

	closeDelimited := false
	for !ex.bodyDone() {
		n, err := ex.stream.Receive(buf)
		if err != nil {
			return failWith(err)
		}
		if n == 0 {
			if ex.chunked || ex.hasLength {
				return failWith(&netstream.NetworkError{
					Op:  "receive",
					Err: errors.New("connection closed before full body"),
				})
			}
			closeDelimited = true
			break
		}

		if t := ex.feedBody(buf[:n]); t.err != nil {
			return t
		}
	}

	ex.flushed = true
	if err := ex.pipe.Flush(); err != nil {
		return failWith(err)
	}
	ex.pipe.Drain(ex.body)

	if ex.opts.MaxContentLength > 0 && ex.body.Len() > ex.opts.MaxContentLength {
		return failRequest("decoded body exceeds " +
			strconv.FormatUint(uint64(ex.opts.MaxContentLength), 10) + " bytes")
	}

	ex.reuseOK = ex.opts.KeepAlive && !ex.connClose && !closeDelimited
	return toState(stateComplete)
}

// releaseConn hands the connection back to the pool when the completed
// exchange left it reusable, and closes it otherwise.
func (ex *exchange) releaseConn() {
	if ex.stream == nil {
		return
	}
	if ex.reuseOK {
		ex.c.pool.Checkin(ex.key, ex.stream)
	} else {
		ex.stream.Close()
	}
	ex.stream = nil
	ex.pooled = false
}

func (ex *exchange) complete() transition {
	ex.c.jar.storeFrom(ex.host(), ex.header)

	code := ex.status.Code

	if location, ok := ex.header.Get("Location"); isRedirect(code) && ok && location != "" {
		if uint(len(ex.history)) < ex.opts.MaxRedirects {
			return toState(stateRedirecting)
		}
		// Bound reached: stop following, return the redirect as-is.
		ex.c.logger.Info("redirect limit reached", "url", ex.url.String(), "code", code)
	}

	if code == 401 && ex.opts.Authenticator != nil && !ex.authTried {
		return toState(stateRetryingAuth)
	}

	res := &Response{
		Status:  ex.status,
		Header:  ex.header,
		Body:    ex.body,
		History: append([]Visit(nil), ex.history...),
		URL:     ex.url,
	}

	ex.releaseConn()
	ex.c.logger.Info("request complete",
		"url", ex.url.String(), "code", code, "body", res.Body.Len())
	return finish(res)
}

func isRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func (ex *exchange) redirect() transition {
	ex.releaseConn()

	code := ex.status.Code
	ex.history = append(ex.history, Visit{URL: ex.url.String(), Code: code})

	location, _ := ex.header.Get("Location")
	target, err := ex.url.Parse(location)
	if err != nil {
		return failRequest("invalid redirect location " + strconv.Quote(location))
	}

	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		return failRequest("redirect to unsupported scheme " + target.Scheme)
	}

	// 303 always switches to GET; 301/302 on POST switch by client
	// convention unless strict RFC behavior was requested.
	switch {
	case code == 303 && ex.method != "HEAD":
		ex.method = "GET"
	case (code == 301 || code == 302) && ex.method == "POST" && !ex.opts.StrictRedirectMethods:
		ex.method = "GET"
	}

	ex.c.logger.Info("following redirect",
		"from", ex.url.String(), "to", target.String(), "code", code)

	ex.url = target
	ex.resetAttempt()
	return toState(stateConnecting)
}

func (ex *exchange) retryAuth() transition {
	ex.authTried = true

	// Reuse the connection without reconnecting when it survived the 401
	// exchange cleanly.
	if ex.reuseOK && ex.stream != nil && ex.stream.IsConnected() {
		ex.resetAttempt()
		return toState(stateSending)
	}

	if ex.stream != nil {
		ex.stream.Close()
		ex.stream = nil
	}
	ex.resetAttempt()
	return toState(stateConnecting)
}

// resetAttempt clears the per-attempt response state before another hop.
func (ex *exchange) resetAttempt() {
	ex.reapPipe()
	ex.status = httpmsg.StatusLine{}
	ex.header = nil
	ex.pipe = nil
	ex.dechunker = nil
	ex.body = nil
	ex.noBody = false
	ex.chunked = false
	ex.hasLength = false
	ex.contentLength = 0
	ex.rawRead = 0
	ex.reuseOK = false
	ex.connClose = false
}

// requestTarget is the origin-form target of the request line.
func requestTarget(u *url.URL) string {
	target := u.RequestURI()
	if target == "" {
		return "/"
	}
	return target
}

func isNetworkFailure(err error) bool {
	var netErr *netstream.NetworkError
	return errors.As(err, &netErr)
}

// streamWriter adapts a netstream.Stream to io.Writer for head
// serialization.
type streamWriter struct {
	stream netstream.Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.stream.Send(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
