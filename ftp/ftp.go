// Package ftp implements the FTP control-channel state machine: reply
// parsing, login, passive-mode negotiation and file retrieval/storage over
// a separate data connection.
//
// Reference: RFC 959, RFC 2428 (EPSV).
package ftp

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"fetchstack/lib/buffer"
	"fetchstack/netstream"

	"github.com/pkg/errors"
)

// Reply is one parsed control-channel reply. Text holds every line of a
// multiline reply joined by newlines, without the code prefix.
type Reply struct {
	Code int
	Text string
}

// Preliminary reports a 1xx reply: the command was accepted and a data
// transfer is about to start.
func (r Reply) Preliminary() bool { return r.Code >= 100 && r.Code < 200 }

// Completion reports a 2xx reply.
func (r Reply) Completion() bool { return r.Code >= 200 && r.Code < 300 }

// Intermediate reports a 3xx reply: the server wants the next command of
// the sequence.
func (r Reply) Intermediate() bool { return r.Code >= 300 && r.Code < 400 }

// ReplyError is returned when the server answers a command with a
// non-success reply.
type ReplyError struct {
	Verb  string
	Reply Reply
}

func (e *ReplyError) Error() string {
	return "ftp: " + e.Verb + " failed: " +
		strconv.Itoa(e.Reply.Code) + " " + e.Reply.Text
}

// Session drives one FTP control connection. It is not safe for concurrent
// use; FTP allows one transfer in flight per control connection.
type Session struct {
	control netstream.Stream
	host    string
	timeout time.Duration
	logger  *slog.Logger

	pending []byte // control bytes received but not yet consumed as lines

	// dialData opens a data connection; replaceable by tests.
	dialData func(host string, port uint16) (netstream.Stream, error)
}

// Dial connects the control channel and consumes the server greeting.
func Dial(host string, port uint16, timeout time.Duration, logger *slog.Logger) (*Session, error) {
	stream := netstream.NewTCP()
	if err := stream.Connect(host, port, timeout); err != nil {
		return nil, err
	}

	s := NewSession(stream, host, timeout, logger)
	greeting, err := s.readReply()
	if err != nil {
		stream.Close()
		return nil, err
	}
	if !greeting.Completion() {
		stream.Close()
		return nil, &ReplyError{Verb: "greeting", Reply: greeting}
	}

	return s, nil
}

// NewSession wraps an already connected control stream. The greeting is
// not consumed.
func NewSession(control netstream.Stream, host string, timeout time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	control.SetReadTimeout(timeout)
	control.SetWriteTimeout(timeout)

	return &Session{
		control: control,
		host:    host,
		timeout: timeout,
		logger:  logger,
		dialData: func(host string, port uint16) (netstream.Stream, error) {
			stream := netstream.NewTCP()
			if err := stream.Connect(host, port, timeout); err != nil {
				return nil, err
			}
			stream.SetReadTimeout(timeout)
			stream.SetWriteTimeout(timeout)
			return stream, nil
		},
	}
}

// Login authenticates with USER/PASS. Servers that need no password answer
// USER with a completion reply directly.
func (s *Session) Login(user, pass string) error {
	reply, err := s.Command("USER", user)
	if err != nil {
		return err
	}
	if reply.Completion() {
		return nil
	}
	if !reply.Intermediate() {
		return &ReplyError{Verb: "USER", Reply: reply}
	}

	reply, err = s.Command("PASS", pass)
	if err != nil {
		return err
	}
	if !reply.Completion() {
		return &ReplyError{Verb: "PASS", Reply: reply}
	}
	return nil
}

// Binary switches the transfer type to image mode.
func (s *Session) Binary() error {
	reply, err := s.Command("TYPE", "I")
	if err != nil {
		return err
	}
	if !reply.Completion() {
		return &ReplyError{Verb: "TYPE", Reply: reply}
	}
	return nil
}

// Retrieve downloads path over a passive-mode data connection and returns
// the bytes together with the transfer-completion reply.
func (s *Session) Retrieve(path string) (*buffer.Buffer, Reply, error) {
	data, err := s.openDataConn()
	if err != nil {
		return nil, Reply{}, err
	}
	defer data.Close()

	reply, err := s.Command("RETR", path)
	if err != nil {
		return nil, reply, err
	}
	if !reply.Preliminary() {
		return nil, reply, &ReplyError{Verb: "RETR", Reply: reply}
	}

	body := buffer.New()
	chunk := make([]byte, 4096)
	for {
		n, err := data.Receive(chunk)
		if err != nil {
			return nil, reply, err
		}
		if n == 0 {
			break
		}
		copied := make([]byte, n)
		copy(copied, chunk[:n])
		body.Put(copied)
	}
	data.Close()

	final, err := s.readReply()
	if err != nil {
		return nil, final, err
	}
	if !final.Completion() {
		return nil, final, &ReplyError{Verb: "RETR", Reply: final}
	}

	s.logger.Info("retrieved file", "path", path, "bytes", body.Len())
	return body, final, nil
}

// Store uploads the chunks produced by next (which yields io.EOF after
// the last one) to path and returns the transfer-completion reply.
func (s *Session) Store(path string, next func() ([]byte, error)) (Reply, error) {
	data, err := s.openDataConn()
	if err != nil {
		return Reply{}, err
	}
	defer data.Close()

	reply, err := s.Command("STOR", path)
	if err != nil {
		return reply, err
	}
	if !reply.Preliminary() {
		return reply, &ReplyError{Verb: "STOR", Reply: reply}
	}

	for {
		chunk, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return reply, errors.Wrap(err, "producing upload chunk")
		}
		for len(chunk) > 0 {
			n, err := data.Send(chunk)
			if err != nil {
				return reply, err
			}
			chunk = chunk[n:]
		}
	}
	data.Close() // signals end of file to the server

	final, err := s.readReply()
	if err != nil {
		return final, err
	}
	if !final.Completion() {
		return final, &ReplyError{Verb: "STOR", Reply: final}
	}

	s.logger.Info("stored file", "path", path)
	return final, nil
}

// Quit sends QUIT best-effort and closes the control connection.
func (s *Session) Quit() {
	_, _ = s.Command("QUIT")
	s.control.Close()
}

// Command writes one command line and reads its reply.
func (s *Session) Command(verb string, args ...string) (Reply, error) {
	line := verb
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	line += "\r\n"

	payload := []byte(line)
	for len(payload) > 0 {
		n, err := s.control.Send(payload)
		if err != nil {
			return Reply{}, err
		}
		payload = payload[n:]
	}

	return s.readReply()
}

// openDataConn negotiates a passive data connection, preferring EPSV and
// falling back to PASV.
func (s *Session) openDataConn() (netstream.Stream, error) {
	if reply, err := s.Command("EPSV"); err == nil && reply.Code == 229 {
		port, err := parseEPSV(reply.Text)
		if err != nil {
			return nil, err
		}
		return s.dialData(s.host, port)
	} else if err != nil {
		return nil, err
	}

	reply, err := s.Command("PASV")
	if err != nil {
		return nil, err
	}
	if reply.Code != 227 {
		return nil, &ReplyError{Verb: "PASV", Reply: reply}
	}
	host, port, err := parsePASV(reply.Text)
	if err != nil {
		return nil, err
	}
	return s.dialData(host, port)
}

// parseEPSV extracts the port from "Entering Extended Passive Mode
// (|||6446|)".
func parseEPSV(text string) (uint16, error) {
	open := strings.IndexByte(text, '(')
	end := strings.IndexByte(text, ')')
	if open < 0 || end < open {
		return 0, errors.New("parsing EPSV reply: no address field")
	}

	fields := strings.Split(text[open+1:end], "|")
	if len(fields) != 5 {
		return 0, errors.Errorf("parsing EPSV reply: malformed address %q", text[open+1:end])
	}

	port, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return 0, errors.Wrap(err, "parsing EPSV port")
	}
	return uint16(port), nil
}

// parsePASV extracts host and port from "Entering Passive Mode
// (h1,h2,h3,h4,p1,p2)".
func parsePASV(text string) (string, uint16, error) {
	open := strings.IndexByte(text, '(')
	end := strings.IndexByte(text, ')')
	field := text
	if open >= 0 && end > open {
		field = text[open+1 : end]
	}

	parts := strings.Split(field, ",")
	if len(parts) != 6 {
		return "", 0, errors.Errorf("parsing PASV reply: malformed address %q", field)
	}

	nums := make([]int, 6)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 255 {
			return "", 0, errors.Errorf("parsing PASV reply: bad octet %q", part)
		}
		nums[i] = n
	}

	host := strconv.Itoa(nums[0]) + "." + strconv.Itoa(nums[1]) + "." +
		strconv.Itoa(nums[2]) + "." + strconv.Itoa(nums[3])
	return host, uint16(nums[4]<<8 | nums[5]), nil
}

// readReply consumes one reply, following multiline continuation until the
// closing "NNN " line.
func (s *Session) readReply() (Reply, error) {
	line, err := s.readLine()
	if err != nil {
		return Reply{}, err
	}

	code, rest, multiline, err := parseReplyLine(line)
	if err != nil {
		return Reply{}, err
	}

	lines := []string{rest}
	for multiline {
		line, err := s.readLine()
		if err != nil {
			return Reply{}, err
		}

		// The closing line repeats the code followed by a space;
		// anything else is continuation text.
		if endCode, endRest, more, err := parseReplyLine(line); err == nil && endCode == code {
			lines = append(lines, endRest)
			multiline = more
			continue
		}
		lines = append(lines, line)
	}

	reply := Reply{Code: code, Text: strings.Join(lines, "\n")}
	s.logger.Debug("reply", "code", reply.Code, "text", lines[0])
	return reply, nil
}

func parseReplyLine(line string) (code int, rest string, multiline bool, err error) {
	if len(line) < 3 {
		return 0, "", false, errors.Errorf("parsing reply line %q: too short", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", false, errors.Wrapf(err, "parsing reply code of %q", line)
	}

	switch {
	case len(line) == 3:
		return code, "", false, nil
	case line[3] == '-':
		return code, line[4:], true, nil
	case line[3] == ' ':
		return code, line[4:], false, nil
	default:
		return 0, "", false, errors.Errorf("parsing reply line %q: bad separator", line)
	}
}

// readLine reads one CRLF-terminated control line, buffering surplus bytes
// for the next call.
func (s *Session) readLine() (string, error) {
	for {
		if i := bytes.Index(s.pending, []byte("\r\n")); i >= 0 {
			line := string(s.pending[:i])
			s.pending = s.pending[i+2:]
			return line, nil
		}

		chunk := make([]byte, 1024)
		n, err := s.control.Receive(chunk)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", &netstream.NetworkError{
				Op:  "receive",
				Err: errors.New("control connection closed mid-reply"),
			}
		}
		s.pending = append(s.pending, chunk[:n]...)
	}
}
